package agent

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/config"
	"tabsync/internal/multitab"
	"tabsync/internal/server"
)

func startServer(t *testing.T) string {
	ctx, cancel := context.WithCancel(context.Background())
	srv := server.New(ctx, config.Config{
		Bus:  config.BusConfig{Backend: config.BackendMemory},
		Port: config.PortConfig{CompressThreshold: -1},
	}, nil, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		ts.Close()
	})
	return ts.URL
}

func tabConfig(serverURL string) config.Config {
	return config.Config{
		App:    config.AppConfig{Version: "1.0.0"},
		Server: config.ServerConfig{URL: "ws" + strings.TrimPrefix(serverURL, "http")},
		Bus: config.BusConfig{
			Backend:          config.BackendServer,
			Channel:          "tt-global",
			EstablishTimeout: 300 * time.Millisecond,
			CoalesceWindow:   10 * time.Millisecond,
			BreakerTimeout:   time.Second,
		},
		Shared: config.SharedConfig{Name: "tt-shared-state"},
		RPC:    config.RPCConfig{HealthTimeout: 150 * time.Millisecond, HealthMinDelay: 5 * time.Second},
	}
}

func startTab(t *testing.T, ctx context.Context, cfg config.Config, token string, master bool) *Agent {
	t.Helper()
	a, err := Start(ctx, Options{Config: cfg, Token: token, Master: master})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestTabsThroughServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := startServer(t)
	cfg := tabConfig(url)

	master := startTab(t, ctx, cfg, "master", true)
	follower := startTab(t, ctx, cfg, "follower", false)

	// The follower adopted the master's global state.
	assert.Contains(t, follower.Global()[multitab.TabStateKey], "master")

	out, err := follower.Exec(ctx, "call sum [1, 2, 3]")
	require.NoError(t, err)
	assert.Equal(t, "6", out)

	out, err = follower.Exec(ctx, "call download [3]")
	require.NoError(t, err)
	assert.Contains(t, out, "(+3 bytes)")

	_, err = follower.Exec(ctx, `call fail ["bad input"]`)
	assert.EqualError(t, err, "bad input")

	out, err = master.Exec(ctx, `set theme "dark"`)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	require.Eventually(t, func() bool {
		return follower.Global()["theme"] == "dark"
	}, 2*time.Second, 10*time.Millisecond)

	_, err = follower.Exec(ctx, `shared lang "en"`)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return master.Shared()["lang"] == "en"
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, master.Shared(), "isInitial")

	out, err = follower.Exec(ctx, "state")
	require.NoError(t, err)
	assert.Contains(t, out, `"theme":"dark"`)
	assert.Contains(t, out, `"lang":"en"`)
}

func TestExecUsage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tab := startTab(t, ctx, tabConfig(startServer(t)), "solo", true)

	for _, line := range []string{"bogus", "set onlykey", "set k {not json", "master maybe", "died", "call", "call sum {}", "localdb users 1"} {
		_, err := tab.Exec(ctx, line)
		assert.ErrorIs(t, err, ErrUsage, line)
	}

	out, err := tab.Exec(ctx, "help")
	require.NoError(t, err)
	assert.Contains(t, out, "call <name>")

	out, err = tab.Exec(ctx, `localdb users 42 {"first":"Ada"}`)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	out, err = tab.Exec(ctx, "call localDbSize")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, out, "the worker only sees the local DB sent with init")

	out, err = tab.Exec(ctx, "debug on")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
