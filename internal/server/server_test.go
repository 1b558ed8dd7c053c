package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/config"
	"tabsync/internal/coordinator"
	"tabsync/internal/multitab"
	"tabsync/internal/port"
	"tabsync/internal/protocol"
	"tabsync/internal/rpc"
)

func startServer(t *testing.T, cfg config.Config, rdb redis.UniversalClient) (string, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := New(ctx, cfg, nil, rdb, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http"), ts
}

func memoryConfig() config.Config {
	return config.Config{Bus: config.BusConfig{Backend: config.BackendMemory, BreakerTimeout: time.Second}}
}

func TestHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	_, ts := startServer(t, memoryConfig(), rdb)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var status map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", status["redis"])

	mr.Close()
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWorkerSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url, _ := startServer(t, memoryConfig(), nil)

	conn := rpc.New(rpc.Options{
		WorkerFactory: func(ctx context.Context) (port.Port[protocol.Batch], error) {
			return port.DialWebSocket[protocol.Batch](ctx, url+"/api", port.WebSocketOptions{})
		},
	})
	defer conn.Close()
	require.NoError(t, conn.Init(ctx, map[string]any{"token": "t1"}))

	res, err := conn.Call("sum", []any{2, 3}).Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(res.Value))

	var ticks []int
	p := rpc.NewProgress(func(args []json.RawMessage) {
		var n int
		if len(args) > 0 && json.Unmarshal(args[0], &n) == nil {
			ticks = append(ticks, n)
		}
	})
	res, err = conn.Call("countdown", []any{3, 1}, rpc.WithProgress(p)).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, ticks)
	assert.JSONEq(t, `{"canceled":false,"remaining":0}`, string(res.Value))
}

func TestSharedState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url, _ := startServer(t, memoryConfig(), nil)

	dial := func(local map[string]any) *coordinator.Client {
		p, err := port.DialWebSocket[coordinator.Message](ctx, url+"/shared/settings", port.WebSocketOptions{})
		require.NoError(t, err)
		c, err := coordinator.Dial(ctx, p, local, nil)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		return c
	}

	first := dial(map[string]any{"theme": "light", coordinator.InitialKey: true})
	second := dial(map[string]any{"theme": "ignored"})
	assert.Equal(t, map[string]any{"theme": "light"}, second.State())

	require.NoError(t, second.Update(ctx, map[string]any{"theme": "dark"}))
	require.Eventually(t, func() bool {
		return first.State()["theme"] == "dark"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBusRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := config.Config{Bus: config.BusConfig{Backend: config.BackendRedis, BreakerTimeout: time.Second}}
	url, _ := startServer(t, cfg, rdb)

	remote := func() *multitab.RemoteChannel {
		ch := multitab.NewRemoteChannel(func(ctx context.Context, subscribe bool) (port.Port[multitab.Message], error) {
			u := url + "/bus/tt-global"
			if !subscribe {
				u += "?subscribe=0"
			}
			return port.DialWebSocket[multitab.Message](ctx, u, port.WebSocketOptions{})
		}, nil)
		t.Cleanup(func() { ch.Close() })
		return ch
	}
	a, b := remote(), remote()

	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, a.Publish(ctx, multitab.Message{Type: multitab.TypeRequestGlobal, Sender: "tab-a"}))
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, multitab.TypeRequestGlobal, msg.Type)
		assert.Equal(t, "tab-a", msg.Sender)
	case <-ctx.Done():
		t.Fatal("message not relayed through redis")
	}
}
