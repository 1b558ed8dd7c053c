// Package agent assembles one tab: its role, replicated store, broadcast bus,
// RPC connector and shared state mirror.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tabsync/internal/config"
	"tabsync/internal/coordinator"
	"tabsync/internal/multitab"
	"tabsync/internal/port"
	"tabsync/internal/protocol"
	"tabsync/internal/rpc"
)

type Options struct {
	Config config.Config
	Token  string
	Master bool
	// Out receives worker updates and progress lines.
	Out    io.Writer
	Logger *slog.Logger
	// OnReload is called when a newer version took over the session.
	OnReload func(remoteVersion string)
}

// Agent is one running tab.
type Agent struct {
	cfg   config.Config
	log   *slog.Logger
	token string
	out   io.Writer
	outMu sync.Mutex

	role   *multitab.Role
	store  *multitab.Store
	bus    *multitab.Bus
	conn   *rpc.Connector
	shared *coordinator.Client

	ctx     context.Context
	closers []func() error
}

// Start connects the tab and bootstraps its state from the other tabs.
func Start(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Token == "" {
		opts.Token = protocol.NewToken()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:   opts.Config,
		log:   logger.With("token", opts.Token),
		token: opts.Token,
		out:   opts.Out,
		ctx:   ctx,
	}
	fail := func(err error) (*Agent, error) {
		a.Close()
		return nil, err
	}

	ch, marker, err := a.openChannel(ctx)
	if err != nil {
		return fail(err)
	}

	a.role = multitab.NewRole(opts.Token, opts.Master)
	a.store = multitab.NewStore(multitab.State{
		multitab.TabStateKey: map[string]any{opts.Token: map[string]any{}},
	})
	a.conn = rpc.New(rpc.Options{
		Role:             a.role,
		WorkerFactory:    a.dialWorker,
		OnUpdate:         a.onUpdate,
		HealthCheck:      a.cfg.RPC.HealthCheck,
		HealthTimeout:    a.cfg.RPC.HealthTimeout,
		HealthMinDelay:   a.cfg.RPC.HealthMinDelay,
		RelayCallTimeout: a.cfg.RPC.RelayCallTimeout,
		Logger:           a.log,
	})
	a.closers = append(a.closers, a.conn.Close)

	markerRefresh := a.cfg.Bus.MarkerTTL / 3
	a.bus, err = multitab.New(multitab.Options{
		Channel:          ch,
		Marker:           marker,
		Role:             a.role,
		API:              a.conn,
		Store:            a.store,
		AppVersion:       a.cfg.App.Version,
		EstablishTimeout: a.cfg.Bus.EstablishTimeout,
		CoalesceWindow:   a.cfg.Bus.CoalesceWindow,
		MarkerRefresh:    markerRefresh,
		OnReload:         opts.OnReload,
		Logger:           a.log,
	})
	if err != nil {
		return fail(err)
	}
	a.conn.SetRelay(a.bus)
	if err := a.bus.Start(ctx); err != nil {
		return fail(fmt.Errorf("join bus: %w", err))
	}
	a.closers = append(a.closers, a.bus.Close)

	if err := a.bus.RequestGlobal(ctx); err != nil {
		return fail(err)
	}

	shared, err := a.dialShared(ctx)
	if err != nil {
		return fail(err)
	}
	a.shared = shared
	a.shared.OnChange(func(state map[string]any) {
		a.printf("shared state changed: %s\n", encode(state))
	})
	a.closers = append(a.closers, a.shared.Close)

	if err := a.conn.Init(ctx, a.initialArgs()); err != nil {
		return fail(fmt.Errorf("init api: %w", err))
	}
	a.log.Info("tab started", "master", opts.Master)
	return a, nil
}

func (a *Agent) initialArgs() map[string]any {
	return map[string]any{"token": a.token, "version": a.cfg.App.Version}
}

func (a *Agent) openChannel(ctx context.Context) (multitab.Channel, multitab.Marker, error) {
	bus := a.cfg.Bus
	var (
		ch     multitab.Channel
		marker multitab.Marker
	)
	switch bus.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
		}
		ch = multitab.NewRedisChannel(client, bus.Channel, a.log)
		marker = multitab.NewRedisMarker(client, bus.MarkerKey, bus.MarkerTTL)
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, a.cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		ch = multitab.NewPostgresChannel(pool, bus.Channel, a.log)
	case config.BackendServer:
		ch = multitab.NewRemoteChannel(a.dialBus, a.log)
	default:
		ch = multitab.NewMemoryHub(bus.Channel, a.log)
		marker = multitab.NewMemoryMarker()
	}
	if bus.Backend != config.BackendMemory {
		ch = multitab.WithBreaker(ch, multitab.BreakerSettings("bus:"+bus.Channel, bus.BreakerTimeout))
	}
	a.closers = append(a.closers, ch.Close)
	return ch, marker, nil
}

func (a *Agent) endpoint(path string, query url.Values) string {
	u := strings.TrimSuffix(a.cfg.Server.URL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (a *Agent) wsOptions() port.WebSocketOptions {
	return port.WebSocketOptions{CompressThreshold: a.cfg.Port.CompressThreshold}
}

func (a *Agent) dialWorker(ctx context.Context) (port.Port[protocol.Batch], error) {
	return port.DialWebSocket[protocol.Batch](ctx, a.endpoint("/api", nil), a.wsOptions())
}

func (a *Agent) dialBus(ctx context.Context, subscribe bool) (port.Port[multitab.Message], error) {
	var q url.Values
	if !subscribe {
		q = url.Values{"subscribe": {"0"}}
	}
	return port.DialWebSocket[multitab.Message](ctx, a.endpoint("/bus/"+url.PathEscape(a.cfg.Bus.Channel), q), a.wsOptions())
}

func (a *Agent) dialShared(ctx context.Context) (*coordinator.Client, error) {
	p, err := port.DialWebSocket[coordinator.Message](ctx, a.endpoint("/shared/"+url.PathEscape(a.cfg.Shared.Name), nil), a.wsOptions())
	if err != nil {
		return nil, err
	}
	client, err := coordinator.Dial(ctx, p, map[string]any{coordinator.InitialKey: true}, a.log)
	if err != nil {
		p.Close()
		return nil, err
	}
	return client, nil
}

// onUpdate prints worker updates. A reconnect request restarts the worker
// on the master tab.
func (a *Agent) onUpdate(update json.RawMessage) {
	if bytes.Equal(update, rpc.ReconnectUpdate) {
		if a.role.IsMaster() {
			go func() {
				if err := a.conn.Init(a.ctx, a.initialArgs()); err != nil {
					a.log.Error("reconnect failed", "err", err)
				}
			}()
		}
		return
	}
	a.printf("update: %s\n", update)
}

func (a *Agent) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

func (a *Agent) Token() string { return a.token }

// Global returns the tab's copy of the replicated state.
func (a *Agent) Global() multitab.State { return a.store.Get() }

// Shared returns the tab's mirror of the coordinator's state.
func (a *Agent) Shared() map[string]any { return a.shared.State() }

func (a *Agent) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func encode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
