// Package server exposes the worker, shared state and bus relay over
// websockets.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tabsync/internal/config"
	"tabsync/internal/coordinator"
	"tabsync/internal/multitab"
	"tabsync/internal/port"
	"tabsync/internal/protocol"
	"tabsync/internal/rpc"
	"tabsync/internal/worker"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server routes tab connections to worker sessions, coordinators and bus
// channels. Everything it starts lives until ctx is done.
type Server struct {
	ctx    context.Context
	cfg    config.Config
	log    *slog.Logger
	rdb    redis.UniversalClient
	dbpool *pgxpool.Pool
	wsOpts port.WebSocketOptions

	mu           sync.Mutex
	channels     map[string]multitab.Channel
	coordinators map[string]*coordinator.Coordinator
	wg           sync.WaitGroup
}

// New builds a server. rdb and dbpool may be nil when the configured bus
// backend does not need them.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, rdb redis.UniversalClient, dbpool *pgxpool.Pool) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		ctx:          ctx,
		cfg:          cfg,
		log:          log,
		rdb:          rdb,
		dbpool:       dbpool,
		wsOpts:       port.WebSocketOptions{CompressThreshold: cfg.Port.CompressThreshold},
		channels:     make(map[string]multitab.Channel),
		coordinators: make(map[string]*coordinator.Coordinator),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.log.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/api").HandlerFunc(s.serveAPI)
	r.Methods(http.MethodGet).Path("/shared/{name}").HandlerFunc(s.serveShared)
	r.Methods(http.MethodGet).Path("/bus/{channel}").HandlerFunc(s.serveBus)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	code := http.StatusOK
	if s.rdb != nil {
		status["redis"] = "ok"
		if err := s.rdb.Ping(r.Context()).Err(); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.dbpool != nil {
		status["postgres"] = "ok"
		if err := s.dbpool.Ping(r.Context()); err != nil {
			status["postgres"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// serveAPI runs one worker session per connection.
func (s *Server) serveAPI(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}
	p := port.NewWebSocket[protocol.Batch](conn, s.wsOpts)
	log := s.log.With("remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer p.Close()
		stop := context.AfterFunc(s.ctx, func() { p.Close() })
		defer stop()
		d := rpc.NewDispatcher(worker.New(log).Registry(), log)
		if err := d.Serve(s.ctx, p); err != nil {
			log.Warn("worker session ended", "err", err)
			return
		}
		log.Info("worker session closed")
	}()
}

func (s *Server) serveShared(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}
	p := port.NewWebSocket[coordinator.Message](conn, s.wsOpts)
	if err := s.coordinator(name).Attach(s.ctx, p); err != nil {
		s.log.Warn("attach to coordinator failed", "name", name, "err", err)
	}
}

func (s *Server) coordinator(name string) *coordinator.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.coordinators[name]; ok {
		return c
	}
	c := coordinator.New(name, s.log)
	s.coordinators[name] = c
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.Run(s.ctx)
	}()
	return c
}

// serveBus relays a tab's bus traffic to the configured backend. Publishing
// connections pass ?subscribe=0.
func (s *Server) serveBus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["channel"]
	subscribe := r.URL.Query().Get("subscribe") != "0"
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}
	p := port.NewWebSocket[multitab.Message](conn, s.wsOpts)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := multitab.ServeRelay(s.ctx, s.channel(name), p, subscribe, s.log); err != nil {
			s.log.Warn("bus relay ended", "channel", name, "err", err)
		}
	}()
}

func (s *Server) channel(name string) multitab.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[name]; ok {
		return ch
	}
	var ch multitab.Channel
	switch s.cfg.Bus.Backend {
	case config.BackendRedis:
		ch = multitab.NewRedisChannel(s.rdb, name, s.log)
	case config.BackendPostgres:
		ch = multitab.NewPostgresChannel(s.dbpool, name, s.log)
	default:
		ch = multitab.NewMemoryHub(name, s.log)
	}
	if s.cfg.Bus.Backend != config.BackendMemory {
		ch = multitab.WithBreaker(ch, multitab.BreakerSettings("bus:"+name, s.cfg.Bus.BreakerTimeout))
	}
	s.channels[name] = ch
	return ch
}

// Close waits for every session to end, then releases the channels. Cancel
// the server's context first.
func (s *Server) Close() {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ch := range s.channels {
		if err := ch.Close(); err != nil {
			s.log.Warn("closing channel", "channel", name, "err", err)
		}
	}
}
