// Package rpc implements the request/response/callback channel between a UI
// context (Connector) and a worker context (Dispatcher).
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabsync/internal/port"
	"tabsync/internal/protocol"
)

var (
	ErrWorkerTerminated   = errors.New("worker terminated")
	ErrConnectorClosed    = errors.New("connector closed")
	ErrNoRelay            = errors.New("no relay to master tab")
	ErrHealthCheckTimeout = errors.New("health check timeout")
	ErrUnknownMethod      = errors.New("unknown method")
	ErrRelayTimeout       = errors.New("master tab did not answer")
)

// ReconnectUpdate is emitted through OnUpdate when the worker had to be torn
// down and the application should reconnect from scratch.
var ReconnectUpdate = json.RawMessage(`{"@type":"requestReconnectApi"}`)

const (
	relayTimeout = 5 * time.Second

	// DefaultRelayCallTimeout bounds how long a relayed call waits for the
	// master between two signs of life.
	DefaultRelayCallTimeout = 30 * time.Second
)

// Calls to these names resolve to null instead of waiting for init.
var noQueueBeforeInit = map[string]bool{"destroy": true}

// Role is the externally elected master flag.
type Role interface {
	IsMaster() bool
	OnMasterChange(fn func(isMaster bool))
}

// Relay forwards calls from a non-master tab to the master tab.
type Relay interface {
	CallOnMaster(ctx context.Context, env protocol.Envelope) error
	CancelOnMaster(ctx context.Context, messageID string) error
	InitOnMaster(ctx context.Context, initialArgs json.RawMessage) error
}

// WorkerFactory starts a worker and returns the port to it.
type WorkerFactory func(ctx context.Context) (port.Port[protocol.Batch], error)

type Options struct {
	// Role decides whether calls go to this tab's worker or through Relay.
	// Nil means this tab is always master.
	Role          Role
	Relay         Relay
	WorkerFactory WorkerFactory
	OnUpdate      func(update json.RawMessage)

	HealthCheck    bool
	HealthTimeout  time.Duration
	HealthMinDelay time.Duration

	// RelayCallTimeout fails a relayed call when the master sends neither a
	// response nor a progress callback for this long.
	RelayCallTimeout time.Duration

	Logger *slog.Logger
}

type queuedCall struct {
	name   string
	args   []json.RawMessage
	cfg    callConfig
	future *Future
	// local calls stay on this tab's worker whatever the role.
	local bool
}

type session struct {
	port      port.Port[protocol.Batch]
	out       *outbox
	cancel    context.CancelFunc
	startedAt time.Time
}

// Connector is the UI-side end of the RPC channel.
type Connector struct {
	opts  Options
	log   *slog.Logger
	table *Table
	db    *LocalDB

	mu      sync.Mutex
	master  bool
	relay   Relay
	inited  bool
	closed  bool
	session *session
	// queue holds calls made before init in submission order.
	queue       []queuedCall
	relayTimers map[string]*time.Timer
}

func New(opts Options) *Connector {
	if opts.HealthTimeout == 0 {
		opts.HealthTimeout = 150 * time.Millisecond
	}
	if opts.HealthMinDelay == 0 {
		opts.HealthMinDelay = 5 * time.Second
	}
	if opts.RelayCallTimeout == 0 {
		opts.RelayCallTimeout = DefaultRelayCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connector{
		opts:        opts,
		log:         logger.With("component", "connector"),
		table:       NewTable(),
		db:          NewLocalDB(),
		master:      true,
		relay:       opts.Relay,
		relayTimers: make(map[string]*time.Timer),
	}
	if opts.Role != nil {
		c.master = opts.Role.IsMaster()
		opts.Role.OnMasterChange(c.setMaster)
	}
	return c
}

// SetRelay installs the relay used while this tab is not master.
func (c *Connector) SetRelay(r Relay) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relay = r
}

func (c *Connector) setMaster(isMaster bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.master != isMaster {
		c.log.Info("role changed", "master", isMaster)
	}
	c.master = isMaster
}

// Init starts the worker on the master tab and performs the handshake. On a
// non-master tab it asks the master to initialize instead and returns.
func (c *Connector) Init(ctx context.Context, initialArgs any) error {
	raw, err := json.Marshal(initialArgs)
	if err != nil {
		return fmt.Errorf("encode initial args: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectorClosed
	}
	master, relay, running := c.master, c.relay, c.session != nil
	c.mu.Unlock()

	if !master {
		if relay == nil {
			return ErrNoRelay
		}
		return relay.InitOnMaster(ctx, raw)
	}

	if !running {
		if err := c.startWorker(ctx); err != nil {
			return err
		}
	}

	db, err := json.Marshal(c.db.Snapshot())
	if err != nil {
		return fmt.Errorf("encode local db: %w", err)
	}
	fut := c.request(protocol.Envelope{
		Type: protocol.TypeInitAPI,
		Args: []json.RawMessage{raw, db},
	}, nil)
	if _, err := fut.Wait(ctx); err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	c.flushQueues()
	return nil
}

func (c *Connector) startWorker(ctx context.Context) error {
	if c.opts.WorkerFactory == nil {
		return errors.New("no worker factory")
	}
	p, err := c.opts.WorkerFactory(ctx)
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil || c.closed {
		p.Close()
		return nil
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{port: p, out: newOutbox(), cancel: cancel, startedAt: time.Now()}
	c.session = s
	go func() {
		if err := s.out.run(sctx, p, c.log); err != nil && sctx.Err() == nil {
			c.terminate(s, err, true)
		}
	}()
	go c.readLoop(sctx, s)
	c.log.Info("worker started")
	return nil
}

// flushQueues replays calls made before init, in submission order.
func (c *Connector) flushQueues() {
	c.mu.Lock()
	c.inited = true
	queue := c.queue
	c.queue = nil

	var relayed []queuedCall
	for _, q := range queue {
		if !q.local && !c.master {
			relayed = append(relayed, q)
			continue
		}
		c.requestLocked(callEnvelope(q.name, q.args, q.cfg), q.cfg.progress, q.future)
	}
	relay := c.relay
	c.mu.Unlock()

	for _, q := range relayed {
		c.forward(relay, q)
	}
}

func (c *Connector) readLoop(ctx context.Context, s *session) {
	for {
		batch, err := s.port.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("worker port failed", "err", err)
				c.terminate(s, err, true)
			}
			return
		}
		for _, env := range batch.Payloads {
			if !c.handle(s, env) {
				return
			}
		}
	}
}

func (c *Connector) handle(s *session, env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeUpdates:
		for _, u := range env.Updates {
			c.emit(u)
		}
	case protocol.TypeMethodResponse:
		if !c.table.Resolve(env) {
			c.log.Debug("stale response dropped", "messageId", env.MessageID)
		}
	case protocol.TypeMethodCallback:
		c.table.Callback(env)
	case protocol.TypeUnhandledError:
		var cause error = ErrWorkerTerminated
		if env.Error != nil {
			cause = env.Error
		}
		c.log.Error("unhandled worker error", "err", cause)
		c.terminate(s, cause, true)
		return false
	default:
		c.log.Debug("unexpected envelope from worker", "type", env.Type)
	}
	return true
}

// terminate tears s down if it is still the active worker session.
func (c *Connector) terminate(s *session, cause error, reconnect bool) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.inited = false
	c.mu.Unlock()

	s.cancel()
	s.port.Close()
	c.table.RejectAll(fmt.Errorf("%w: %v", ErrWorkerTerminated, cause))
	c.log.Warn("worker terminated", "cause", cause)
	if reconnect {
		c.emit(ReconnectUpdate)
	}
}

func (c *Connector) emit(update json.RawMessage) {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(update)
	}
}

func callEnvelope(name string, args []json.RawMessage, cfg callConfig) protocol.Envelope {
	return protocol.Envelope{
		MessageID:    protocol.NewMessageID(),
		Type:         protocol.TypeCallMethod,
		Name:         name,
		Args:         args,
		WithCallback: cfg.progress != nil,
	}
}

func (c *Connector) request(env protocol.Envelope, p *Progress) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestLocked(env, p, nil)
}

// requestLocked registers env and queues it to the worker. f, when given, is
// the future already handed to the caller of a queued call.
func (c *Connector) requestLocked(env protocol.Envelope, p *Progress, f *Future) *Future {
	if c.session == nil {
		err := ErrWorkerTerminated
		if c.closed {
			err = ErrConnectorClosed
		}
		if f == nil {
			return settledFuture(Result{}, err)
		}
		f.settle(Result{}, err)
		return f
	}
	if env.MessageID == "" {
		env.MessageID = protocol.NewMessageID()
	}
	if f == nil {
		f = c.table.Register(env, p)
	} else {
		c.table.add(env.MessageID, env.Name, f, p)
	}
	c.session.out.push(env)
	return f
}

func (c *Connector) enqueueLocked(name string, args []json.RawMessage, cfg callConfig, local bool) *Future {
	if c.closed {
		return settledFuture(Result{}, ErrConnectorClosed)
	}
	if noQueueBeforeInit[name] {
		return settledFuture(Result{Value: json.RawMessage("null")}, nil)
	}
	f := newFuture()
	c.queue = append(c.queue, queuedCall{name: name, args: args, cfg: cfg, future: f, local: local})
	return f
}

// Call invokes a worker method. On the master tab the call waits for init and
// then goes to this tab's worker; otherwise it is relayed to the master.
func (c *Connector) Call(name string, args []any, opts ...CallOption) *Future {
	cfg := newCallConfig(opts)
	raw, err := protocol.EncodeArgs(args...)
	if err != nil {
		return settledFuture(Result{}, fmt.Errorf("encode args: %w", err))
	}

	c.mu.Lock()
	if c.master {
		defer c.mu.Unlock()
		if !c.inited {
			return c.enqueueLocked(name, raw, cfg, false)
		}
		return c.requestLocked(callEnvelope(name, raw, cfg), cfg.progress, nil)
	}
	relay := c.relay
	c.mu.Unlock()

	f := newFuture()
	c.forward(relay, queuedCall{name: name, args: raw, cfg: cfg, future: f})
	return f
}

// CallLocal invokes a method on this tab's worker regardless of role.
func (c *Connector) CallLocal(name string, args []any, opts ...CallOption) *Future {
	cfg := newCallConfig(opts)
	raw, err := protocol.EncodeArgs(args...)
	if err != nil {
		return settledFuture(Result{}, fmt.Errorf("encode args: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inited {
		return c.enqueueLocked(name, raw, cfg, true)
	}
	return c.requestLocked(callEnvelope(name, raw, cfg), cfg.progress, nil)
}

func (c *Connector) forward(relay Relay, q queuedCall) {
	env := callEnvelope(q.name, q.args, q.cfg)
	c.table.add(env.MessageID, env.Name, q.future, q.cfg.progress)
	if relay == nil {
		c.table.Reject(env.MessageID, ErrNoRelay)
		return
	}

	c.armRelayTimer(env.MessageID, env.Name)
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := relay.CallOnMaster(ctx, env); err != nil {
		c.disarmRelayTimer(env.MessageID)
		c.table.Reject(env.MessageID, fmt.Errorf("relay call: %w", err))
	}
}

// armRelayTimer fails a relayed call the master stopped answering, so its
// record does not outlive a master that went away.
func (c *Connector) armRelayTimer(messageID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	timeout := c.opts.RelayCallTimeout
	c.relayTimers[messageID] = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		delete(c.relayTimers, messageID)
		c.mu.Unlock()
		if c.table.Reject(messageID, fmt.Errorf("%w: %s after %s", ErrRelayTimeout, name, timeout)) {
			c.log.Warn("relayed call timed out", "messageId", messageID, "name", name, "timeout", timeout)
		}
	})
}

func (c *Connector) disarmRelayTimer(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.relayTimers[messageID]; ok {
		t.Stop()
		delete(c.relayTimers, messageID)
	}
}

func (c *Connector) touchRelayTimer(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.relayTimers[messageID]; ok {
		t.Reset(c.opts.RelayCallTimeout)
	}
}

// Cancel marks p canceled and, while its call is outstanding, tells the
// worker. Canceling a settled call has no effect beyond the flag.
func (c *Connector) Cancel(p *Progress) {
	p.cancel()
	messageID, ok := c.table.ByProgress(p)
	if !ok {
		return
	}

	c.mu.Lock()
	master, relay := c.master, c.relay
	c.mu.Unlock()

	if master {
		c.CancelLocal(messageID)
		return
	}
	if relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := relay.CancelOnMaster(ctx, messageID); err != nil {
		c.log.Warn("relay cancel failed", "messageId", messageID, "err", err)
	}
}

// CancelLocal sends cancelProgress for messageID to this tab's worker.
func (c *Connector) CancelLocal(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	c.session.out.push(protocol.Envelope{MessageID: messageID, Type: protocol.TypeCancelProgress})
}

// HandleResponse settles a relayed call. It reports false for unknown IDs.
func (c *Connector) HandleResponse(env protocol.Envelope) bool {
	c.disarmRelayTimer(env.MessageID)
	return c.table.Resolve(env)
}

// HandleCallback delivers a relayed progress invocation. Each one restarts
// the call's relay timeout.
func (c *Connector) HandleCallback(env protocol.Envelope) bool {
	c.touchRelayTimer(env.MessageID)
	return c.table.Callback(env)
}

// SetShouldEnableDebugLog toggles verbose logging inside the worker.
func (c *Connector) SetShouldEnableDebugLog(enabled bool) *Future {
	return c.request(protocol.Envelope{Type: protocol.TypeToggleDebugMode, IsEnabled: enabled}, nil)
}

func (c *Connector) LocalDB() *LocalDB { return c.db }

func (c *Connector) UpdateLocalDB(name, prop string, value json.RawMessage) {
	c.db.Update(name, prop, value)
}

func (c *Connector) UpdateFullLocalDB(full LocalDBSnapshot) {
	c.db.Replace(full)
}

// Pending is the number of outstanding requests.
func (c *Connector) Pending() int { return c.table.Len() }

// Close terminates the worker and fails every outstanding call.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	c.session = nil
	c.inited = false
	queued := c.queue
	c.queue = nil
	for id, t := range c.relayTimers {
		t.Stop()
		delete(c.relayTimers, id)
	}
	c.mu.Unlock()

	if s != nil {
		s.cancel()
		s.port.Close()
	}
	for _, q := range queued {
		q.future.settle(Result{}, ErrConnectorClosed)
	}
	c.table.RejectAll(ErrConnectorClosed)
	return nil
}
