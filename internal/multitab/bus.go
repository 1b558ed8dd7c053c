// Package multitab relays RPC calls and replicates global state between tabs
// of one session over a shared broadcast channel.
package multitab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tabsync/internal/diff"
	"tabsync/internal/protocol"
	"tabsync/internal/rpc"
)

// ErrVersionSkew is returned by RequestGlobal when the master tab runs a
// different application version.
var ErrVersionSkew = errors.New("application version mismatch")

const (
	DefaultEstablishTimeout = 800 * time.Millisecond
	DefaultCoalesceWindow   = 16 * time.Millisecond

	publishTimeout = 5 * time.Second
	outboxSize     = 256

	resubscribeMinDelay = 50 * time.Millisecond
	resubscribeMaxDelay = 2 * time.Second
)

// API is this tab's RPC endpoint. *rpc.Connector implements it.
type API interface {
	Init(ctx context.Context, initialArgs any) error
	CallLocal(name string, args []any, opts ...rpc.CallOption) *rpc.Future
	Cancel(p *rpc.Progress)
	HandleResponse(env protocol.Envelope) bool
	HandleCallback(env protocol.Envelope) bool
	UpdateLocalDB(name, prop string, value json.RawMessage)
	UpdateFullLocalDB(full rpc.LocalDBSnapshot)
}

type Options struct {
	Channel Channel
	// Marker tells RequestGlobal whether other tabs may exist. Nil means
	// always wait for an answer.
	Marker Marker
	Role   *Role
	API    API
	Store  *Store

	AppVersion       string
	EstablishTimeout time.Duration
	// CoalesceWindow batches local changes into one diff. Negative sends
	// every change on its own.
	CoalesceWindow time.Duration
	// MarkerRefresh re-marks presence periodically for markers that expire.
	MarkerRefresh time.Duration
	// OnReload is called when this tab must restart under a newer version.
	OnReload func(remoteVersion string)

	Logger *slog.Logger
}

// Bus is one tab's attachment to the broadcast channel.
type Bus struct {
	opts  Options
	log   *slog.Logger
	token string

	ctx    context.Context
	cancel context.CancelFunc
	outbox chan Message
	wg     sync.WaitGroup

	mu           sync.Mutex
	sub          Subscription
	unsubscribe  func()
	closed       bool
	disabled     bool
	resolved     bool
	bootstrap    chan struct{}
	bootstrapErr error
	prev         State
	flushTimer   *time.Timer
	// resyncing is set while a tab that lost its subscription waits for a
	// fresh snapshot. resyncBase is the state it had when it asked.
	resyncing  bool
	resyncBase State
	relayed    map[string]*rpc.Progress
}

func New(opts Options) (*Bus, error) {
	if opts.Channel == nil || opts.Role == nil || opts.Store == nil {
		return nil, errors.New("multitab: channel, role and store are required")
	}
	if opts.EstablishTimeout == 0 {
		opts.EstablishTimeout = DefaultEstablishTimeout
	}
	if opts.CoalesceWindow == 0 {
		opts.CoalesceWindow = DefaultCoalesceWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		opts:      opts,
		log:       logger.With("component", "multitab", "token", opts.Role.Token()),
		token:     opts.Role.Token(),
		ctx:       ctx,
		cancel:    cancel,
		outbox:    make(chan Message, outboxSize),
		bootstrap: make(chan struct{}),
		relayed:   make(map[string]*rpc.Progress),
	}, nil
}

// Start subscribes to the channel and begins replicating store changes.
func (b *Bus) Start(ctx context.Context) error {
	sub, err := b.opts.Channel.Subscribe(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.sub = sub
	b.unsubscribe = b.opts.Store.Subscribe(b.onStoreChange)
	b.mu.Unlock()
	b.opts.Role.OnTokenDied(b.onTokenDied)

	b.wg.Add(2)
	go b.readLoop(sub)
	go b.publishLoop()

	if b.opts.Marker != nil && b.opts.MarkerRefresh > 0 {
		b.wg.Add(1)
		go b.refreshMarker()
	}
	return nil
}

// Close releases the subscription. Messages already queued are flushed
// before the publisher stops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	sub, unsubscribe := b.sub, b.unsubscribe
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	var err error
	if sub != nil {
		err = sub.Close()
	}
	b.cancel()
	b.wg.Wait()
	return err
}

func (b *Bus) readLoop(sub Subscription) {
	defer b.wg.Done()
	for sub != nil {
		for msg := range sub.Messages() {
			b.handle(msg)
		}
		sub = b.resubscribe()
	}
}

func (b *Bus) stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed || b.disabled
}

// resubscribe replaces a subscription the channel ended on its own, for
// example after dropping this tab as a slow reader. It returns nil once the
// bus is closed or disabled.
func (b *Bus) resubscribe() Subscription {
	delay := resubscribeMinDelay
	for !b.stopped() {
		sub, err := b.opts.Channel.Subscribe(b.ctx)
		if err == nil {
			b.mu.Lock()
			if b.closed || b.disabled {
				b.mu.Unlock()
				sub.Close()
				return nil
			}
			b.sub = sub
			b.mu.Unlock()

			b.log.Warn("subscription lost, resubscribed")
			b.startResync()
			return sub
		}
		if errors.Is(err, ErrChannelClosed) || b.ctx.Err() != nil {
			return nil
		}
		b.log.Warn("resubscribe failed", "err", err, "retry", delay)
		select {
		case <-time.After(delay):
		case <-b.ctx.Done():
			return nil
		}
		delay = min(delay*2, resubscribeMaxDelay)
	}
	return nil
}

// startResync asks the master for a full snapshot after this tab may have
// missed diffs. The master is the source of truth and has nobody to ask.
func (b *Bus) startResync() {
	if b.isMaster() {
		return
	}
	b.mu.Lock()
	if !b.resolved || b.disabled || b.closed || b.resyncing {
		b.mu.Unlock()
		return
	}
	b.flushLocked()
	b.resyncing = true
	b.resyncBase = b.prev
	b.mu.Unlock()

	b.wg.Add(1)
	go b.resync()
}

// resync repeats the request until a snapshot arrives, since the request
// itself can be lost while the master resubscribes too.
func (b *Bus) resync() {
	defer b.wg.Done()
	for {
		b.post(Message{Type: TypeRequestGlobal, AppVersion: b.opts.AppVersion})
		timer := time.NewTimer(b.opts.EstablishTimeout)
		select {
		case <-timer.C:
		case <-b.ctx.Done():
			timer.Stop()
			return
		}

		b.mu.Lock()
		waiting := b.resyncing && !b.disabled
		b.mu.Unlock()
		if !waiting {
			return
		}
		b.log.Debug("no snapshot yet, asking again")
	}
}

func (b *Bus) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.outbox:
			b.send(b.ctx, msg)
		case <-b.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			for {
				select {
				case msg := <-b.outbox:
					b.send(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) send(ctx context.Context, msg Message) {
	if err := b.publish(ctx, msg); err != nil {
		b.log.Warn("publish failed", "type", msg.Type, "err", err)
	}
}

func (b *Bus) publish(ctx context.Context, msg Message) error {
	msg.Sender = b.token
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return b.opts.Channel.Publish(ctx, msg)
}

// post queues msg behind everything posted before it.
func (b *Bus) post(msg Message) {
	select {
	case b.outbox <- msg:
	case <-b.ctx.Done():
	}
}

func (b *Bus) refreshMarker() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.MarkerRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.opts.Marker.Mark(b.ctx); err != nil {
				b.log.Warn("marker refresh failed", "err", err)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) isMaster() bool { return b.opts.Role.IsMaster() }

func (b *Bus) isResolved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolved && !b.disabled
}

func (b *Bus) handle(msg Message) {
	if msg.Sender == b.token {
		return
	}
	b.mu.Lock()
	disabled := b.disabled
	b.mu.Unlock()
	if disabled {
		return
	}

	switch msg.Type {
	case TypeRequestGlobal:
		b.onRequestGlobal(msg)
	case TypeGlobalUpdate:
		b.onGlobalUpdate(msg)
	case TypeGlobalDiffUpdate:
		b.onGlobalDiff(msg)
	case TypeVersionMismatch:
		b.onVersionMismatch(msg)
	case TypeInitAPI:
		b.onInitAPI(msg)
	case TypeCallAPI:
		b.onCallAPI(msg)
	case TypeCancelAPIProgress:
		b.onCancelAPIProgress(msg)
	case TypeMessageResponse:
		b.onMessageResponse(msg)
	case TypeMessageCallback:
		b.onMessageCallback(msg)
	case TypeLocalDBUpdate:
		b.onLocalDBUpdate(msg)
	case TypeLocalDBUpdateFull:
		b.onLocalDBUpdateFull(msg)
	default:
		b.log.Debug("unknown message type", "type", msg.Type)
	}
}

// RequestGlobal bootstraps this tab's state from the master tab. It returns
// once a snapshot arrived, or immediately when no other tab can exist, or
// after the establish timeout with the local state kept. A snapshot arriving
// after that is ignored.
func (b *Bus) RequestGlobal(ctx context.Context) error {
	published := true
	if err := b.publish(ctx, Message{Type: TypeRequestGlobal, AppVersion: b.opts.AppVersion}); err != nil {
		b.log.Warn("requestGlobal not published", "err", err)
		published = false
	}

	present := true
	if m := b.opts.Marker; m != nil {
		ok, err := m.Present(ctx)
		if err != nil {
			b.log.Warn("marker check failed", "err", err)
		} else {
			present = ok
		}
		if err := m.Mark(ctx); err != nil {
			b.log.Warn("marker update failed", "err", err)
		}
	}

	if !present || !published {
		b.resolveWithoutGlobal()
		return b.bootstrapResult()
	}

	timer := time.NewTimer(b.opts.EstablishTimeout)
	defer timer.Stop()
	select {
	case <-b.bootstrap:
	case <-timer.C:
		b.log.Info("no master answered, keeping local state", "timeout", b.opts.EstablishTimeout)
		b.resolveWithoutGlobal()
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.bootstrapResult()
}

// resolveWithoutGlobal keeps the local state and makes it the baseline for
// the first outgoing diff.
func (b *Bus) resolveWithoutGlobal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolved {
		return
	}
	b.prev = b.opts.Store.Get()
	b.resolveLocked(nil)
}

func (b *Bus) resolveLocked(err error) {
	if b.resolved {
		return
	}
	b.resolved = true
	b.bootstrapErr = err
	close(b.bootstrap)
}

func (b *Bus) bootstrapResult() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bootstrapErr
}

func (b *Bus) onRequestGlobal(msg Message) {
	if !b.isMaster() {
		return
	}
	if msg.AppVersion != b.opts.AppVersion {
		b.log.Warn("tab with other version asked for state", "theirs", msg.AppVersion, "ours", b.opts.AppVersion)
		b.post(Message{Type: TypeVersionMismatch, Token: msg.Sender, AppVersion: b.opts.AppVersion})
		return
	}
	if !b.isResolved() {
		return
	}
	b.post(Message{Type: TypeGlobalUpdate, Token: msg.Sender, Global: b.opts.Store.Get()})
}

func (b *Bus) onGlobalUpdate(msg Message) {
	if msg.Global == nil {
		return
	}
	b.mu.Lock()
	if b.resolved {
		if !b.resyncing || msg.Token != b.token {
			b.mu.Unlock()
			b.log.Debug("late global update ignored", "from", msg.Sender)
			return
		}
		b.adoptResyncLocked(msg.Global)
		return
	}
	b.prev = msg.Global
	b.resolveLocked(nil)
	notify := b.opts.Store.swap(func(State) State { return msg.Global }, Remote)
	b.mu.Unlock()

	notify()
}

// adoptResyncLocked replaces the store with a snapshot answering a resync.
// Local changes made since the request already went out as diffs, so they
// are kept on top of the snapshot. It releases b.mu.
func (b *Bus) adoptResyncLocked(snapshot State) {
	b.flushLocked()
	base, published := b.resyncBase, b.prev
	b.resyncing = false
	b.resyncBase = nil

	notify := b.opts.Store.swap(func(current State) State {
		return mergeState(snapshot, diff.Compute(base, current))
	}, Remote)
	// A local change racing the swap is in the store but not in prev, so
	// the next flush still sends it.
	b.prev = mergeState(snapshot, diff.Compute(base, published))
	b.mu.Unlock()

	b.log.Info("state resynced from master")
	notify()
}

func (b *Bus) onGlobalDiff(msg Message) {
	if msg.Diff == nil {
		return
	}
	b.mu.Lock()
	if !b.resolved {
		b.mu.Unlock()
		return
	}
	// Local changes still waiting for the coalesce window go out first so
	// they are diffed against what this tab actually broadcast.
	b.flushLocked()

	d := *msg.Diff
	notify := b.opts.Store.swap(func(current State) State { return mergeState(current, d) }, Remote)
	// prev only moves by the remote diff: a local change that landed after
	// the flush is still unpublished and must show up in the next one.
	b.prev = mergeState(b.prev, d)
	b.mu.Unlock()

	notify()
}

func mergeState(s State, d diff.Diff) State {
	merged, ok := diff.Merge(s, d).(map[string]any)
	if !ok {
		return State{}
	}
	return merged
}

func (b *Bus) onVersionMismatch(msg Message) {
	if msg.Token != b.token {
		return
	}
	b.mu.Lock()
	if b.resolved {
		b.mu.Unlock()
		return
	}
	b.resolveLocked(ErrVersionSkew)
	b.disabled = true
	b.mu.Unlock()

	b.log.Error("master runs another version, reload required", "theirs", msg.AppVersion, "ours", b.opts.AppVersion)
	if b.opts.OnReload != nil {
		b.opts.OnReload(msg.AppVersion)
	}
}

func (b *Bus) onStoreChange(_ State, origin Origin) {
	if origin != Local {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.flushTimer != nil {
		return
	}
	if b.opts.CoalesceWindow < 0 {
		b.flushLocked()
		return
	}
	b.flushTimer = time.AfterFunc(b.opts.CoalesceWindow, b.flush)
}

func (b *Bus) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// flushLocked replicates the store as a diff against the last broadcast or
// received value. Before bootstrap it only tracks that value.
func (b *Bus) flushLocked() {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	current := b.opts.Store.Get()
	if !b.resolved || b.disabled {
		b.prev = current
		return
	}
	d := diff.Compute(b.prev, current)
	b.prev = current
	if d.IsUnchanged() {
		return
	}
	b.post(Message{Type: TypeGlobalDiffUpdate, Diff: &d})
}

func (b *Bus) onTokenDied(token string) {
	b.mu.Lock()
	if b.closed || b.disabled {
		b.mu.Unlock()
		return
	}
	if token != b.token {
		b.mu.Unlock()
		b.opts.Store.Update(func(s State) State { return withoutTab(s, token) })
		return
	}

	b.disabled = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	sub := b.sub
	current := b.opts.Store.Get()
	d := diff.Compute(current, withoutTab(current, token))
	b.mu.Unlock()

	b.log.Info("own token died, leaving channel")
	if sub != nil {
		sub.Close()
	}
	if !d.IsUnchanged() {
		b.post(Message{Type: TypeGlobalDiffUpdate, Diff: &d})
	}
}
