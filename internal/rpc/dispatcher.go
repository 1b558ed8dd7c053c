package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"tabsync/internal/port"
	"tabsync/internal/protocol"
)

// Method implements one named worker operation.
type Method func(call *Call) (any, error)

// Registry is the fixed set of operations a dispatcher serves.
type Registry struct {
	Methods map[string]Method
	// Init handles initApi. Its args are the initial args and the saved
	// local DB.
	Init Method
}

// Call is one in-flight invocation on the worker side.
type Call struct {
	MessageID string
	Name      string
	Args      []json.RawMessage

	ctx          context.Context
	cancel       context.CancelFunc
	withCallback bool
	d            *Dispatcher
}

// Arg decodes positional argument i into v.
func (c *Call) Arg(i int, v any) error {
	if i >= len(c.Args) {
		return fmt.Errorf("%s: missing argument %d", c.Name, i)
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("%s: argument %d: %w", c.Name, i, err)
	}
	return nil
}

// Context is canceled when the caller cancels progress or the port closes.
func (c *Call) Context() context.Context { return c.ctx }

// Canceled is the checkpoint long-running operations consult between steps.
func (c *Call) Canceled() bool { return c.ctx.Err() != nil }

// HasProgress reports whether the caller opened a callback stream.
func (c *Call) HasProgress() bool { return c.withCallback }

// Progress sends one callback invocation to the caller. It is a no-op when
// the caller did not ask for progress or has canceled it.
func (c *Call) Progress(args ...any) error {
	if !c.withCallback || c.Canceled() {
		return nil
	}
	raw, err := protocol.EncodeArgs(args...)
	if err != nil {
		return fmt.Errorf("encode callback args: %w", err)
	}
	c.d.out.push(protocol.Envelope{
		MessageID:    c.MessageID,
		Type:         protocol.TypeMethodCallback,
		CallbackArgs: raw,
	})
	return nil
}

// Dispatcher returns the dispatcher serving the call, for Notify and Go.
func (c *Call) Dispatcher() *Dispatcher { return c.d }

// Dispatcher is the worker-side end of the RPC channel. One dispatcher serves
// one port.
type Dispatcher struct {
	reg   Registry
	log   *slog.Logger
	out   *outbox
	debug atomic.Bool

	mu    sync.Mutex
	ctx   context.Context
	calls map[string]*Call
}

func NewDispatcher(reg Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		reg:   reg,
		log:   logger.With("component", "dispatcher"),
		out:   newOutbox(),
		ctx:   context.Background(),
		calls: make(map[string]*Call),
	}
}

// Debug reports whether the UI side enabled verbose logging.
func (d *Dispatcher) Debug() bool { return d.debug.Load() }

// Serve reads batches from p until it closes or ctx ends. Every call runs on
// its own goroutine and produces exactly one methodResponse.
func (d *Dispatcher) Serve(ctx context.Context, p port.Port[protocol.Batch]) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	writeErr := make(chan error, 1)
	go func() {
		if err := d.out.run(ctx, p, d.log); err != nil && ctx.Err() == nil {
			writeErr <- err
			p.Close()
		}
	}()

	for {
		batch, err := p.Receive(ctx)
		if err != nil {
			select {
			case werr := <-writeErr:
				if !errors.Is(werr, port.ErrClosed) {
					return fmt.Errorf("send: %w", werr)
				}
			default:
			}
			if errors.Is(err, port.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		for _, env := range batch.Payloads {
			d.handle(ctx, env)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCallMethod:
		method, ok := d.reg.Methods[env.Name]
		if !ok {
			d.out.push(protocol.EncodeResponse(env.MessageID, nil, fmt.Errorf("%w: %s", ErrUnknownMethod, env.Name)))
			return
		}
		call := d.track(ctx, env)
		go d.run(call, method)
	case protocol.TypeInitAPI:
		call := d.track(ctx, env)
		initFn := d.reg.Init
		if initFn == nil {
			initFn = func(*Call) (any, error) { return nil, nil }
		}
		go d.run(call, initFn)
	case protocol.TypePing:
		d.out.push(protocol.EncodeResponse(env.MessageID, nil, nil))
	case protocol.TypeCancelProgress:
		d.mu.Lock()
		call, ok := d.calls[env.MessageID]
		d.mu.Unlock()
		if ok {
			call.cancel()
		}
	case protocol.TypeToggleDebugMode:
		d.debug.Store(env.IsEnabled)
		d.log.Info("debug mode toggled", "enabled", env.IsEnabled)
		d.out.push(protocol.EncodeResponse(env.MessageID, nil, nil))
	default:
		d.log.Warn("unexpected envelope", "type", env.Type)
	}
}

func (d *Dispatcher) track(ctx context.Context, env protocol.Envelope) *Call {
	cctx, cancel := context.WithCancel(ctx)
	call := &Call{
		MessageID:    env.MessageID,
		Name:         env.Name,
		Args:         env.Args,
		ctx:          cctx,
		cancel:       cancel,
		withCallback: env.WithCallback,
		d:            d,
	}
	d.mu.Lock()
	d.calls[env.MessageID] = call
	d.mu.Unlock()
	return call
}

func (d *Dispatcher) run(call *Call, method Method) {
	defer func() {
		d.mu.Lock()
		delete(d.calls, call.MessageID)
		d.mu.Unlock()
		call.cancel()
	}()

	result, err := invoke(method, call)
	if err != nil && d.Debug() {
		d.log.Debug("method failed", "name", call.Name, "err", err)
	}
	d.out.push(protocol.EncodeResponse(call.MessageID, result, err))
}

func invoke(method Method, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", call.Name, r)
		}
	}()
	return method(call)
}

// Go runs fn in the background. A returned error or a panic is forwarded to
// the UI side as unhandledError.
func (d *Dispatcher) Go(fn func(ctx context.Context) error) {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.Report(fmt.Errorf("panic: %v", r))
			}
		}()
		if err := fn(ctx); err != nil {
			d.Report(err)
		}
	}()
}

// Report forwards an error not tied to any call.
func (d *Dispatcher) Report(err error) {
	d.log.Error("unhandled error", "err", err)
	d.out.push(protocol.Envelope{Type: protocol.TypeUnhandledError, Error: protocol.NewRemoteError(err)})
}

// Notify sends out-of-band application updates to the UI side.
func (d *Dispatcher) Notify(updates ...any) error {
	raw, err := protocol.EncodeArgs(updates...)
	if err != nil {
		return fmt.Errorf("encode updates: %w", err)
	}
	d.out.push(protocol.Envelope{Type: protocol.TypeUpdates, Updates: raw})
	return nil
}
