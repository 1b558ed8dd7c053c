package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/port"
	"tabsync/internal/protocol"
)

func testRegistry() Registry {
	return Registry{
		Init: func(call *Call) (any, error) {
			var db LocalDBSnapshot
			if err := call.Arg(1, &db); err != nil {
				return nil, err
			}
			return len(db), nil
		},
		Methods: map[string]Method{
			"echo": func(call *Call) (any, error) {
				var s string
				if err := call.Arg(0, &s); err != nil {
					return nil, err
				}
				return s, nil
			},
			"countdown": func(call *Call) (any, error) {
				var n int
				if err := call.Arg(0, &n); err != nil {
					return nil, err
				}
				for i := n; i > 0; i-- {
					if call.Canceled() {
						return "canceled", nil
					}
					if err := call.Progress(i); err != nil {
						return nil, err
					}
					time.Sleep(10 * time.Millisecond)
				}
				return "done", nil
			},
			"download": func(call *Call) (any, error) {
				return map[string]any{"mime": "image/png", protocol.ArrayBufferKey: []byte{0x89, 'P', 'N', 'G'}}, nil
			},
			"fail": func(call *Call) (any, error) {
				return nil, errors.New("boom")
			},
			"panic": func(call *Call) (any, error) {
				panic("worker exploded")
			},
		},
	}
}

type recordedUpdates struct {
	mu      sync.Mutex
	updates []json.RawMessage
}

func (r *recordedUpdates) add(u json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordedUpdates) has(want json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.updates {
		if string(u) == string(want) {
			return true
		}
	}
	return false
}

// newLocalPair wires a connector to a dispatcher over an in-memory pipe.
func newLocalPair(t *testing.T, opts Options) (*Connector, func() *Dispatcher, *recordedUpdates) {
	updates := &recordedUpdates{}
	var (
		mu         sync.Mutex
		dispatcher *Dispatcher
	)
	opts.OnUpdate = updates.add
	opts.WorkerFactory = func(ctx context.Context) (port.Port[protocol.Batch], error) {
		ui, worker := port.Pipe[protocol.Batch]()
		d := NewDispatcher(testRegistry(), nil)
		mu.Lock()
		dispatcher = d
		mu.Unlock()
		go d.Serve(context.Background(), worker)
		return ui, nil
	}
	c := New(opts)
	t.Cleanup(func() { c.Close() })
	return c, func() *Dispatcher {
		mu.Lock()
		defer mu.Unlock()
		return dispatcher
	}, updates
}

func TestConnectorCallRoundTrip(t *testing.T) {
	ctx := waitCtx(t)
	c, _, _ := newLocalPair(t, Options{})
	require.NoError(t, c.Init(ctx, map[string]any{"platform": "linux"}))

	res, err := c.Call("echo", []any{"hi"}).Wait(ctx)
	require.NoError(t, err)
	var s string
	require.NoError(t, res.Decode(&s))
	assert.Equal(t, "hi", s)

	_, err = c.Call("fail", nil).Wait(ctx)
	assert.EqualError(t, err, "boom")

	_, err = c.Call("panic", nil).Wait(ctx)
	assert.ErrorContains(t, err, "worker exploded")

	_, err = c.Call("missing", nil).Wait(ctx)
	assert.ErrorContains(t, err, "unknown method")

	assert.Equal(t, 0, c.Pending())
}

func TestConnectorInitSendsLocalDB(t *testing.T) {
	ctx := waitCtx(t)
	c, _, _ := newLocalPair(t, Options{})
	c.UpdateLocalDB("users", "1", []byte(`{}`))
	c.UpdateFullLocalDB(LocalDBSnapshot{"chats": {"2": []byte(`{}`)}})
	require.NoError(t, c.Init(ctx, nil))
}

func TestConnectorTransfersArrayBuffer(t *testing.T) {
	ctx := waitCtx(t)
	c, _, _ := newLocalPair(t, Options{})
	require.NoError(t, c.Init(ctx, nil))

	res, err := c.Call("download", nil).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, res.ArrayBuffer)
	assert.JSONEq(t, `{"mime":"image/png"}`, string(res.Value))
}

func TestConnectorProgressAndCancel(t *testing.T) {
	ctx := waitCtx(t)
	c, _, _ := newLocalPair(t, Options{})
	require.NoError(t, c.Init(ctx, nil))

	ticks := make(chan int, 16)
	p := NewProgress(func(args []json.RawMessage) {
		var n int
		_ = json.Unmarshal(args[0], &n)
		ticks <- n
	})
	fut := c.Call("countdown", []any{50}, WithProgress(p))

	assert.Equal(t, 50, <-ticks)
	c.Cancel(p)

	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	var outcome string
	require.NoError(t, res.Decode(&outcome))
	assert.Equal(t, "canceled", outcome)
	assert.True(t, p.Canceled())
}

func TestConnectorCancelAfterSettleIsNoop(t *testing.T) {
	ctx := waitCtx(t)
	c, _, _ := newLocalPair(t, Options{})
	require.NoError(t, c.Init(ctx, nil))

	p := NewProgress(func([]json.RawMessage) {})
	res, err := c.Call("countdown", []any{2}, WithProgress(p)).Wait(ctx)
	require.NoError(t, err)

	c.Cancel(p)
	var outcome string
	require.NoError(t, res.Decode(&outcome))
	assert.Equal(t, "done", outcome)
	assert.Equal(t, 0, c.Pending())
}

func TestConnectorNoQueueBeforeInit(t *testing.T) {
	ctx := waitCtx(t)
	c, _, _ := newLocalPair(t, Options{})

	res, err := c.Call("destroy", nil).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "null", string(res.Value))
}

// scriptedWorker answers every request by hand and records what it saw.
type scriptedWorker struct {
	mu    sync.Mutex
	seen  []protocol.Envelope
	reply func(env protocol.Envelope) (protocol.Envelope, bool)
}

func (w *scriptedWorker) run(ctx context.Context, p port.Port[protocol.Batch]) {
	for {
		batch, err := p.Receive(ctx)
		if err != nil {
			return
		}
		var out []protocol.Envelope
		for _, env := range batch.Payloads {
			w.mu.Lock()
			w.seen = append(w.seen, env)
			w.mu.Unlock()
			if resp, ok := w.reply(env); ok {
				out = append(out, resp)
			}
		}
		if len(out) > 0 {
			if err := p.Send(ctx, protocol.Batch{Payloads: out}); err != nil {
				return
			}
		}
	}
}

func (w *scriptedWorker) envelopes() []protocol.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.Envelope(nil), w.seen...)
}

func newScripted(t *testing.T, opts Options, reply func(protocol.Envelope) (protocol.Envelope, bool)) (*Connector, *scriptedWorker, *recordedUpdates) {
	updates := &recordedUpdates{}
	w := &scriptedWorker{reply: reply}
	opts.OnUpdate = updates.add
	opts.WorkerFactory = func(ctx context.Context) (port.Port[protocol.Batch], error) {
		ui, worker := port.Pipe[protocol.Batch]()
		go w.run(context.Background(), worker)
		return ui, nil
	}
	c := New(opts)
	t.Cleanup(func() { c.Close() })
	return c, w, updates
}

func echoName(env protocol.Envelope) (protocol.Envelope, bool) {
	return protocol.EncodeResponse(env.MessageID, env.Name, nil), true
}

func TestConnectorReplaysQueueInOrder(t *testing.T) {
	ctx := waitCtx(t)
	c, w, _ := newScripted(t, Options{}, echoName)

	names := []string{"a", "b", "c", "d"}
	var futures []*Future
	for _, n := range names {
		futures = append(futures, c.Call(n, nil))
	}
	local := c.CallLocal("e", nil)
	assert.Equal(t, 0, c.Pending())

	require.NoError(t, c.Init(ctx, nil))

	for i, f := range futures {
		res, err := f.Wait(ctx)
		require.NoError(t, err)
		var got string
		require.NoError(t, res.Decode(&got))
		assert.Equal(t, names[i], got)
	}
	_, err := local.Wait(ctx)
	require.NoError(t, err)

	seen := w.envelopes()
	require.Len(t, seen, 6)
	assert.Equal(t, protocol.TypeInitAPI, seen[0].Type)
	for i, n := range append(names, "e") {
		assert.Equal(t, n, seen[i+1].Name)
		assert.Equal(t, protocol.TypeCallMethod, seen[i+1].Type)
	}
}

func TestConnectorReplaysMixedQueueInOrder(t *testing.T) {
	ctx := waitCtx(t)
	c, w, _ := newScripted(t, Options{}, echoName)

	futures := []*Future{
		c.Call("a", nil),
		c.CallLocal("b", nil),
		c.Call("c", nil),
		c.CallLocal("d", nil),
	}
	require.NoError(t, c.Init(ctx, nil))
	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}

	var order []string
	for _, env := range w.envelopes()[1:] {
		order = append(order, env.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestConnectorSetsWithCallbackExplicitly(t *testing.T) {
	ctx := waitCtx(t)
	c, w, _ := newScripted(t, Options{}, echoName)
	require.NoError(t, c.Init(ctx, nil))

	_, err := c.Call("plain", []any{1}).Wait(ctx)
	require.NoError(t, err)
	_, err = c.Call("streamed", []any{1}, WithProgress(NewProgress(nil))).Wait(ctx)
	require.NoError(t, err)

	seen := w.envelopes()
	require.Len(t, seen, 3)
	assert.False(t, seen[1].WithCallback)
	assert.True(t, seen[2].WithCallback)
	assert.Len(t, seen[2].Args, 1)
}

func TestConnectorDebugToggle(t *testing.T) {
	ctx := waitCtx(t)
	c, getDispatcher, _ := newLocalPair(t, Options{})
	require.NoError(t, c.Init(ctx, nil))

	_, err := c.SetShouldEnableDebugLog(true).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, getDispatcher().Debug())
}

func TestConnectorUpdatesAndUnhandledError(t *testing.T) {
	ctx := waitCtx(t)
	c, getDispatcher, updates := newLocalPair(t, Options{})
	require.NoError(t, c.Init(ctx, nil))

	d := getDispatcher()
	require.NoError(t, d.Notify(map[string]any{"@type": "updateConnectionState"}))
	require.Eventually(t, func() bool {
		return updates.has(json.RawMessage(`{"@type":"updateConnectionState"}`))
	}, time.Second, 5*time.Millisecond)

	d.Go(func(context.Context) error { return errors.New("fatal") })
	require.Eventually(t, func() bool { return updates.has(ReconnectUpdate) }, time.Second, 5*time.Millisecond)

	// The torn down worker is gone; calls queue until the next init.
	queued := c.Call("echo", []any{"later"})
	require.NoError(t, c.Init(ctx, nil))
	res, err := queued.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"later"`, string(res.Value))
}

func TestHealthCheckTearsDownSilentWorker(t *testing.T) {
	ctx := waitCtx(t)
	silentPing := func(env protocol.Envelope) (protocol.Envelope, bool) {
		if env.Type == protocol.TypePing || env.Name == "hang" {
			return protocol.Envelope{}, false
		}
		return echoName(env)
	}
	c, _, updates := newScripted(t, Options{
		HealthCheck:    true,
		HealthTimeout:  20 * time.Millisecond,
		HealthMinDelay: time.Nanosecond,
	}, silentPing)
	require.NoError(t, c.Init(ctx, nil))

	hanging := c.Call("hang", nil)
	assert.ErrorIs(t, c.CheckHealth(), ErrHealthCheckTimeout)
	assert.True(t, updates.has(ReconnectUpdate))

	_, err := hanging.Wait(ctx)
	assert.ErrorIs(t, err, ErrWorkerTerminated)
}

func TestHealthCheckGracePeriod(t *testing.T) {
	ctx := waitCtx(t)
	c, _, updates := newScripted(t, Options{
		HealthCheck:   true,
		HealthTimeout: 20 * time.Millisecond,
	}, func(env protocol.Envelope) (protocol.Envelope, bool) {
		if env.Type == protocol.TypePing {
			return protocol.Envelope{}, false
		}
		return echoName(env)
	})
	require.NoError(t, c.Init(ctx, nil))

	assert.ErrorIs(t, c.CheckHealth(), ErrHealthCheckTimeout)
	assert.False(t, updates.has(ReconnectUpdate))
	assert.Equal(t, 0, c.Pending())

	res, err := c.Call("still-alive", nil).Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"still-alive"`, string(res.Value))
}

type fakeRole struct {
	master   bool
	onChange func(bool)
}

func (r *fakeRole) IsMaster() bool               { return r.master }
func (r *fakeRole) OnMasterChange(fn func(bool)) { r.onChange = fn }

type fakeRelay struct {
	mu       sync.Mutex
	calls    []protocol.Envelope
	cancels  []string
	initArgs []json.RawMessage
}

func (r *fakeRelay) CallOnMaster(_ context.Context, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, env)
	return nil
}

func (r *fakeRelay) CancelOnMaster(_ context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, messageID)
	return nil
}

func (r *fakeRelay) InitOnMaster(_ context.Context, initialArgs json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initArgs = append(r.initArgs, initialArgs)
	return nil
}

func TestNonMasterRelaysThroughMaster(t *testing.T) {
	ctx := waitCtx(t)
	relay := &fakeRelay{}
	c := New(Options{Role: &fakeRole{master: false}, Relay: relay})
	defer c.Close()

	require.NoError(t, c.Init(ctx, map[string]string{"platform": "iOS"}))
	require.Len(t, relay.initArgs, 1)
	assert.JSONEq(t, `{"platform":"iOS"}`, string(relay.initArgs[0]))

	var got []string
	p := NewProgress(func(args []json.RawMessage) { got = append(got, string(args[0])) })
	fut := c.Call("countdown", []any{3}, WithProgress(p))
	require.Len(t, relay.calls, 1)
	env := relay.calls[0]
	assert.True(t, env.WithCallback)
	assert.Equal(t, "countdown", env.Name)

	assert.True(t, c.HandleCallback(protocol.Envelope{MessageID: env.MessageID, CallbackArgs: []json.RawMessage{[]byte("3")}}))
	c.Cancel(p)
	assert.Equal(t, []string{env.MessageID}, relay.cancels)

	assert.True(t, c.HandleResponse(protocol.Envelope{MessageID: env.MessageID, Response: []byte(`"canceled"`)}))
	assert.False(t, c.HandleResponse(protocol.Envelope{MessageID: env.MessageID, Response: []byte(`"dup"`)}))

	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"canceled"`, string(res.Value))
	assert.Equal(t, []string{"3"}, got)
}

func TestRelayedCallTimesOutWithoutMaster(t *testing.T) {
	ctx := waitCtx(t)
	c := New(Options{Role: &fakeRole{master: false}, Relay: &fakeRelay{}, RelayCallTimeout: 50 * time.Millisecond})
	defer c.Close()

	_, err := c.Call("sum", []any{1, 2}).Wait(ctx)
	assert.ErrorIs(t, err, ErrRelayTimeout)
	assert.Equal(t, 0, c.Pending())
}

func TestRelayedCallProgressKeepsItAlive(t *testing.T) {
	ctx := waitCtx(t)
	relay := &fakeRelay{}
	c := New(Options{Role: &fakeRole{master: false}, Relay: relay, RelayCallTimeout: 100 * time.Millisecond})
	defer c.Close()

	fut := c.Call("countdown", []any{4}, WithProgress(NewProgress(nil)))
	require.Len(t, relay.calls, 1)
	id := relay.calls[0].MessageID
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		require.True(t, c.HandleCallback(protocol.Envelope{MessageID: id, CallbackArgs: []json.RawMessage{[]byte("1")}}))
	}
	require.True(t, c.HandleResponse(protocol.Envelope{MessageID: id, Response: []byte(`"done"`)}))

	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(res.Value))
}

func TestRoleChangeSwitchesRouting(t *testing.T) {
	ctx := waitCtx(t)
	role := &fakeRole{master: false}
	relay := &fakeRelay{}
	c, _, _ := newScripted(t, Options{Role: role, Relay: relay}, echoName)

	c.Call("relayed", nil)
	require.Len(t, relay.calls, 1)

	role.onChange(true)
	require.NoError(t, c.Init(ctx, nil))
	res, err := c.Call("direct", nil).Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"direct"`, string(res.Value))
	assert.Len(t, relay.calls, 1)
}

func TestConnectorClose(t *testing.T) {
	ctx := waitCtx(t)
	c, _, _ := newScripted(t, Options{}, func(protocol.Envelope) (protocol.Envelope, bool) {
		return protocol.Envelope{}, false
	})
	queued := c.Call("never", nil)
	require.NoError(t, c.Close())

	_, err := queued.Wait(ctx)
	assert.ErrorIs(t, err, ErrConnectorClosed)
	assert.ErrorIs(t, c.Init(ctx, nil), ErrConnectorClosed)
}
