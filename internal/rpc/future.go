package rpc

import (
	"context"
	"encoding/json"
	"sync"
)

// Result is the settled value of a remote call.
type Result struct {
	Value       json.RawMessage
	ArrayBuffer []byte
}

// Decode unmarshals the response payload into v. A missing payload leaves v
// untouched.
func (r Result) Decode(v any) error {
	if len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

// Future is the eventual outcome of a call. It settles exactly once.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func settledFuture(r Result, err error) *Future {
	f := newFuture()
	f.settle(r, err)
	return f
}

// settle reports false when the future was already settled.
func (f *Future) settle(r Result, err error) bool {
	settled := false
	f.once.Do(func() {
		f.result, f.err = r, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends. Abandoning a wait does
// not cancel the call.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
