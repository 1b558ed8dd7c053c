// Package worker is the demo operation set served behind the RPC channel.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabsync/internal/protocol"
	"tabsync/internal/rpc"
)

// ErrNotInitialized is returned by operations that need initApi first.
var ErrNotInitialized = errors.New("worker not initialized")

// Worker holds the state of one worker session.
type Worker struct {
	log  *slog.Logger
	step time.Duration

	mu          sync.Mutex
	initialArgs map[string]any
	localDB     rpc.LocalDBSnapshot
}

func New(logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{log: logger.With("component", "worker"), step: 100 * time.Millisecond}
}

// Registry lists the operations the worker serves.
func (w *Worker) Registry() rpc.Registry {
	return rpc.Registry{
		Init: w.init,
		Methods: map[string]rpc.Method{
			"echo":        w.echo,
			"sum":         w.sum,
			"countdown":   w.countdown,
			"download":    w.download,
			"fail":        w.fail,
			"localDbSize": w.localDBSize,
		},
	}
}

func (w *Worker) init(call *rpc.Call) (any, error) {
	var args map[string]any
	if err := call.Arg(0, &args); err != nil {
		return nil, err
	}
	var db rpc.LocalDBSnapshot
	if len(call.Args) > 1 {
		if err := call.Arg(1, &db); err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	w.initialArgs, w.localDB = args, db
	w.mu.Unlock()
	w.log.Info("initialized", "tables", len(db))

	d := call.Dispatcher()
	d.Go(func(context.Context) error {
		return d.Notify(map[string]any{"@type": "updateApiState", "state": "ready"})
	})
	return nil, nil
}

func (w *Worker) initialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initialArgs != nil || w.localDB != nil
}

func (w *Worker) echo(call *rpc.Call) (any, error) {
	var v any
	if err := call.Arg(0, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (w *Worker) sum(call *rpc.Call) (any, error) {
	var total float64
	for i := range call.Args {
		var n float64
		if err := call.Arg(i, &n); err != nil {
			return nil, err
		}
		total += n
	}
	return total, nil
}

// countdown reports every step through progress and stops early when the
// caller cancels.
func (w *Worker) countdown(call *rpc.Call) (any, error) {
	var n int
	if err := call.Arg(0, &n); err != nil {
		return nil, err
	}
	step := w.step
	if len(call.Args) > 1 {
		var ms int
		if err := call.Arg(1, &ms); err != nil {
			return nil, err
		}
		step = time.Duration(ms) * time.Millisecond
	}

	for i := n; i > 0; i-- {
		if call.Canceled() {
			return map[string]any{"canceled": true, "remaining": i}, nil
		}
		if err := call.Progress(i); err != nil {
			return nil, err
		}
		select {
		case <-time.After(step):
		case <-call.Context().Done():
		}
	}
	return map[string]any{"canceled": false, "remaining": 0}, nil
}

func (w *Worker) download(call *rpc.Call) (any, error) {
	var size int
	if err := call.Arg(0, &size); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("download: negative size %d", size)
	}
	return protocol.Binary{
		Meta:   map[string]any{"mime": "application/octet-stream", "size": size},
		Buffer: bytes.Repeat([]byte{0xAB}, size),
	}, nil
}

func (w *Worker) fail(call *rpc.Call) (any, error) {
	var msg string
	if err := call.Arg(0, &msg); err != nil {
		msg = "requested failure"
	}
	return nil, errors.New(msg)
}

func (w *Worker) localDBSize(*rpc.Call) (any, error) {
	if !w.initialized() {
		return nil, ErrNotInitialized
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	sizes := make(map[string]int, len(w.localDB))
	for table, rows := range w.localDB {
		sizes[table] = len(rows)
	}
	return sizes, nil
}
