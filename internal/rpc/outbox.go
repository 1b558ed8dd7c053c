package rpc

import (
	"context"
	"log/slog"
	"sync"

	"tabsync/internal/port"
	"tabsync/internal/protocol"
)

// outbox coalesces envelopes queued while a send is in flight into a single
// batch frame.
type outbox struct {
	mu      sync.Mutex
	pending []protocol.Envelope
	wake    chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(env protocol.Envelope) {
	o.mu.Lock()
	o.pending = append(o.pending, env)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() []protocol.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.pending
	o.pending = nil
	return out
}

// run writes batches to p until ctx ends or the port fails.
func (o *outbox) run(ctx context.Context, p port.Port[protocol.Batch], log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.wake:
		}

		payloads := o.drain()
		if len(payloads) == 0 {
			continue
		}
		if err := p.Send(ctx, protocol.Batch{Payloads: payloads}); err != nil {
			log.Warn("batch send failed", "payloads", len(payloads), "err", err)
			return err
		}
	}
}
