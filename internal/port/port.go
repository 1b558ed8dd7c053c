// Package port provides bidirectional message ports between execution
// contexts: an in-memory pipe and a websocket-backed port.
//
// Every message crossing a port is structurally cloned. Messages that carry
// binary buffers implement Transferrer so those buffers are moved instead.
package port

import (
	"context"
	"errors"
)

// ErrClosed is returned by a port after either side closed it.
var ErrClosed = errors.New("port closed")

// Port is one end of a bidirectional message channel. Send may be called from
// several goroutines; Receive must be called from a single reader.
type Port[M any] interface {
	Send(ctx context.Context, msg M) error
	Receive(ctx context.Context) (M, error)
	Close() error
}

// Transferrer is implemented by messages that carry buffers to be moved
// rather than cloned.
type Transferrer interface {
	Transfers() [][]byte
}

// Attacher is implemented by the pointer type of a Transferrer message so a
// port can hand received buffers back to it.
type Attacher interface {
	Attach(buffers [][]byte)
}

func transfersOf(msg any) [][]byte {
	if t, ok := msg.(Transferrer); ok {
		return t.Transfers()
	}
	return nil
}

func attach(msg any, buffers [][]byte) {
	if len(buffers) == 0 {
		return
	}
	if a, ok := msg.(Attacher); ok {
		a.Attach(buffers)
	}
}
