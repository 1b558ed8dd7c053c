package port

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const pipeBuffer = 256

type frame struct {
	data      []byte
	transfers [][]byte
}

type pipeEnd[M any] struct {
	in     <-chan frame
	out    chan<- frame
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected in-memory ports. Closing either end closes both.
func Pipe[M any]() (Port[M], Port[M]) {
	ab := make(chan frame, pipeBuffer)
	ba := make(chan frame, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd[M]{in: ba, out: ab, closed: closed, once: once}
	b := &pipeEnd[M]{in: ab, out: ba, closed: closed, once: once}
	return a, b
}

func (p *pipeEnd[M]) Send(ctx context.Context, msg M) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	f := frame{data: data, transfers: transfersOf(msg)}

	select {
	case p.out <- f:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd[M]) Receive(ctx context.Context) (M, error) {
	var msg M
	select {
	case f := <-p.in:
		if err := json.Unmarshal(f.data, &msg); err != nil {
			return msg, fmt.Errorf("decode message: %w", err)
		}
		attach(&msg, f.transfers)
		return msg, nil
	case <-p.closed:
		return msg, ErrClosed
	case <-ctx.Done():
		return msg, ctx.Err()
	}
}

func (p *pipeEnd[M]) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
