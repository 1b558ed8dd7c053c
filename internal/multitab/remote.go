package multitab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tabsync/internal/port"
)

// Dialer opens a port to a relay bridging the shared channel. A subscribing
// port receives every message published on the channel; a publishing one only
// carries messages upstream.
type Dialer func(ctx context.Context, subscribe bool) (port.Port[Message], error)

// RemoteChannel is a Channel reached through a relay, for tabs that cannot
// talk to the channel backend directly.
type RemoteChannel struct {
	dial Dialer
	log  *slog.Logger

	mu     sync.Mutex
	pub    port.Port[Message]
	closed bool
}

func NewRemoteChannel(dial Dialer, logger *slog.Logger) *RemoteChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteChannel{dial: dial, log: logger.With("component", "remote-channel")}
}

func (c *RemoteChannel) publisher(ctx context.Context) (port.Port[Message], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.pub != nil {
		return c.pub, nil
	}
	p, err := c.dial(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c.pub = p
	return p, nil
}

// Publish sends msg through the publishing port, redialing after a failure.
func (c *RemoteChannel) Publish(ctx context.Context, msg Message) error {
	p, err := c.publisher(ctx)
	if err != nil {
		return err
	}
	if err := p.Send(ctx, msg); err != nil {
		c.mu.Lock()
		if c.pub == p {
			c.pub = nil
		}
		c.mu.Unlock()
		p.Close()
		return err
	}
	return nil
}

// Subscribe dials a subscribing port and returns once the relay confirmed the
// subscription.
func (c *RemoteChannel) Subscribe(ctx context.Context) (Subscription, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrChannelClosed
	}

	p, err := c.dial(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	for {
		msg, err := p.Receive(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("await subscription: %w", err)
		}
		if msg.Type == TypeSubscribed {
			break
		}
	}

	sub := &portSubscription{port: p, out: make(chan Message), quit: make(chan struct{})}
	go sub.relay(c.log)
	return sub, nil
}

func (c *RemoteChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.pub != nil {
		err := c.pub.Close()
		c.pub = nil
		return err
	}
	return nil
}

type portSubscription struct {
	port port.Port[Message]
	out  chan Message
	quit chan struct{}
	once sync.Once
}

func (s *portSubscription) Messages() <-chan Message { return s.out }

func (s *portSubscription) relay(log *slog.Logger) {
	defer close(s.out)
	for {
		msg, err := s.port.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, port.ErrClosed) {
				log.Warn("relay connection lost", "err", err)
			}
			return
		}
		select {
		case s.out <- msg:
		case <-s.quit:
			return
		}
	}
}

func (s *portSubscription) Close() error {
	s.once.Do(func() { close(s.quit) })
	return s.port.Close()
}

// ServeRelay bridges p to ch until either side ends: messages read from p
// are published on ch, and when subscribe is set everything published on ch
// is written to p.
func ServeRelay(ctx context.Context, ch Channel, p port.Port[Message], subscribe bool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "relay")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.Close()
	go func() {
		<-ctx.Done()
		p.Close()
	}()

	if subscribe {
		sub, err := ch.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		defer sub.Close()
		if err := p.Send(ctx, Message{Type: TypeSubscribed}); err != nil {
			return err
		}

		go func() {
			defer cancel()
			for msg := range sub.Messages() {
				if err := p.Send(ctx, msg); err != nil {
					log.Debug("relay to port failed", "err", err)
					return
				}
			}
		}()
	}

	for {
		msg, err := p.Receive(ctx)
		if err != nil {
			if errors.Is(err, port.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := ch.Publish(ctx, msg); err != nil {
			log.Warn("publish from port failed", "type", msg.Type, "err", err)
		}
	}
}
