package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"tabsync/internal/diff"
	"tabsync/internal/port"
)

// Client is a tab's mirror of a coordinator's state.
type Client struct {
	port port.Port[Message]
	log  *slog.Logger

	mu       sync.Mutex
	state    map[string]any
	last     map[string]any
	onChange []func(map[string]any)

	done chan struct{}
}

// Dial performs the handshake on p: it offers local as the seed and adopts
// whatever the coordinator answers.
func Dial(ctx context.Context, p port.Port[Message], local map[string]any, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if local == nil {
		local = map[string]any{}
	}
	if err := p.Send(ctx, Message{Type: TypeReqGetFullState, State: local}); err != nil {
		return nil, fmt.Errorf("request full state: %w", err)
	}

	for {
		msg, err := p.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("await full state: %w", err)
		}
		// Updates racing the handshake are already part of the full state.
		if msg.Type != TypeFullState {
			continue
		}
		state := msg.State
		if state == nil {
			state = map[string]any{}
		}
		c := &Client{
			port:  p,
			log:   logger.With("component", "coordinator-client"),
			state: state,
			last:  state,
			done:  make(chan struct{}),
		}
		go c.readLoop()
		return c, nil
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.port.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, port.ErrClosed) {
				c.log.Warn("shared state connection lost", "err", err)
			}
			return
		}
		if msg.Type != TypeStateUpdate || msg.Diff == nil {
			continue
		}
		c.mu.Lock()
		c.state = apply(c.state, *msg.Diff)
		c.last = c.state
		state, subs := c.state, slices.Clone(c.onChange)
		c.mu.Unlock()

		for _, fn := range subs {
			fn(state)
		}
	}
}

// State returns the mirrored state. Treat it as read-only.
func (c *Client) State() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Update deep-merges partial into the mirror and proposes it upstream.
func (c *Client) Update(ctx context.Context, partial map[string]any) error {
	patch := diff.FromUpdate(partial)
	c.mu.Lock()
	c.state = apply(c.state, patch)
	c.last = c.state
	c.mu.Unlock()
	return c.port.Send(ctx, Message{Type: TypeReqUpdateState, Update: &patch})
}

// Sync proposes current as the new state. Nothing is sent when current
// equals the last value this tab sent or received.
func (c *Client) Sync(ctx context.Context, current map[string]any) error {
	c.mu.Lock()
	if diff.Equal(c.last, current) {
		c.mu.Unlock()
		return nil
	}
	patch := diff.Compute(c.last, current)
	c.state = apply(c.last, patch)
	c.last = c.state
	c.mu.Unlock()
	return c.port.Send(ctx, Message{Type: TypeReqUpdateState, Update: &patch})
}

// OnChange registers fn for updates made by other tabs.
func (c *Client) OnChange(fn func(map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Done is closed when the connection to the coordinator ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	err := c.port.Close()
	<-c.done
	return err
}
