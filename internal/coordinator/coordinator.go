// Package coordinator holds one authoritative state tree shared by every tab
// attached to it and keeps the tabs' mirrors converged with diffs.
package coordinator

import (
	"context"
	"errors"
	"log/slog"

	"tabsync/internal/diff"
	"tabsync/internal/port"
)

var (
	// ErrNoState is returned before the first tab seeded the coordinator.
	ErrNoState = errors.New("coordinator has no state yet")
	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("coordinator stopped")
)

const sendBuffer = 64

// peer is one attached tab.
type peer struct {
	id   int
	port port.Port[Message]
	send chan Message
}

type request struct {
	from *peer
	msg  Message
}

type snapshot struct {
	state map[string]any
	ports int
}

// Coordinator serializes every state change through a single goroutine that
// owns the state and the list of attached ports.
type Coordinator struct {
	name string
	log  *slog.Logger

	register   chan *peer
	unregister chan *peer
	requests   chan request
	inspect    chan chan snapshot
	done       chan struct{}

	// owned by Run
	state  map[string]any
	peers  map[*peer]bool
	nextID int
}

func New(name string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		name:       name,
		log:        logger.With("component", "coordinator", "name", name),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		requests:   make(chan request),
		inspect:    make(chan chan snapshot),
		done:       make(chan struct{}),
		peers:      make(map[*peer]bool),
	}
}

func (c *Coordinator) Name() string { return c.name }

// Run owns the coordinator until ctx is done. Attached ports are closed on
// return.
func (c *Coordinator) Run(ctx context.Context) {
	defer func() {
		close(c.done)
		for p := range c.peers {
			c.drop(p)
		}
	}()
	for {
		select {
		case p := <-c.register:
			c.nextID++
			p.id = c.nextID
			c.peers[p] = true
			c.log.Debug("port attached", "port", p.id, "total", len(c.peers))
		case p := <-c.unregister:
			if c.peers[p] {
				c.drop(p)
				c.log.Debug("port detached", "port", p.id, "total", len(c.peers))
			}
		case req := <-c.requests:
			if c.peers[req.from] {
				c.handle(req.from, req.msg)
			}
		case reply := <-c.inspect:
			reply <- snapshot{state: c.state, ports: len(c.peers)}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) drop(p *peer) {
	delete(c.peers, p)
	close(p.send)
}

func (c *Coordinator) handle(from *peer, msg Message) {
	switch msg.Type {
	case TypeReqGetFullState:
		if c.state == nil {
			c.state = msg.State
			if c.state == nil {
				c.state = map[string]any{}
			}
			c.log.Info("state seeded", "port", from.id)
		}
		c.deliver(from, Message{Type: TypeFullState, State: c.state})

	case TypeReqUpdateState:
		if c.state == nil {
			c.log.Warn("update before any state, ignored", "port", from.id)
			return
		}
		if msg.Update == nil {
			return
		}
		next := apply(c.state, *msg.Update)
		d := diff.Compute(c.state, next)
		c.state = next
		if d.IsUnchanged() {
			return
		}
		for p := range c.peers {
			if p != from {
				c.deliver(p, Message{Type: TypeStateUpdate, Diff: &d})
			}
		}

	default:
		c.log.Warn("unexpected message", "type", msg.Type, "port", from.id)
	}
}

// deliver queues msg for p. A port that cannot keep up is dropped.
func (c *Coordinator) deliver(p *peer, msg Message) {
	select {
	case p.send <- msg:
	default:
		c.log.Warn("dropping stalled port", "port", p.id)
		c.drop(p)
	}
}

// Attach serves p until it fails or the coordinator stops. The coordinator
// owns p from now on and closes it when done.
func (c *Coordinator) Attach(ctx context.Context, p port.Port[Message]) error {
	pr := &peer{port: p, send: make(chan Message, sendBuffer)}
	select {
	case c.register <- pr:
	case <-c.done:
		p.Close()
		return ErrStopped
	case <-ctx.Done():
		p.Close()
		return ctx.Err()
	}
	go c.writePump(pr)
	go c.readPump(pr)
	return nil
}

func (c *Coordinator) readPump(p *peer) {
	defer c.detach(p)
	for {
		msg, err := p.port.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, port.ErrClosed) {
				c.log.Debug("port read failed", "port", p.id, "err", err)
			}
			return
		}
		select {
		case c.requests <- request{from: p, msg: msg}:
		case <-c.done:
			return
		}
	}
}

// writePump sends queued messages. A failing port is detached so one
// closed tab never stops a broadcast to the others.
func (c *Coordinator) writePump(p *peer) {
	defer p.port.Close()
	for msg := range p.send {
		if err := p.port.Send(context.Background(), msg); err != nil {
			c.log.Debug("port send failed, dropping", "port", p.id, "err", err)
			c.detach(p)
			// Drain until the hub closes send.
			for range p.send {
			}
			return
		}
	}
}

func (c *Coordinator) detach(p *peer) {
	select {
	case c.unregister <- p:
	case <-c.done:
	}
}

func (c *Coordinator) query() (snapshot, error) {
	reply := make(chan snapshot, 1)
	select {
	case c.inspect <- reply:
		return <-reply, nil
	case <-c.done:
		return snapshot{}, ErrStopped
	}
}

// State returns the authoritative state. Treat it as read-only.
func (c *Coordinator) State() (map[string]any, error) {
	s, err := c.query()
	if err != nil {
		return nil, err
	}
	if s.state == nil {
		return nil, ErrNoState
	}
	return s.state, nil
}

// Ports reports how many ports are attached.
func (c *Coordinator) Ports() int {
	s, err := c.query()
	if err != nil {
		return 0
	}
	return s.ports
}
