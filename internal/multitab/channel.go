package multitab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// ErrChannelClosed is returned when publishing on a closed channel.
var ErrChannelClosed = errors.New("broadcast channel closed")

// Channel is a named publish/subscribe medium shared by every tab of one
// session. Delivery is FIFO per publisher and includes the publisher itself;
// the Bus filters its own messages by sender.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// Subscription is one tab's listener. Messages is closed once the
// subscription ends.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// memoryClient is one subscriber of a MemoryHub.
type memoryClient struct {
	send chan []byte
	out  chan Message
	quit chan struct{}
	hub  *MemoryHub
	once sync.Once
}

func (c *memoryClient) Messages() <-chan Message { return c.out }

func (c *memoryClient) Close() error {
	c.once.Do(func() {
		close(c.quit)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
	})
	return nil
}

// readPump decodes every payload into a fresh Message so subscribers never
// share memory.
func (c *memoryClient) readPump() {
	defer close(c.out)
	for data := range c.send {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.log.Warn("dropping undecodable message", "err", err)
			continue
		}
		select {
		case c.out <- msg:
		case <-c.quit:
			return
		}
	}
}

// MemoryHub is an in-process Channel. It maintains the set of subscribers
// and broadcasts every published message to all of them.
type MemoryHub struct {
	name       string
	log        *slog.Logger
	clients    map[*memoryClient]bool
	broadcast  chan []byte
	register   chan *memoryClient
	unregister chan *memoryClient
	done       chan struct{}
	closeOnce  sync.Once
}

func NewMemoryHub(name string, logger *slog.Logger) *MemoryHub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &MemoryHub{
		name:       name,
		log:        logger.With("component", "memory-hub", "channel", name),
		clients:    make(map[*memoryClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *memoryClient),
		unregister: make(chan *memoryClient),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *MemoryHub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("subscriber registered", "total", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.Debug("subscriber unregistered", "total", len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.log.Warn("dropping slow subscriber")
					close(client.send)
					delete(h.clients, client)
				}
			}
		case <-h.done:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		}
	}
}

func (h *MemoryHub) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *MemoryHub) Subscribe(ctx context.Context) (Subscription, error) {
	client := &memoryClient{
		send: make(chan []byte, 256),
		out:  make(chan Message),
		quit: make(chan struct{}),
		hub:  h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	go client.readPump()
	return client, nil
}

func (h *MemoryHub) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}
