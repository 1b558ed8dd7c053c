package multitab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPayloadTooLarge is returned for messages NOTIFY cannot carry.
var ErrPayloadTooLarge = errors.New("payload exceeds notify limit")

// notifyLimit is the largest NOTIFY payload Postgres accepts by default.
const notifyLimit = 8000 - 1

// PostgresChannel is a Channel over Postgres LISTEN/NOTIFY. Every
// subscription holds one pooled connection for its lifetime.
type PostgresChannel struct {
	pool *pgxpool.Pool
	name string
	log  *slog.Logger
}

func NewPostgresChannel(pool *pgxpool.Pool, name string, logger *slog.Logger) *PostgresChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresChannel{
		pool: pool,
		name: name,
		log:  logger.With("component", "postgres-channel", "channel", name),
	}
}

func (c *PostgresChannel) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > notifyLimit {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	if _, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", c.name, string(data)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (c *PostgresChannel) Subscribe(ctx context.Context) (Subscription, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{c.name}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	sub := &postgresSubscription{
		conn:   conn,
		out:    make(chan Message),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.listen(lctx, c.log)
	return sub, nil
}

// Close is a no-op; the pool belongs to the caller.
func (c *PostgresChannel) Close() error { return nil }

type postgresSubscription struct {
	conn   *pgxpool.Conn
	out    chan Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *postgresSubscription) Messages() <-chan Message { return s.out }

func (s *postgresSubscription) listen(ctx context.Context, log *slog.Logger) {
	defer close(s.done)
	defer close(s.out)
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := s.conn.Exec(uctx, "UNLISTEN *"); err != nil {
			// A connection in an unknown state must not go back to the pool.
			s.conn.Conn().Close(uctx)
		}
		s.conn.Release()
	}()

	for {
		n, err := s.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("listen failed", "err", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			log.Warn("dropping undecodable message", "err", err)
			continue
		}
		select {
		case s.out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *postgresSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
