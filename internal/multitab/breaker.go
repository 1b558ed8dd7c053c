package multitab

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings returns circuit breaker settings suited to a broadcast
// backend: trip after a few consecutive failures, retry once after timeout.
func BreakerSettings(name string, timeout time.Duration) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
}

type breakerChannel struct {
	Channel
	cb *gobreaker.CircuitBreaker
}

// WithBreaker guards ch so a failing backend fails fast instead of stalling
// every publish.
func WithBreaker(ch Channel, settings gobreaker.Settings) Channel {
	return &breakerChannel{Channel: ch, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerChannel) Publish(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Channel.Publish(ctx, msg)
	})
	return err
}

func (b *breakerChannel) Subscribe(ctx context.Context) (Subscription, error) {
	sub, err := b.cb.Execute(func() (interface{}, error) {
		return b.Channel.Subscribe(ctx)
	})
	if err != nil {
		return nil, err
	}
	return sub.(Subscription), nil
}
