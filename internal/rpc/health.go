package rpc

import (
	"context"
	"time"

	"tabsync/internal/protocol"
)

const healthRetryDelay = time.Second

// OnFocus checks the worker is alive, once now and once a second later.
// Some runtimes stop delivering worker messages after the page regains focus.
func (c *Connector) OnFocus() {
	if !c.opts.HealthCheck {
		return
	}
	go c.CheckHealth()
	time.AfterFunc(healthRetryDelay, func() { c.CheckHealth() })
}

// CheckHealth pings the worker. If the ping is not answered within the health
// timeout and the worker has been up longer than the grace period, the worker
// is torn down and ReconnectUpdate is emitted.
func (c *Connector) CheckHealth() error {
	env := protocol.Envelope{MessageID: protocol.NewMessageID(), Type: protocol.TypePing}

	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	fut := c.requestLocked(env, nil, nil)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HealthTimeout)
	defer cancel()
	if _, err := fut.Wait(ctx); err == nil {
		return nil
	}

	c.table.Reject(env.MessageID, ErrHealthCheckTimeout)
	c.log.Warn("worker did not answer ping", "timeout", c.opts.HealthTimeout)
	if time.Since(s.startedAt) >= c.opts.HealthMinDelay {
		c.terminate(s, ErrHealthCheckTimeout, true)
	}
	return ErrHealthCheckTimeout
}
