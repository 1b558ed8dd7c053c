package rpc

import (
	"encoding/json"
	"sync/atomic"
)

// Progress receives the callback invocations of one call and carries its
// cancellation token. Pass the same *Progress to Connector.Cancel to cancel.
type Progress struct {
	fn       func(args []json.RawMessage)
	canceled atomic.Bool
}

// NewProgress wraps fn. fn runs on the connector's read loop and must not
// block.
func NewProgress(fn func(args []json.RawMessage)) *Progress {
	return &Progress{fn: fn}
}

// Canceled reports whether the caller gave up on further progress.
func (p *Progress) Canceled() bool { return p.canceled.Load() }

func (p *Progress) cancel() { p.canceled.Store(true) }

func (p *Progress) invoke(args []json.RawMessage) {
	if p.fn == nil || p.Canceled() {
		return
	}
	p.fn(args)
}

// CallOption configures a single call.
type CallOption func(*callConfig)

type callConfig struct {
	progress *Progress
}

// WithProgress opens a callback stream for the call.
func WithProgress(p *Progress) CallOption {
	return func(c *callConfig) { c.progress = p }
}

func newCallConfig(opts []CallOption) callConfig {
	var cfg callConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
