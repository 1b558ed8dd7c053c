package rpc

import (
	"sync"

	"tabsync/internal/protocol"
)

type record struct {
	name     string
	future   *Future
	progress *Progress
}

// Table correlates outstanding requests with their responses. Records are
// indexed by message ID and, when a progress handle is attached, by that
// handle so cancellation can find the request.
type Table struct {
	mu         sync.Mutex
	byID       map[string]*record
	byProgress map[*Progress]string
}

func NewTable() *Table {
	return &Table{
		byID:       make(map[string]*record),
		byProgress: make(map[*Progress]string),
	}
}

// Register records a request about to be sent and returns its future.
func (t *Table) Register(env protocol.Envelope, p *Progress) *Future {
	f := newFuture()
	t.add(env.MessageID, env.Name, f, p)
	return f
}

func (t *Table) add(messageID, name string, f *Future, p *Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[messageID] = &record{name: name, future: f, progress: p}
	if p != nil {
		t.byProgress[p] = messageID
	}
}

func (t *Table) take(messageID string) *record {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byID[messageID]
	if !ok {
		return nil
	}
	delete(t.byID, messageID)
	if rec.progress != nil {
		delete(t.byProgress, rec.progress)
	}
	return rec
}

// Resolve settles the request env answers. It reports false for unknown or
// already retired message IDs.
func (t *Table) Resolve(env protocol.Envelope) bool {
	rec := t.take(env.MessageID)
	if rec == nil {
		return false
	}
	if env.Error != nil {
		return rec.future.settle(Result{}, env.Error)
	}
	return rec.future.settle(Result{Value: env.Response, ArrayBuffer: env.ArrayBuffer}, nil)
}

// Reject fails one request locally.
func (t *Table) Reject(messageID string, err error) bool {
	rec := t.take(messageID)
	if rec == nil {
		return false
	}
	return rec.future.settle(Result{}, err)
}

// Callback delivers one progress invocation. Unknown IDs are ignored.
func (t *Table) Callback(env protocol.Envelope) bool {
	t.mu.Lock()
	rec, ok := t.byID[env.MessageID]
	t.mu.Unlock()
	if !ok || rec.progress == nil {
		return false
	}
	rec.progress.invoke(env.CallbackArgs)
	return true
}

// ByProgress finds the outstanding request a progress handle belongs to.
func (t *Table) ByProgress(p *Progress) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byProgress[p]
	return id, ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// RejectAll fails every outstanding request, for teardown.
func (t *Table) RejectAll(err error) {
	t.mu.Lock()
	records := t.byID
	t.byID = make(map[string]*record)
	t.byProgress = make(map[*Progress]string)
	t.mu.Unlock()

	for _, rec := range records {
		rec.future.settle(Result{}, err)
	}
}
