package multitab

import "sync"

// State is a replicated state tree. Values are JSON-like and treated as
// immutable: replace a subtree instead of editing it in place.
type State = map[string]any

// TabStateKey holds per-tab UI state keyed by tab token.
const TabStateKey = "byTabId"

// Origin tells subscribers where a change came from.
type Origin int

const (
	// Local changes are made by this tab and get replicated.
	Local Origin = iota
	// Remote changes arrived from another tab and are never echoed back.
	Remote
)

// Store holds one tab's copy of the replicated global state.
type Store struct {
	mu     sync.Mutex
	state  State
	nextID int
	subs   map[int]func(State, Origin)
}

func NewStore(initial State) *Store {
	if initial == nil {
		initial = State{}
	}
	return &Store{state: initial, subs: make(map[int]func(State, Origin))}
}

func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set replaces the state as a local change.
func (s *Store) Set(next State) {
	s.Update(func(State) State { return next })
}

// Update applies fn to the current state as a local change.
func (s *Store) Update(fn func(State) State) {
	s.apply(fn, Local)
}

// Subscribe registers fn for every change.
func (s *Store) Subscribe(fn func(State, Origin)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// swap installs fn's result under the store lock and returns the call that
// notifies subscribers. Callers may swap while holding their own lock but
// must release it before notifying.
func (s *Store) swap(fn func(State) State, origin Origin) (notify func()) {
	s.mu.Lock()
	next := fn(s.state)
	if next == nil {
		next = State{}
	}
	s.state = next
	subs := make([]func(State, Origin), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	return func() {
		for _, sub := range subs {
			sub(next, origin)
		}
	}
}

func (s *Store) apply(fn func(State) State, origin Origin) {
	s.swap(fn, origin)()
}

// withoutTab returns state minus the per-tab slice of token.
func withoutTab(state State, token string) State {
	tabs, ok := state[TabStateKey].(map[string]any)
	if !ok {
		return state
	}
	if _, ok := tabs[token]; !ok {
		return state
	}
	nextTabs := make(map[string]any, len(tabs))
	for k, v := range tabs {
		if k != token {
			nextTabs[k] = v
		}
	}
	next := make(State, len(state))
	for k, v := range state {
		next[k] = v
	}
	next[TabStateKey] = nextTabs
	return next
}
