package multitab

import (
	"slices"
	"sync"
)

// Role is this tab's view of the external master election: whether it owns
// the worker, and which tabs have gone away. The election itself lives
// elsewhere and drives Role through SetMaster and TokenDied.
type Role struct {
	token string

	mu       sync.Mutex
	master   bool
	onMaster []func(isMaster bool)
	onDied   []func(token string)
}

func NewRole(token string, master bool) *Role {
	return &Role{token: token, master: master}
}

// Token identifies this tab on the bus.
func (r *Role) Token() string { return r.token }

func (r *Role) IsMaster() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.master
}

// SetMaster records an election result. Subscribers run only on change.
func (r *Role) SetMaster(isMaster bool) {
	r.mu.Lock()
	if r.master == isMaster {
		r.mu.Unlock()
		return
	}
	r.master = isMaster
	subs := slices.Clone(r.onMaster)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(isMaster)
	}
}

func (r *Role) OnMasterChange(fn func(isMaster bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMaster = append(r.onMaster, fn)
}

// TokenDied reports that the tab holding token closed or lost its worker.
func (r *Role) TokenDied(token string) {
	r.mu.Lock()
	subs := slices.Clone(r.onDied)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(token)
	}
}

func (r *Role) OnTokenDied(fn func(token string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDied = append(r.onDied, fn)
}
