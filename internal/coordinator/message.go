package coordinator

import "tabsync/internal/diff"

type MessageType string

const (
	TypeReqGetFullState MessageType = "reqGetFullState"
	TypeReqUpdateState  MessageType = "reqUpdateState"
	TypeFullState       MessageType = "fullState"
	TypeStateUpdate     MessageType = "stateUpdate"
)

// InitialKey marks a state seeded by a tab that had nothing better. It is
// dropped with the first update.
const InitialKey = "isInitial"

// Message travels between a tab and the coordinator.
//
// State carries the tab's guess in reqGetFullState and the authoritative
// value in fullState. Update is a patch in wire form: a plain partial object
// deep-merges, markers delete or replace. Diff is what the coordinator
// broadcasts in stateUpdate.
type Message struct {
	Type   MessageType    `json:"type"`
	State  map[string]any `json:"state,omitempty"`
	Update *diff.Diff     `json:"update,omitempty"`
	Diff   *diff.Diff     `json:"diff,omitempty"`
}

func apply(state map[string]any, patch diff.Diff) map[string]any {
	next, ok := diff.Merge(state, patch).(map[string]any)
	if !ok || next == nil {
		next = map[string]any{}
	}
	return withoutInitial(next)
}

func withoutInitial(state map[string]any) map[string]any {
	if _, ok := state[InitialKey]; !ok {
		return state
	}
	next := make(map[string]any, len(state))
	for k, v := range state {
		if k != InitialKey {
			next[k] = v
		}
	}
	return next
}
