package multitab

import (
	"encoding/json"

	"tabsync/internal/diff"
	"tabsync/internal/protocol"
	"tabsync/internal/rpc"
)

type MessageType string

const (
	TypeRequestGlobal     MessageType = "requestGlobal"
	TypeGlobalUpdate      MessageType = "globalUpdate"
	TypeGlobalDiffUpdate  MessageType = "globalDiffUpdate"
	TypeVersionMismatch   MessageType = "versionMismatch"
	TypeCallAPI           MessageType = "callApi"
	TypeMessageResponse   MessageType = "messageResponse"
	TypeMessageCallback   MessageType = "messageCallback"
	TypeCancelAPIProgress MessageType = "cancelApiProgress"
	TypeInitAPI           MessageType = "initApi"
	TypeLocalDBUpdate     MessageType = "localDbUpdate"
	TypeLocalDBUpdateFull MessageType = "localDbUpdateFull"

	// TypeSubscribed is sent by a relay once a remote subscription is live.
	TypeSubscribed MessageType = "subscribed"
)

// LocalDBUpdate is one property change shared by the master tab.
type LocalDBUpdate struct {
	Name  string          `json:"name"`
	Prop  string          `json:"prop"`
	Value json.RawMessage `json:"value"`
}

// Message is the unit published on the broadcast channel. Sender is the
// publishing tab; Token names the tab a relayed call belongs to.
type Message struct {
	Type   MessageType `json:"type"`
	Sender string      `json:"sender"`
	Token  string      `json:"token,omitempty"`

	MessageID    string                `json:"messageId,omitempty"`
	Name         string                `json:"name,omitempty"`
	Args         []json.RawMessage     `json:"args,omitempty"`
	WithCallback bool                  `json:"withCallback,omitempty"`
	Response     json.RawMessage       `json:"response,omitempty"`
	ArrayBuffer  []byte                `json:"arrayBuffer,omitempty"`
	Error        *protocol.RemoteError `json:"error,omitempty"`
	CallbackArgs []json.RawMessage     `json:"callbackArgs,omitempty"`

	AppVersion string `json:"appVersion,omitempty"`
	// Global is always encoded: an empty snapshot is still an answer.
	Global map[string]any `json:"global"`
	Diff   *diff.Diff     `json:"diff,omitempty"`

	InitialArgs    json.RawMessage     `json:"initialArgs,omitempty"`
	BatchedUpdates []LocalDBUpdate     `json:"batchedUpdates,omitempty"`
	LocalDB        rpc.LocalDBSnapshot `json:"localDb,omitempty"`
}

func (m Message) envelope() protocol.Envelope {
	return protocol.Envelope{
		MessageID:    m.MessageID,
		Name:         m.Name,
		Args:         m.Args,
		WithCallback: m.WithCallback,
		Response:     m.Response,
		ArrayBuffer:  m.ArrayBuffer,
		Error:        m.Error,
		CallbackArgs: m.CallbackArgs,
	}
}
