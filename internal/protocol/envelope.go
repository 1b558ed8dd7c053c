package protocol

import (
	"encoding/json"
)

// Type identifies the kind of an Envelope.
type Type string

const (
	TypeInitAPI         Type = "initApi"
	TypeCallMethod      Type = "callMethod"
	TypeMethodResponse  Type = "methodResponse"
	TypeMethodCallback  Type = "methodCallback"
	TypeCancelProgress  Type = "cancelProgress"
	TypePing            Type = "ping"
	TypeUnhandledError  Type = "unhandledError"
	TypeUpdates         Type = "updates"
	TypeToggleDebugMode Type = "toggleDebugMode"
)

// Envelope is the unit of communication between a UI context and a worker.
// Which fields are meaningful depends on Type:
//
//	callMethod      Name, Args, WithCallback
//	initApi         Args
//	methodResponse  exactly one of Response or Error (plus ArrayBuffer)
//	methodCallback  CallbackArgs
//	updates         Updates
//	unhandledError  Error
type Envelope struct {
	MessageID    string            `json:"messageId,omitempty"`
	Type         Type              `json:"type"`
	Name         string            `json:"name,omitempty"`
	Args         []json.RawMessage `json:"args,omitempty"`
	WithCallback bool              `json:"withCallback,omitempty"`
	IsEnabled    bool              `json:"isEnabled,omitempty"`
	Response     json.RawMessage   `json:"response,omitempty"`
	Error        *RemoteError      `json:"error,omitempty"`
	CallbackArgs []json.RawMessage `json:"callbackArgs,omitempty"`
	Updates      []json.RawMessage `json:"updates,omitempty"`

	// ArrayBuffer is moved between contexts without being cloned into JSON.
	ArrayBuffer []byte `json:"-"`
	// HasArrayBuffer tells the receiving port to expect the transferred bytes.
	HasArrayBuffer bool `json:"hasArrayBuffer,omitempty"`
}

// Batch is one frame on a worker port. Envelopes queued within the same
// scheduling tick travel together.
type Batch struct {
	Payloads []Envelope `json:"payloads"`
}

// Transfers returns the buffers carried by the batch, in payload order.
func (b Batch) Transfers() [][]byte {
	var out [][]byte
	for _, p := range b.Payloads {
		if p.HasArrayBuffer {
			out = append(out, p.ArrayBuffer)
		}
	}
	return out
}

// Attach hands transferred buffers back to the payloads that announced them.
func (b *Batch) Attach(buffers [][]byte) {
	i := 0
	for j := range b.Payloads {
		if !b.Payloads[j].HasArrayBuffer {
			continue
		}
		if i < len(buffers) {
			b.Payloads[j].ArrayBuffer = buffers[i]
		}
		i++
	}
}

// RemoteError is the serialized form of a failure raised in another context.
type RemoteError struct {
	Message string `json:"message"`
}

func (e *RemoteError) Error() string { return e.Message }

// NewRemoteError captures err for transport.
func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	return &RemoteError{Message: err.Error()}
}

// EncodeArgs marshals positional arguments.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
