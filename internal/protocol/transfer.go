package protocol

import "encoding/json"

// ArrayBufferKey is the one well-known field of a response payload that is
// transferred instead of cloned.
const ArrayBufferKey = "arrayBuffer"

// Transferable is implemented by results that carry a binary buffer.
type Transferable interface {
	ArrayBuffer() []byte
}

// Binary is a ready-made Transferable result with optional metadata.
type Binary struct {
	Meta   any    `json:"meta,omitempty"`
	Buffer []byte `json:"-"`
}

func (b Binary) ArrayBuffer() []byte { return b.Buffer }

// ExtractTransfer splits a method result into the part that is cloned and the
// buffer that is transferred. ok is false when result carries no buffer.
func ExtractTransfer(result any) (rest any, buffer []byte, ok bool) {
	switch v := result.(type) {
	case Transferable:
		return v, v.ArrayBuffer(), true
	case map[string]any:
		buf, isBytes := v[ArrayBufferKey].([]byte)
		if !isBytes {
			return result, nil, false
		}
		rest := make(map[string]any, len(v)-1)
		for key, value := range v {
			if key != ArrayBufferKey {
				rest[key] = value
			}
		}
		return rest, buf, true
	}
	return result, nil, false
}

// EncodeResponse builds a methodResponse envelope for a finished call.
func EncodeResponse(messageID string, result any, callErr error) Envelope {
	env := Envelope{MessageID: messageID, Type: TypeMethodResponse}
	if callErr != nil {
		env.Error = NewRemoteError(callErr)
		return env
	}

	rest, buffer, ok := ExtractTransfer(result)
	if ok {
		env.ArrayBuffer = buffer
		env.HasArrayBuffer = true
	}
	raw, err := json.Marshal(rest)
	if err != nil {
		env.Error = &RemoteError{Message: "unserializable response: " + err.Error()}
		env.ArrayBuffer, env.HasArrayBuffer = nil, false
		return env
	}
	env.Response = raw
	return env
}
