package protocol

import "github.com/google/uuid"

// NewMessageID returns an identifier that is never reused while a request is
// outstanding.
func NewMessageID() string { return uuid.NewString() }

// NewToken identifies one tab on the broadcast bus.
func NewToken() string { return uuid.NewString() }
