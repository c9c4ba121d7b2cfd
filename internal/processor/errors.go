package processor

import (
	"errors"
	"fmt"
)

// Reason says why a task ended without a message.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonDuplicateNonce
	ReasonTooLarge
	ReasonUnsupportedType
	ReasonInvalidContent
	ReasonVersionMismatch
	ReasonMissingSession
	ReasonDesync
	ReasonControlConsumed
	ReasonAuthentication
	ReasonUnknownIdentity
	ReasonMediaUnavailable
	ReasonNoConversation
	ReasonCancelled
	ReasonInternal
)

var reasonNames = map[Reason]string{
	ReasonNone:             "none",
	ReasonDuplicateNonce:   "duplicate_nonce",
	ReasonTooLarge:         "too_large",
	ReasonUnsupportedType:  "unsupported_type",
	ReasonInvalidContent:   "invalid_content",
	ReasonVersionMismatch:  "version_mismatch",
	ReasonMissingSession:   "missing_session",
	ReasonDesync:           "desync",
	ReasonControlConsumed:  "control_consumed",
	ReasonAuthentication:   "authentication",
	ReasonUnknownIdentity:  "unknown_identity",
	ReasonMediaUnavailable: "media_unavailable",
	ReasonNoConversation:   "no_conversation",
	ReasonCancelled:        "cancelled",
	ReasonInternal:         "internal",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

var (
	ErrMissingDependency = errors.New("processor dependency missing")
	// ErrNoConversation is returned by an EntityStore for a message that needs a
	// conversation it may not create.
	ErrNoConversation = errors.New("message needs a conversation that does not exist")
)

// Error is the outcome of a task that failed for good. Non-fatal rejections
// never produce one.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the reason of a task error, ReasonInternal for foreign errors.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ReasonInternal
}
