package session

import (
	"errors"
	"fmt"
)

// Kind classifies why a negotiation attempt ended.
type Kind int

const (
	// KindSignaling means the signaling collaborator rejected the offer or failed to answer.
	KindSignaling Kind = iota + 1
	// KindNegotiation means the transport rejected a step of the handshake.
	KindNegotiation
	// KindStale means a result arrived for a superseded generation. Never surfaced.
	KindStale
)

func (k Kind) String() string {
	switch k {
	case KindSignaling:
		return "signaling"
	case KindNegotiation:
		return "negotiation"
	case KindStale:
		return "stale"
	default:
		return "unknown"
	}
}

// failurePrefix is shown in front of every surfaced failure reason.
const failurePrefix = "Failed to start WebRTC stream: "

var (
	// ErrEmptyTarget is returned by Start for a request without target identity.
	ErrEmptyTarget = errors.New("empty target identity")
	// ErrNegotiationPending is returned by Start when the request keeps a pending negotiation.
	ErrNegotiationPending = errors.New("negotiation already pending for target")

	// ErrSignaling, ErrNegotiation and ErrStale match an *Error of the same kind with errors.Is.
	ErrSignaling   = &Error{Kind: KindSignaling}
	ErrNegotiation = &Error{Kind: KindNegotiation}
	ErrStale       = &Error{Kind: KindStale}
)

// Error is a failed negotiation step.
// Cause keeps the collaborator's error untouched so callers can inspect it.
type Error struct {
	Kind       Kind
	Op         string
	Generation uint64
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: could not %s: %v", e.Kind, e.Op, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a kind sentinel matching e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Cause == nil && t.Op == "" && t.Kind == e.Kind
}

// Reason is the user-visible message of the failure.
func (e *Error) Reason() string {
	if e.Cause == nil {
		return failurePrefix + e.Kind.String()
	}
	return failurePrefix + e.Cause.Error()
}
