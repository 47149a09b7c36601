// Package session drives the lifecycle of a live stream from a remote camera.
//
// An Orchestrator negotiates a peer transport through an external signaling
// exchange (offer out, answer back), binds the tracks it receives to a media sink
// and guarantees that every acquired resource is released exactly once, whatever
// ends the session: an explicit stop, a superseding request, a failed step or a
// dropped peer. Each negotiation attempt is tagged with a generation; results that
// arrive for an older generation are discarded.
package session

import (
	"context"
)

// State is the lifecycle state of a session.
type State int

const (
	Idle State = iota
	Negotiating
	Live
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Live:
		return "live"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request asks for a session with a target endpoint. It is never mutated once issued.
type Request struct {
	// Target is the opaque identity of the remote camera.
	Target string
	Audio  bool
	Video  bool

	// KeepPending makes Start fail with ErrNegotiationPending instead of
	// superseding a negotiation still in flight for the same target.
	KeepPending bool
}

// Validate checks the request can be issued.
func (r Request) Validate() error {
	if r.Target == "" {
		return ErrEmptyTarget
	}
	return nil
}

// Options returns the negotiation hints of the request.
func (r Request) Options() Options {
	return Options{Audio: r.Audio, Video: r.Video}
}

// Options are the negotiation hints handed to a TransportFactory.
type Options struct {
	Audio bool
	Video bool
}

// Status is a snapshot of the session as observed by callers.
type Status struct {
	Generation uint64
	Target     string
	State      State
	// Err is set only in Failed state.
	Err error
}

// Reason returns the user-visible failure message, or "" when healthy.
func (s Status) Reason() string {
	if s.State != Failed || s.Err == nil {
		return ""
	}
	if e, ok := s.Err.(*Error); ok {
		return e.Reason()
	}
	return failurePrefix + s.Err.Error()
}

// Track is one media track received from the peer.
type Track interface {
	ID() string
	// Kind is "audio" or "video".
	Kind() string
	// Stop releases the resources backing the track. Closing the transport does not imply it.
	Stop() error
}

// Transport is a peer connection handle. Exactly one is owned by a live attempt.
type Transport interface {
	// CreateDataChannel opens a logical data channel. Its result is never used.
	CreateDataChannel(label string)
	CreateOffer(ctx context.Context) (string, error)
	SetLocalDescription(ctx context.Context, sdp string) error
	// LocalDescription returns the applied local description, candidates included.
	LocalDescription() string
	SetRemoteDescription(ctx context.Context, sdp string) error
	// Tracks delivers remote tracks in arrival order. It is closed by Close.
	Tracks() <-chan Track
	// Disconnected is closed once the peer is gone.
	Disconnected() <-chan struct{}
	// Close is idempotent and releases every transport-level resource.
	Close() error
}

// TransportFactory allocates transports.
type TransportFactory interface {
	NewTransport(opts Options) (Transport, error)
}

// Signaler exchanges a local offer for a remote answer with the target.
// It may take arbitrarily long; the core imposes no timeout.
type Signaler interface {
	Exchange(ctx context.Context, target, offer string) (answer string, err error)
}

// Sink is a presentation surface the remote media is bound to.
type Sink interface {
	// SetSource binds stream to the surface. A nil stream clears it.
	SetSource(stream *MediaStream)
	// AddTrack is called for every track appended to the bound stream, in order.
	AddTrack(track Track)
}

// SinkLocator looks the presentation surface up. The core never owns the surface:
// when the lookup fails, sink operations are skipped.
type SinkLocator func() (Sink, bool)

func noSink() (Sink, bool) { return nil, false }
