package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SB-IM/liveview/internal/metrics"
)

// DefaultDataChannelLabel labels the data channel opened on every transport.
// Some cameras refuse to stream to a peer without one; it is never read or written.
const DefaultDataChannelLabel = "dataSendChannel"

// ErrPeerDisconnected is the cause of a failure when the peer drops mid-handshake.
var ErrPeerDisconnected = errors.New("peer disconnected")

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used by the orchestrator and its guards. A nil
// logger keeps the default.
func WithLogger(logger *zerolog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = *logger
		}
	}
}

// WithSinkLocator sets the lookup of the presentation surface.
func WithSinkLocator(locate SinkLocator) Option {
	return func(o *Orchestrator) {
		if locate != nil {
			o.locate = locate
		}
	}
}

// WithDataChannelLabel overrides DefaultDataChannelLabel.
func WithDataChannelLabel(label string) Option {
	return func(o *Orchestrator) {
		o.label = label
	}
}

// attempt is one negotiation, identified by its generation.
type attempt struct {
	gen     uint64
	req     Request
	guard   *Guard
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	logger  zerolog.Logger

	// Both set under Orchestrator.mu: lost when the peer drops before Live,
	// ending once a failure owns the teardown.
	lost   bool
	ending bool
}

// abandon cancels the attempt's pending work and releases its resources.
func (a *attempt) abandon() {
	a.cancel()
	a.guard.Release()
}

func (a *attempt) errorf(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Generation: a.gen, Cause: cause}
}

// Orchestrator drives the session state machine:
// Idle -> Negotiating -> Live | Failed, and back to Idle on Stop or disconnection.
type Orchestrator struct {
	transports TransportFactory
	signaler   Signaler
	locate     SinkLocator
	label      string
	logger     zerolog.Logger

	// lifecycle serializes Start, Stop and disconnection teardown so that at most
	// one transport is open at any instant.
	lifecycle sync.Mutex

	mu      sync.Mutex
	gen     uint64
	cur     *attempt
	status  Status
	changed chan struct{}
}

// New returns an idle orchestrator.
func New(transports TransportFactory, signaler Signaler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transports: transports,
		signaler:   signaler,
		locate:     noSink,
		label:      DefaultDataChannelLabel,
		logger:     log.With().Str("component", "session").Logger(),
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start tears down any previous session and begins negotiating req.
// It only fails on an invalid request or, with req.KeepPending, while a negotiation
// for the same target is in flight. Completion is observed through Status.
func (o *Orchestrator) Start(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if req.KeepPending && o.cur != nil && o.status.State == Negotiating && o.status.Target == req.Target {
		o.mu.Unlock()
		return ErrNegotiationPending
	}
	prev := o.cur
	o.cur = nil
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	if prev != nil {
		prev.logger.Info().Uint64("superseded_by", gen).Msg("superseding session")
		prev.abandon()
	}

	logger := o.logger.With().Str("target", req.Target).Uint64("generation", gen).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{
		gen:     gen,
		req:     req,
		guard:   NewGuard(o.locate, &logger),
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
		logger:  logger,
	}

	o.mu.Lock()
	o.cur = a
	o.setStatusLocked(Status{Generation: gen, Target: req.Target, State: Negotiating})
	o.mu.Unlock()
	metrics.SessionsStartedTotal.Inc()
	logger.Info().Bool("audio", req.Audio).Bool("video", req.Video).Msg("starting session")

	t, err := o.transports.NewTransport(req.Options())
	if err != nil {
		o.fail(a, a.errorf(KindNegotiation, "create transport", err))
		return nil
	}
	a.guard.SetTransport(t)

	// Tracks are consumed from transport creation on so none is missed.
	go o.pumpTracks(a, t)
	go o.watch(a, t)
	go o.negotiate(a, t)

	return nil
}

// Stop releases every resource and returns to Idle. It is safe in any state.
func (o *Orchestrator) Stop() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	a := o.cur
	o.cur = nil
	if a != nil {
		o.gen++
	}
	o.mu.Unlock()

	if a != nil {
		a.abandon()
		a.logger.Info().Msg("stopped session")
	}

	o.mu.Lock()
	if o.status.State != Idle || o.status.Target != "" {
		o.setStatusLocked(Status{Generation: o.gen, State: Idle})
	}
	o.mu.Unlock()
}

// Status returns the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Stream returns the remote media set of the current session, nil when there is none.
func (o *Orchestrator) Stream() *MediaStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return nil
	}
	return o.cur.guard.Stream()
}

// Transport returns the transport of the current session, nil when none is held.
func (o *Orchestrator) Transport() Transport {
	o.mu.Lock()
	a := o.cur
	o.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.guard.Transport()
}

// Changed returns a channel closed at the next status change.
func (o *Orchestrator) Changed() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.changed
}

// Await blocks until cond holds for the status or ctx is done.
func (o *Orchestrator) Await(ctx context.Context, cond func(Status) bool) (Status, error) {
	for {
		o.mu.Lock()
		s, ch := o.status, o.changed
		o.mu.Unlock()

		if cond(s) {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// negotiate runs the handshake. Each step may suspend; after each one the
// attempt checks it still owns the session before going on.
func (o *Orchestrator) negotiate(a *attempt, t Transport) {
	t.CreateDataChannel(o.label)

	offer, err := t.CreateOffer(a.ctx)
	if err != nil {
		o.fail(a, a.errorf(KindNegotiation, "create offer", err))
		return
	}
	if o.stale(a, "create offer") {
		return
	}

	if err := t.SetLocalDescription(a.ctx, offer); err != nil {
		o.fail(a, a.errorf(KindNegotiation, "set local description", err))
		return
	}
	if o.stale(a, "set local description") {
		return
	}
	a.logger.Debug().Msg("set local description")

	local := t.LocalDescription()
	if local == "" {
		local = offer
	}
	answer, err := o.signaler.Exchange(a.ctx, a.req.Target, local)
	if err != nil {
		o.fail(a, a.errorf(KindSignaling, "exchange offer", err))
		return
	}
	if o.stale(a, "exchange offer") {
		return
	}
	a.logger.Debug().Msg("received answer")

	if err := t.SetRemoteDescription(a.ctx, answer); err != nil {
		o.fail(a, a.errorf(KindNegotiation, "set remote description", err))
		return
	}

	o.mu.Lock()
	if !o.currentLocked(a) {
		o.mu.Unlock()
		o.discard(a, "set remote description", nil)
		return
	}
	if a.lost {
		o.mu.Unlock()
		o.fail(a, a.errorf(KindNegotiation, "connect to peer", ErrPeerDisconnected))
		return
	}
	o.setStatusLocked(Status{Generation: a.gen, Target: a.req.Target, State: Live})
	o.mu.Unlock()

	elapsed := time.Since(a.started)
	metrics.NegotiationDuration.Observe(float64(elapsed.Milliseconds()))
	a.logger.Info().Dur("elapsed", elapsed).Msg("session is live")
}

// pumpTracks appends arriving tracks in order until the transport closes.
func (o *Orchestrator) pumpTracks(a *attempt, t Transport) {
	for track := range t.Tracks() {
		if !a.guard.AddTrack(track) {
			a.logger.Debug().Str("track_id", track.ID()).Msg("stopped track arriving after teardown")
			continue
		}
		metrics.TracksReceivedTotal.WithLabelValues(track.Kind()).Inc()
		a.logger.Info().Str("track_id", track.ID()).Str("kind", track.Kind()).Msg("received remote track")
	}
}

// watch tears the session down when the peer goes away.
func (o *Orchestrator) watch(a *attempt, t Transport) {
	select {
	case <-a.ctx.Done():
		return
	case <-t.Disconnected():
	}

	o.mu.Lock()
	if a.gen != o.gen || o.cur != a || a.ending {
		o.mu.Unlock()
		return
	}
	switch o.status.State {
	case Negotiating:
		a.lost = true
		o.mu.Unlock()
		o.fail(a, a.errorf(KindNegotiation, "connect to peer", ErrPeerDisconnected))
		return
	case Live:
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		return
	}

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if a.gen != o.gen || o.status.State != Live {
		o.mu.Unlock()
		return
	}
	o.cur = nil
	o.gen++
	o.mu.Unlock()

	a.abandon()
	a.logger.Info().Msg("peer disconnected, session torn down")

	o.mu.Lock()
	o.setStatusLocked(Status{Generation: o.gen, State: Idle})
	o.mu.Unlock()
}

// fail releases the attempt and, if it still owns the session, moves it to Failed.
// The transport is closed before the Failed state can be observed.
func (o *Orchestrator) fail(a *attempt, err *Error) {
	o.mu.Lock()
	if !o.currentLocked(a) {
		o.mu.Unlock()
		o.discard(a, err.Op, err)
		return
	}
	a.ending = true
	o.mu.Unlock()

	a.guard.Release()
	a.cancel()

	o.mu.Lock()
	if a.gen != o.gen || o.cur != a {
		o.mu.Unlock()
		o.discard(a, err.Op, err)
		return
	}
	o.setStatusLocked(Status{Generation: a.gen, Target: a.req.Target, State: Failed, Err: err})
	o.mu.Unlock()

	metrics.SessionsFailedTotal.WithLabelValues(err.Kind.String()).Inc()
	a.logger.Warn().Err(err).Msg("negotiation failed")
}

// stale reports whether a no longer owns a negotiating session, discarding its result if so.
func (o *Orchestrator) stale(a *attempt, op string) bool {
	o.mu.Lock()
	current := o.currentLocked(a)
	o.mu.Unlock()

	if current {
		return false
	}
	o.discard(a, op, nil)
	return true
}

func (o *Orchestrator) discard(a *attempt, op string, cause error) {
	// Normally released by whoever superseded a already.
	a.guard.Release()
	metrics.StaleResultsTotal.Inc()

	o.mu.Lock()
	gen := o.gen
	o.mu.Unlock()
	a.logger.Debug().
		Err(&Error{Kind: KindStale, Op: op, Generation: a.gen, Cause: cause}).
		Uint64("current_generation", gen).
		Msg("discarded stale result")
}

// currentLocked reports whether a owns the session and is still negotiating.
func (o *Orchestrator) currentLocked(a *attempt) bool {
	return a.gen == o.gen && o.cur == a && o.status.State == Negotiating && !a.ending
}

func (o *Orchestrator) setStatusLocked(s Status) {
	prev := o.status
	o.status = s

	if prev.State != Live && s.State == Live {
		metrics.LiveSessions.Inc()
	} else if prev.State == Live && s.State != Live {
		metrics.LiveSessions.Dec()
	}

	close(o.changed)
	o.changed = make(chan struct{})
}
