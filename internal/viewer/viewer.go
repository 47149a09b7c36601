// Package viewer is the presentation-facing side of a live stream: it owns one
// session and drives it from identity changes and surface attach/detach, the way a
// player element would.
package viewer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SB-IM/liveview/internal/session"
	"github.com/SB-IM/liveview/internal/sink"
)

// Config is what a viewer shows and how.
type Config struct {
	Target string
	Audio  bool
	Video  bool

	Playback sink.PlaybackHints
	// KeepPending keeps a negotiation in flight instead of restarting it for the same target.
	KeepPending bool
}

func (c Config) request() session.Request {
	return session.Request{
		Target:      c.Target,
		Audio:       c.Audio,
		Video:       c.Video,
		KeepPending: c.KeepPending,
	}
}

// sameIdentity reports whether switching from c to o needs no new session.
func (c Config) sameIdentity(o Config) bool {
	return c.Target == o.Target && c.Audio == o.Audio && c.Video == o.Video
}

// Viewer binds one session to at most one surface.
type Viewer struct {
	name    string
	session *session.Orchestrator
	logger  zerolog.Logger

	// surface is looked up by the session on every sink operation; the viewer
	// never keeps it alive past Detach.
	surface atomic.Pointer[sink.Surface]

	mu     sync.Mutex
	config Config
}

// New returns a detached viewer.
func New(ctx context.Context, name string, transports session.TransportFactory, signaler session.Signaler, config Config) *Viewer {
	logger := log.Ctx(ctx).With().Str("viewer", name).Logger()
	v := &Viewer{
		name:   name,
		config: config,
		logger: logger,
	}
	v.session = session.New(transports, signaler,
		session.WithLogger(&logger),
		session.WithSinkLocator(v.locate),
	)
	return v
}

func (v *Viewer) locate() (session.Sink, bool) {
	s := v.surface.Load()
	if s == nil {
		return nil, false
	}
	return s, true
}

// Name returns the viewer name.
func (v *Viewer) Name() string { return v.name }

// Attach binds surface and starts streaming when a target is set.
func (v *Viewer) Attach(surface *sink.Surface) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if prev := v.surface.Load(); prev != nil && prev != surface {
		// Detaches the old surface while it can still be found.
		v.session.Stop()
		v.logger.Debug().Str("surface", prev.Name()).Msg("replaced surface")
	}
	surface.SetHints(v.config.Playback)
	v.surface.Store(surface)
	v.logger.Info().Str("surface", surface.Name()).Msg("attached")

	if v.config.Target == "" {
		return nil
	}
	return v.session.Start(v.config.request())
}

// Detach stops streaming and forgets the surface.
func (v *Viewer) Detach() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.session.Stop()
	if prev := v.surface.Swap(nil); prev != nil {
		v.logger.Info().Str("surface", prev.Name()).Msg("detached")
	}
}

// SetTarget switches the camera. An empty target stops the stream.
func (v *Viewer) SetTarget(target string) error {
	v.mu.Lock()
	c := v.config
	v.mu.Unlock()

	c.Target = target
	return v.Configure(c)
}

// Configure applies c. An identity change restarts the session while attached,
// and so does the same identity once the session has failed or gone idle;
// playback hints apply at once.
func (v *Viewer) Configure(c Config) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	prev := v.config
	v.config = c

	surface := v.surface.Load()
	if surface != nil {
		surface.SetHints(c.Playback)
	}
	if surface == nil || (prev.sameIdentity(c) && !v.retry()) {
		return nil
	}

	if c.Target == "" {
		v.session.Stop()
		return nil
	}
	v.logger.Info().Str("from", prev.Target).Str("to", c.Target).Msg("starting stream")
	if err := v.session.Start(c.request()); err != nil {
		v.config = prev
		return err
	}
	return nil
}

// retry reports whether the session ended and a new start is up to the caller.
func (v *Viewer) retry() bool {
	switch v.session.Status().State {
	case session.Failed, session.Idle:
		return true
	}
	return false
}

// Config returns the current configuration.
func (v *Viewer) Config() Config {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.config
}

// Error returns the current error message, "" when healthy.
func (v *Viewer) Error() string {
	return v.session.Status().Reason()
}

// Stream returns the remote media of the current session, nil when there is none.
func (v *Viewer) Stream() *session.MediaStream {
	return v.session.Stream()
}

// Status returns the session status.
func (v *Viewer) Status() session.Status {
	return v.session.Status()
}

// Hints returns the playback hints.
func (v *Viewer) Hints() sink.PlaybackHints {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.config.Playback
}

// Surface returns the attached surface, nil when detached.
func (v *Viewer) Surface() *sink.Surface {
	return v.surface.Load()
}

// Changed returns a channel closed at the next status change.
func (v *Viewer) Changed() <-chan struct{} {
	return v.session.Changed()
}

// Await blocks until cond holds for the session status or ctx is done.
func (v *Viewer) Await(ctx context.Context, cond func(session.Status) bool) (session.Status, error) {
	return v.session.Await(ctx, cond)
}
