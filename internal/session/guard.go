package session

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/SB-IM/liveview/internal/metrics"
)

// Guard owns the resources of one negotiation attempt: the transport, the remote
// media stream and the sink binding. Release tears all of them down exactly once.
type Guard struct {
	mu        sync.Mutex
	released  bool
	transport Transport
	stream    *MediaStream
	locate    SinkLocator
	bound     bool

	logger zerolog.Logger
}

// NewGuard returns a guard binding tracks to whatever sink locate finds.
// A nil logger discards the guard's logs.
func NewGuard(locate SinkLocator, logger *zerolog.Logger) *Guard {
	if locate == nil {
		locate = noSink
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Guard{
		stream: NewMediaStream(),
		locate: locate,
		logger: *logger,
	}
}

// SetTransport hands t over to the guard. When the guard was already released
// t is closed immediately and false is returned.
func (g *Guard) SetTransport(t Transport) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		if err := t.Close(); err != nil {
			g.logger.Err(err).Msg("could not close transport")
		}
		return false
	}
	g.transport = t
	metrics.ActiveTransports.Inc()
	return true
}

// Transport returns the held transport, nil once released.
func (g *Guard) Transport() Transport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transport
}

// Stream returns the remote media set of the attempt.
func (g *Guard) Stream() *MediaStream {
	return g.stream
}

// AddTrack appends t to the stream and attaches it to the sink, if any.
// A track offered after Release is stopped at once and false is returned.
func (g *Guard) AddTrack(t Track) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		g.stopTrack(t)
		return false
	}

	g.stream.add(t)
	sink, ok := g.locate()
	if !ok {
		g.logger.Debug().Str("track_id", t.ID()).Msg("no sink attached, track kept in stream")
		return true
	}
	if !g.bound {
		sink.SetSource(g.stream)
		g.bound = true
	}
	sink.AddTrack(t)
	return true
}

// Release stops every track, detaches the sink and closes the transport, in that order.
// Tracks go first so no track callback fires against a half closed transport.
// It is safe to call any number of times.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		return
	}
	g.released = true

	for _, t := range g.stream.drain() {
		g.stopTrack(t)
	}

	if g.bound {
		// The surface may be gone already.
		if sink, ok := g.locate(); ok {
			sink.SetSource(nil)
		}
		g.bound = false
	}

	if g.transport != nil {
		if err := g.transport.Close(); err != nil {
			g.logger.Err(err).Msg("could not close transport")
		}
		g.transport = nil
		metrics.ActiveTransports.Dec()
	}
	g.logger.Debug().Msg("released session resources")
}

// Released reports whether Release ran.
func (g *Guard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

func (g *Guard) stopTrack(t Track) {
	if err := t.Stop(); err != nil {
		g.logger.Err(err).Str("track_id", t.ID()).Msg("could not stop track")
	}
}
