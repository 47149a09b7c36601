// Package sink holds the presentation surfaces remote media is bound to.
package sink

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/SB-IM/liveview/internal/session"
)

// PlaybackHints are passed through to the presentation layer untouched.
type PlaybackHints struct {
	Autoplay    bool `json:"autoplay"`
	Muted       bool `json:"muted"`
	PlaysInline bool `json:"plays_inline"`
	Controls    bool `json:"controls"`
}

// DefaultPlaybackHints suit an unattended live view.
var DefaultPlaybackHints = PlaybackHints{
	Autoplay:    true,
	Muted:       true,
	PlaysInline: true,
	Controls:    true,
}

// Surface is an in-memory presentation surface. It implements session.Sink.
type Surface struct {
	name     string
	recorder *Recorder
	logger   zerolog.Logger

	mu     sync.Mutex
	hints  PlaybackHints
	source *session.MediaStream
	tracks []session.Track
}

// NewSurface returns an empty surface. recorder may be nil.
func NewSurface(name string, hints PlaybackHints, recorder *Recorder, logger *zerolog.Logger) *Surface {
	return &Surface{
		name:     name,
		hints:    hints,
		recorder: recorder,
		logger:   logger.With().Str("surface", name).Logger(),
	}
}

// Name returns the surface name.
func (s *Surface) Name() string { return s.name }

// SetSource implements session.Sink.
func (s *Surface) SetSource(stream *session.MediaStream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.source = stream
	if stream == nil {
		s.tracks = nil
		s.logger.Debug().Msg("cleared source")
		return
	}
	s.logger.Debug().Msg("bound source")
}

// AddTrack implements session.Sink.
func (s *Surface) AddTrack(track session.Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()

	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(track); err != nil {
		s.logger.Warn().Err(err).Str("track_id", track.ID()).Msg("could not record track")
	}
}

// Recording reports whether attached tracks are written to disk.
func (s *Surface) Recording() bool { return s.recorder != nil }

// Source returns the bound stream, nil when cleared.
func (s *Surface) Source() *session.MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Tracks returns the attached tracks in order.
func (s *Surface) Tracks() []session.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Hints returns the playback hints.
func (s *Surface) Hints() PlaybackHints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hints
}

// SetHints replaces the playback hints.
func (s *Surface) SetHints(h PlaybackHints) {
	s.mu.Lock()
	s.hints = h
	s.mu.Unlock()
}
