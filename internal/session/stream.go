package session

import "sync"

// MediaStream is the ordered set of tracks received during one session.
type MediaStream struct {
	mu     sync.RWMutex
	tracks []Track
}

// NewMediaStream returns an empty stream.
func NewMediaStream() *MediaStream {
	return &MediaStream{}
}

func (m *MediaStream) add(t Track) {
	m.mu.Lock()
	m.tracks = append(m.tracks, t)
	m.mu.Unlock()
}

// Tracks returns the tracks in arrival order.
func (m *MediaStream) Tracks() []Track {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Track, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// Len returns the number of tracks.
func (m *MediaStream) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracks)
}

// drain empties the stream and returns what it held.
func (m *MediaStream) drain() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.tracks
	m.tracks = nil
	return out
}
