// Package sessiontest provides in-memory session collaborators for tests.
package sessiontest

import (
	"context"
	"sync"

	"github.com/SB-IM/liveview/internal/session"
)

// SignalerFunc adapts a function to session.Signaler.
type SignalerFunc func(ctx context.Context, target, offer string) (string, error)

// Exchange implements session.Signaler.
func (f SignalerFunc) Exchange(ctx context.Context, target, offer string) (string, error) {
	return f(ctx, target, offer)
}

// Answer returns a signaler answering every offer with sdp.
func Answer(sdp string) SignalerFunc {
	return func(context.Context, string, string) (string, error) { return sdp, nil }
}

// Reject returns a signaler failing every exchange with err.
func Reject(err error) SignalerFunc {
	return func(context.Context, string, string) (string, error) { return "", err }
}

// Track is a stoppable fake track.
type Track struct {
	TrackID   string
	TrackKind string

	mu      sync.Mutex
	stopped bool
}

// NewTrack returns a running track.
func NewTrack(id, kind string) *Track {
	return &Track{TrackID: id, TrackKind: kind}
}

func (t *Track) ID() string   { return t.TrackID }
func (t *Track) Kind() string { return t.TrackKind }

func (t *Track) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

// Stopped reports whether Stop was called.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Transport is a fake transport whose handshake always succeeds.
type Transport struct {
	Options session.Options

	mu           sync.Mutex
	closed       bool
	remote       string
	tracks       chan session.Track
	disconnected chan struct{}
	dropOnce     sync.Once
	onClose      func()
}

func (t *Transport) CreateDataChannel(string) {}

func (t *Transport) CreateOffer(context.Context) (string, error) { return "offer", nil }

func (t *Transport) SetLocalDescription(context.Context, string) error { return nil }

func (t *Transport) LocalDescription() string { return "offer" }

func (t *Transport) SetRemoteDescription(_ context.Context, sdp string) error {
	t.mu.Lock()
	t.remote = sdp
	t.mu.Unlock()
	return nil
}

func (t *Transport) Tracks() <-chan session.Track { return t.tracks }

func (t *Transport) Disconnected() <-chan struct{} { return t.disconnected }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.tracks)
	t.Drop()
	if t.onClose != nil {
		t.onClose()
	}
	return nil
}

// Emit delivers a track as the peer would. It reports false once closed.
func (t *Transport) Emit(track session.Track) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.tracks <- track
	return true
}

// Drop simulates the peer going away.
func (t *Transport) Drop() {
	t.dropOnce.Do(func() { close(t.disconnected) })
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Remote returns the applied answer.
func (t *Transport) Remote() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// Factory hands out Transports and counts the open ones.
type Factory struct {
	// Err fails every NewTransport when set.
	Err error

	mu         sync.Mutex
	transports []*Transport
	open       int
}

// NewTransport implements session.TransportFactory.
func (f *Factory) NewTransport(opts session.Options) (session.Transport, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	t := &Transport{
		Options:      opts,
		tracks:       make(chan session.Track, 16),
		disconnected: make(chan struct{}),
	}
	t.onClose = func() {
		f.mu.Lock()
		f.open--
		f.mu.Unlock()
	}

	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.open++
	f.mu.Unlock()
	return t, nil
}

// Transports returns every transport created so far.
func (f *Factory) Transports() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.transports...)
}

// Last returns the latest transport, nil if none.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// Open returns the number of transports not closed yet.
func (f *Factory) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}
