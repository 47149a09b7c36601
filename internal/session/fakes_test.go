package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

// journal records teardown side effects across fakes so tests can assert order.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.events))
	copy(out, j.events)
	return out
}

type fakeTrack struct {
	id   string
	kind string
	j    *journal

	mu      sync.Mutex
	stopped bool
}

func newFakeTrack(id, kind string, j *journal) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, j: j}
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.j.add("stop:" + t.id)
	return nil
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeTransport struct {
	factory *fakeFactory
	j       *journal

	offerErr  error
	localErr  error
	remoteErr error

	mu           sync.Mutex
	closed       bool
	labels       []string
	local        string
	remote       []string
	tracks       chan Track
	disconnected chan struct{}
	dropOnce     sync.Once
}

func (t *fakeTransport) CreateDataChannel(label string) {
	t.mu.Lock()
	t.labels = append(t.labels, label)
	t.mu.Unlock()
}

func (t *fakeTransport) CreateOffer(context.Context) (string, error) {
	if t.offerErr != nil {
		return "", t.offerErr
	}
	return "offer-sdp", nil
}

func (t *fakeTransport) SetLocalDescription(_ context.Context, sdp string) error {
	if t.localErr != nil {
		return t.localErr
	}
	t.mu.Lock()
	t.local = sdp + "+candidates"
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) LocalDescription() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *fakeTransport) SetRemoteDescription(_ context.Context, sdp string) error {
	t.mu.Lock()
	t.remote = append(t.remote, sdp)
	t.mu.Unlock()
	return t.remoteErr
}

func (t *fakeTransport) Tracks() <-chan Track { return t.tracks }

func (t *fakeTransport) Disconnected() <-chan struct{} { return t.disconnected }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.tracks)
	t.dropOnce.Do(func() { close(t.disconnected) })
	t.j.add("close")
	t.factory.closed()
	return nil
}

// emit delivers a track as the peer would. It reports false once closed.
func (t *fakeTransport) emit(track Track) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.tracks <- track
	return true
}

// drop simulates the peer going away.
func (t *fakeTransport) drop() {
	t.dropOnce.Do(func() { close(t.disconnected) })
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) Remote() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.remote))
	copy(out, t.remote)
	return out
}

type fakeFactory struct {
	j *journal

	// configure adjusts each new transport before it is handed out.
	configure func(*fakeTransport)
	err       error

	mu         sync.Mutex
	transports []*fakeTransport
	open       int
	maxOpen    int
}

func (f *fakeFactory) NewTransport(Options) (Transport, error) {
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{
		factory:      f,
		j:            f.j,
		tracks:       make(chan Track, 16),
		disconnected: make(chan struct{}),
	}
	if f.configure != nil {
		f.configure(t)
	}

	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.open++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	f.mu.Unlock()
	return t, nil
}

func (f *fakeFactory) closed() {
	f.mu.Lock()
	f.open--
	f.mu.Unlock()
}

func (f *fakeFactory) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	var got *fakeTransport
	eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.transports) > i {
			got = f.transports[i]
			return true
		}
		return false
	})
	return got
}

func (f *fakeFactory) MaxOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}

func (f *fakeFactory) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// staticSignaler answers every exchange the same way.
type staticSignaler struct {
	answer string
	err    error
}

func (s staticSignaler) Exchange(context.Context, string, string) (string, error) {
	return s.answer, s.err
}

type exchangeResult struct {
	answer string
	err    error
}

type exchange struct {
	target string
	offer  string
	reply  chan exchangeResult
}

func (e *exchange) answer(sdp string) { e.reply <- exchangeResult{answer: sdp} }
func (e *exchange) reject(msg string) { e.reply <- exchangeResult{err: errors.New(msg)} }

// blockingSignaler hands every exchange to the test, which answers when it wants.
// Like a real remote call it ignores cancellation.
type blockingSignaler struct {
	calls chan *exchange
}

func newBlockingSignaler() *blockingSignaler {
	return &blockingSignaler{calls: make(chan *exchange, 16)}
}

func (s *blockingSignaler) Exchange(_ context.Context, target, offer string) (string, error) {
	ex := &exchange{target: target, offer: offer, reply: make(chan exchangeResult, 1)}
	s.calls <- ex
	r := <-ex.reply
	return r.answer, r.err
}

func (s *blockingSignaler) next(t *testing.T) *exchange {
	t.Helper()
	select {
	case ex := <-s.calls:
		return ex
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for signaling exchange")
		return nil
	}
}

type fakeSink struct {
	j *journal

	mu     sync.Mutex
	source *MediaStream
	tracks []Track
}

func (s *fakeSink) SetSource(stream *MediaStream) {
	s.mu.Lock()
	s.source = stream
	if stream == nil {
		s.tracks = nil
	}
	s.mu.Unlock()
	if stream == nil {
		s.j.add("detach")
	}
}

func (s *fakeSink) AddTrack(track Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
}

func (s *fakeSink) Source() *MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *fakeSink) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *fakeSink) locator() SinkLocator {
	return func() (Sink, bool) { return s, true }
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func awaitState(t *testing.T, o *Orchestrator, want State) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	s, err := o.Await(ctx, func(s Status) bool { return s.State == want })
	if err != nil {
		t.Fatalf("state is %s, want %s", s.State, want)
	}
	return s
}
