package session

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartRejectsEmptyTarget(t *testing.T) {
	f := &fakeFactory{}
	o := New(f, staticSignaler{answer: "answer"})

	if err := o.Start(Request{Video: true}); !errors.Is(err, ErrEmptyTarget) {
		t.Fatalf("Start() error = %v, want %v", err, ErrEmptyTarget)
	}
	if got := o.Status().State; got != Idle {
		t.Errorf("state = %s, want idle", got)
	}
	if len(f.transports) != 0 {
		t.Errorf("created %d transports, want 0", len(f.transports))
	}
}

func TestLiveSessionLifecycle(t *testing.T) {
	j := &journal{}
	f := &fakeFactory{j: j}
	sig := newBlockingSignaler()
	sink := &fakeSink{j: j}
	o := New(f, sig, WithSinkLocator(sink.locator()))

	if err := o.Start(Request{Target: "cam1", Audio: true, Video: true}); err != nil {
		t.Fatal(err)
	}
	if s := o.Status(); s.State != Negotiating || s.Target != "cam1" {
		t.Fatalf("status = %+v, want negotiating cam1", s)
	}

	ex := sig.next(t)
	if ex.target != "cam1" {
		t.Errorf("exchange target = %q, want cam1", ex.target)
	}
	if ex.offer != "offer-sdp+candidates" {
		t.Errorf("exchange offer = %q, want the local description", ex.offer)
	}
	ex.answer("valid-sdp")

	s := awaitState(t, o, Live)
	if s.Target != "cam1" || s.Err != nil {
		t.Errorf("status = %+v", s)
	}

	tr := f.transport(t, 0)
	if got := tr.Remote(); !reflect.DeepEqual(got, []string{"valid-sdp"}) {
		t.Errorf("remote descriptions = %v", got)
	}
	if !reflect.DeepEqual(tr.labels, []string{DefaultDataChannelLabel}) {
		t.Errorf("data channels = %v", tr.labels)
	}

	video := newFakeTrack("v", "video", j)
	audio := newFakeTrack("a", "audio", j)
	tr.emit(video)
	tr.emit(audio)
	eventually(t, func() bool { return len(sink.Tracks()) == 2 })

	if sink.Source() != o.Stream() {
		t.Error("sink is not bound to the session stream")
	}
	if o.Transport() == nil {
		t.Error("live session holds no transport")
	}

	o.Stop()

	if s := o.Status(); s.State != Idle {
		t.Errorf("state after Stop = %s, want idle", s.State)
	}
	if !tr.Closed() {
		t.Error("transport left open")
	}
	if !video.Stopped() || !audio.Stopped() {
		t.Error("tracks left running")
	}
	if sink.Source() != nil {
		t.Error("sink still bound")
	}
	if o.Transport() != nil || o.Stream() != nil {
		t.Error("Stop left session resources reachable")
	}
}

func TestSignalingFailure(t *testing.T) {
	f := &fakeFactory{}
	o := New(f, staticSignaler{err: errors.New("unauthorized")})

	if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
		t.Fatal(err)
	}
	s := awaitState(t, o, Failed)

	if got, want := s.Reason(), "Failed to start WebRTC stream: unauthorized"; got != want {
		t.Errorf("Reason() = %q, want %q", got, want)
	}
	if !errors.Is(s.Err, ErrSignaling) {
		t.Errorf("error %v is not a signaling error", s.Err)
	}
	if !f.transport(t, 0).Closed() {
		t.Error("transport open after failure")
	}
	if st := o.Stream(); st == nil || st.Len() != 0 {
		t.Error("failed session kept tracks")
	}
	if len(f.transport(t, 0).Remote()) != 0 {
		t.Error("remote description applied after failed exchange")
	}
}

func TestNilLoggerKeepsDefault(t *testing.T) {
	f := &fakeFactory{}
	o := New(f, staticSignaler{err: errors.New("unauthorized")}, WithLogger(nil))

	if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
		t.Fatal(err)
	}
	awaitState(t, o, Failed)
	o.Stop()
}

func TestNegotiationFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		configure func(*fakeTransport)
		answer    string
	}{
		{
			name:      "create offer",
			configure: func(tr *fakeTransport) { tr.offerErr = boom },
		},
		{
			name:      "set local description",
			configure: func(tr *fakeTransport) { tr.localErr = boom },
		},
		{
			name:      "set remote description",
			configure: func(tr *fakeTransport) { tr.remoteErr = boom },
			answer:    "garbage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFactory{configure: tt.configure}
			o := New(f, staticSignaler{answer: tt.answer})

			if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
				t.Fatal(err)
			}
			s := awaitState(t, o, Failed)

			if !errors.Is(s.Err, ErrNegotiation) {
				t.Errorf("error %v is not a negotiation error", s.Err)
			}
			var e *Error
			if !errors.As(s.Err, &e) || e.Op != tt.name {
				t.Errorf("error op = %v, want %q", s.Err, tt.name)
			}
			if got, want := s.Reason(), "Failed to start WebRTC stream: boom"; got != want {
				t.Errorf("Reason() = %q, want %q", got, want)
			}
			if !f.transport(t, 0).Closed() {
				t.Error("transport open after failure")
			}
		})
	}
}

func TestTransportCreationFailure(t *testing.T) {
	f := &fakeFactory{err: errors.New("no ICE agent")}
	o := New(f, staticSignaler{answer: "answer"})

	if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
		t.Fatal(err)
	}
	s := o.Status()
	if s.State != Failed {
		t.Fatalf("state = %s, want failed", s.State)
	}
	if !errors.Is(s.Err, ErrNegotiation) {
		t.Errorf("error %v is not a negotiation error", s.Err)
	}
	if o.Transport() != nil {
		t.Error("failed session holds a transport")
	}
}

func TestSupersededResultIsDiscarded(t *testing.T) {
	for _, lateOK := range []bool{true, false} {
		name := "late failure"
		if lateOK {
			name = "late success"
		}
		t.Run(name, func(t *testing.T) {
			f := &fakeFactory{}
			sig := newBlockingSignaler()
			o := New(f, sig)

			if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
				t.Fatal(err)
			}
			first := sig.next(t)
			if err := o.Start(Request{Target: "cam2", Video: true}); err != nil {
				t.Fatal(err)
			}
			second := sig.next(t)

			a, b := f.transport(t, 0), f.transport(t, 1)
			if !a.Closed() {
				t.Fatal("superseded transport is still open")
			}

			second.answer("answer-b")
			live := awaitState(t, o, Live)
			if live.Target != "cam2" {
				t.Fatalf("live target = %q, want cam2", live.Target)
			}

			if lateOK {
				first.answer("answer-a")
			} else {
				first.reject("unauthorized")
			}
			// Give the stale continuation time to run.
			time.Sleep(50 * time.Millisecond)

			if s := o.Status(); s != live {
				t.Errorf("status changed by stale result: %+v, want %+v", s, live)
			}
			if len(a.Remote()) != 0 {
				t.Error("stale answer applied to the superseded transport")
			}
			if b.Closed() {
				t.Error("stale result closed the live transport")
			}
			o.Stop()
		})
	}
}

func TestAtMostOneTransportOpen(t *testing.T) {
	f := &fakeFactory{}
	sig := newBlockingSignaler()
	o := New(f, sig)

	var pending []*exchange
	for i := 0; i < 10; i++ {
		if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
			t.Fatal(err)
		}
		pending = append(pending, sig.next(t))
	}
	for _, ex := range pending {
		ex.answer("answer")
	}
	awaitState(t, o, Live)

	if got := f.MaxOpen(); got != 1 {
		t.Errorf("max open transports = %d, want 1", got)
	}
	if got := f.Open(); got != 1 {
		t.Errorf("open transports = %d, want 1", got)
	}
	o.Stop()
	if got := f.Open(); got != 0 {
		t.Errorf("open transports after Stop = %d, want 0", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) (*Orchestrator, *fakeFactory, func())
	}{
		{
			name: "idle",
			setup: func(t *testing.T) (*Orchestrator, *fakeFactory, func()) {
				f := &fakeFactory{}
				return New(f, staticSignaler{}), f, func() {}
			},
		},
		{
			name: "negotiating",
			setup: func(t *testing.T) (*Orchestrator, *fakeFactory, func()) {
				f := &fakeFactory{}
				sig := newBlockingSignaler()
				o := New(f, sig)
				if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
					t.Fatal(err)
				}
				ex := sig.next(t)
				return o, f, func() { ex.answer("late") }
			},
		},
		{
			name: "live",
			setup: func(t *testing.T) (*Orchestrator, *fakeFactory, func()) {
				f := &fakeFactory{}
				o := New(f, staticSignaler{answer: "answer"})
				if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
					t.Fatal(err)
				}
				awaitState(t, o, Live)
				return o, f, func() {}
			},
		},
		{
			name: "failed",
			setup: func(t *testing.T) (*Orchestrator, *fakeFactory, func()) {
				f := &fakeFactory{}
				o := New(f, staticSignaler{err: errors.New("unauthorized")})
				if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
					t.Fatal(err)
				}
				awaitState(t, o, Failed)
				return o, f, func() {}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, f, cleanup := tt.setup(t)
			defer cleanup()

			o.Stop()
			o.Stop()

			if s := o.Status(); s.State != Idle || s.Err != nil {
				t.Errorf("status = %+v, want idle", s)
			}
			if o.Transport() != nil {
				t.Error("transport reachable after Stop")
			}
			if o.Stream() != nil {
				t.Error("stream reachable after Stop")
			}
			if got := f.Open(); got != 0 {
				t.Errorf("open transports = %d, want 0", got)
			}
		})
	}
}

func TestTracksKeepArrivalOrder(t *testing.T) {
	f := &fakeFactory{}
	sink := &fakeSink{}
	o := New(f, staticSignaler{answer: "answer"}, WithSinkLocator(sink.locator()))

	if err := o.Start(Request{Target: "cam1", Audio: true, Video: true}); err != nil {
		t.Fatal(err)
	}
	awaitState(t, o, Live)

	tr := f.transport(t, 0)
	want := []Track{
		newFakeTrack("t1", "video", nil),
		newFakeTrack("t2", "audio", nil),
		newFakeTrack("t3", "video", nil),
	}
	for _, track := range want {
		tr.emit(track)
	}
	eventually(t, func() bool { return o.Stream().Len() == 3 })

	if got := o.Stream().Tracks(); !reflect.DeepEqual(got, want) {
		t.Errorf("stream tracks = %v, want %v", got, want)
	}
	if got := sink.Tracks(); !reflect.DeepEqual(got, want) {
		t.Errorf("sink tracks = %v, want %v", got, want)
	}
	o.Stop()
}

func TestTracksDuringNegotiationAreKept(t *testing.T) {
	f := &fakeFactory{}
	sig := newBlockingSignaler()
	o := New(f, sig)

	if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
		t.Fatal(err)
	}
	ex := sig.next(t)
	early := newFakeTrack("early", "video", nil)
	f.transport(t, 0).emit(early)
	eventually(t, func() bool { return o.Stream().Len() == 1 })

	ex.answer("answer")
	awaitState(t, o, Live)
	if got := o.Stream().Tracks(); len(got) != 1 || got[0] != early {
		t.Errorf("stream tracks = %v", got)
	}
	o.Stop()
	if !early.Stopped() {
		t.Error("track left running")
	}
}

func TestKeepPending(t *testing.T) {
	f := &fakeFactory{}
	sig := newBlockingSignaler()
	o := New(f, sig)

	if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
		t.Fatal(err)
	}
	ex := sig.next(t)
	defer ex.answer("late")

	err := o.Start(Request{Target: "cam1", Video: true, KeepPending: true})
	if !errors.Is(err, ErrNegotiationPending) {
		t.Fatalf("Start() error = %v, want %v", err, ErrNegotiationPending)
	}
	if f.transport(t, 0).Closed() {
		t.Error("pending negotiation was torn down")
	}

	// A different target still supersedes.
	if err := o.Start(Request{Target: "cam2", Video: true, KeepPending: true}); err != nil {
		t.Fatal(err)
	}
	next := sig.next(t)
	next.answer("answer")
	if s := awaitState(t, o, Live); s.Target != "cam2" {
		t.Errorf("live target = %q, want cam2", s.Target)
	}
	o.Stop()
}

func TestPeerDisconnectWhileLive(t *testing.T) {
	j := &journal{}
	f := &fakeFactory{j: j}
	sink := &fakeSink{j: j}
	o := New(f, staticSignaler{answer: "answer"}, WithSinkLocator(sink.locator()))

	if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
		t.Fatal(err)
	}
	live := awaitState(t, o, Live)

	tr := f.transport(t, 0)
	track := newFakeTrack("v", "video", j)
	tr.emit(track)
	eventually(t, func() bool { return len(sink.Tracks()) == 1 })

	tr.drop()
	s := awaitState(t, o, Idle)
	if s.Generation <= live.Generation {
		t.Errorf("generation = %d, want > %d", s.Generation, live.Generation)
	}
	if !tr.Closed() || !track.Stopped() {
		t.Error("resources left open after disconnect")
	}
	if sink.Source() != nil {
		t.Error("sink still bound after disconnect")
	}
	if got, want := j.list(), []string{"stop:v", "detach", "close"}; !reflect.DeepEqual(got, want) {
		t.Errorf("teardown order = %v, want %v", got, want)
	}
}

func TestPeerDisconnectWhileNegotiating(t *testing.T) {
	f := &fakeFactory{}
	sig := newBlockingSignaler()
	o := New(f, sig)

	if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
		t.Fatal(err)
	}
	ex := sig.next(t)
	f.transport(t, 0).drop()

	s := awaitState(t, o, Failed)
	if !errors.Is(s.Err, ErrPeerDisconnected) {
		t.Errorf("error = %v, want %v", s.Err, ErrPeerDisconnected)
	}

	ex.answer("late")
	time.Sleep(50 * time.Millisecond)
	if got := o.Status(); got.State != Failed {
		t.Errorf("late answer moved state to %s", got.State)
	}
}

func TestFailureClosesTransportBeforeReporting(t *testing.T) {
	f := &fakeFactory{}
	o := New(f, staticSignaler{err: errors.New("unauthorized")})

	if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	var closedAtFailure bool
	_, err := o.Await(ctx, func(s Status) bool {
		if s.State != Failed {
			return false
		}
		closedAtFailure = f.Open() == 0
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if !closedAtFailure {
		t.Error("failure observable while transport still open")
	}
}

func TestMissingSinkIsSkipped(t *testing.T) {
	f := &fakeFactory{}
	var gone atomic.Bool
	sink := &fakeSink{}
	locate := func() (Sink, bool) {
		if gone.Load() {
			return nil, false
		}
		return sink, true
	}
	o := New(f, staticSignaler{answer: "answer"}, WithSinkLocator(locate))

	if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
		t.Fatal(err)
	}
	awaitState(t, o, Live)
	f.transport(t, 0).emit(newFakeTrack("v", "video", nil))
	eventually(t, func() bool { return len(sink.Tracks()) == 1 })

	gone.Store(true)
	o.Stop()

	if sink.Source() == nil {
		t.Error("detached a sink that could not be located")
	}
	if f.Open() != 0 {
		t.Error("transport left open")
	}
}

func TestCustomDataChannelLabel(t *testing.T) {
	f := &fakeFactory{}
	o := New(f, staticSignaler{answer: "answer"}, WithDataChannelLabel("control"))

	if err := o.Start(Request{Target: "cam1", Video: true}); err != nil {
		t.Fatal(err)
	}
	awaitState(t, o, Live)
	tr := f.transport(t, 0)
	tr.mu.Lock()
	labels := tr.labels
	tr.mu.Unlock()
	if !reflect.DeepEqual(labels, []string{"control"}) {
		t.Errorf("data channels = %v, want [control]", labels)
	}
	o.Stop()
}
