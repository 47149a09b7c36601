package viewer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/SB-IM/liveview/internal/session"
	"github.com/SB-IM/liveview/internal/session/sessiontest"
	"github.com/SB-IM/liveview/internal/sink"
)

func testContext() context.Context {
	logger := zerolog.Nop()
	return logger.WithContext(context.Background())
}

func newSurface() *sink.Surface {
	logger := zerolog.Nop()
	return sink.NewSurface("main", sink.PlaybackHints{}, nil, &logger)
}

func await(t *testing.T, v *Viewer, cond func(session.Status) bool) session.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := v.Await(ctx, cond)
	if err != nil {
		t.Fatalf("status %+v never matched", s)
	}
	return s
}

func live(target string) func(session.Status) bool {
	return func(s session.Status) bool { return s.State == session.Live && s.Target == target }
}

func TestAttachStartsStream(t *testing.T) {
	f := &sessiontest.Factory{}
	v := New(testContext(), "v1", f, sessiontest.Answer("answer"), Config{
		Target:   "cam1",
		Video:    true,
		Playback: sink.DefaultPlaybackHints,
	})

	if f.Last() != nil {
		t.Fatal("detached viewer opened a transport")
	}

	surface := newSurface()
	if err := v.Attach(surface); err != nil {
		t.Fatal(err)
	}
	await(t, v, live("cam1"))

	if surface.Hints() != sink.DefaultPlaybackHints {
		t.Errorf("surface hints = %+v", surface.Hints())
	}
	track := sessiontest.NewTrack("v", "video")
	f.Last().Emit(track)

	deadline := time.Now().Add(2 * time.Second)
	for len(surface.Tracks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(surface.Tracks()) != 1 || surface.Source() != v.Stream() {
		t.Fatal("track not bound to the surface")
	}

	v.Detach()
	if v.Status().State != session.Idle {
		t.Errorf("state after Detach = %s", v.Status().State)
	}
	if surface.Source() != nil || v.Surface() != nil {
		t.Error("surface still bound after Detach")
	}
	if !track.Stopped() || f.Open() != 0 {
		t.Error("resources left after Detach")
	}
}

func TestTargetChanges(t *testing.T) {
	f := &sessiontest.Factory{}
	v := New(testContext(), "v1", f, sessiontest.Answer("answer"), Config{Video: true})

	if err := v.Attach(newSurface()); err != nil {
		t.Fatal(err)
	}
	if v.Status().State != session.Idle {
		t.Fatal("started without target")
	}

	if err := v.SetTarget("cam1"); err != nil {
		t.Fatal(err)
	}
	await(t, v, live("cam1"))
	first := f.Last()

	if err := v.SetTarget("cam2"); err != nil {
		t.Fatal(err)
	}
	await(t, v, live("cam2"))
	if !first.Closed() {
		t.Error("old transport open after target change")
	}
	if f.Open() != 1 {
		t.Errorf("open transports = %d, want 1", f.Open())
	}

	if err := v.SetTarget(""); err != nil {
		t.Fatal(err)
	}
	if s := v.Status(); s.State != session.Idle || v.Error() != "" {
		t.Errorf("status after clearing target = %+v", s)
	}
	if f.Open() != 0 {
		t.Error("transport open after clearing target")
	}
}

func TestPlaybackChangeKeepsSession(t *testing.T) {
	f := &sessiontest.Factory{}
	v := New(testContext(), "v1", f, sessiontest.Answer("answer"), Config{Target: "cam1", Video: true})
	surface := newSurface()
	if err := v.Attach(surface); err != nil {
		t.Fatal(err)
	}
	await(t, v, live("cam1"))

	c := v.Config()
	c.Playback = sink.PlaybackHints{Muted: true}
	if err := v.Configure(c); err != nil {
		t.Fatal(err)
	}
	if n := len(f.Transports()); n != 1 {
		t.Errorf("transports = %d, want 1", n)
	}
	if !surface.Hints().Muted || !v.Hints().Muted {
		t.Error("hints not applied")
	}
	v.Detach()
}

func TestConfigureWhileDetached(t *testing.T) {
	f := &sessiontest.Factory{}
	v := New(testContext(), "v1", f, sessiontest.Answer("answer"), Config{})

	if err := v.SetTarget("cam1"); err != nil {
		t.Fatal(err)
	}
	if f.Last() != nil || v.Status().State != session.Idle {
		t.Fatal("detached viewer started a session")
	}
	if v.Config().Target != "cam1" {
		t.Error("target not remembered")
	}
}

func TestErrorMessage(t *testing.T) {
	f := &sessiontest.Factory{}
	v := New(testContext(), "v1", f, sessiontest.Reject(errors.New("unauthorized")), Config{Target: "cam1", Video: true})

	if err := v.Attach(newSurface()); err != nil {
		t.Fatal(err)
	}
	await(t, v, func(s session.Status) bool { return s.State == session.Failed })

	if got, want := v.Error(), "Failed to start WebRTC stream: unauthorized"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if f.Open() != 0 {
		t.Error("failed session left its transport open")
	}
}

func TestReattachReplacesSurface(t *testing.T) {
	f := &sessiontest.Factory{}
	v := New(testContext(), "v1", f, sessiontest.Answer("answer"), Config{Target: "cam1", Video: true})

	old := newSurface()
	if err := v.Attach(old); err != nil {
		t.Fatal(err)
	}
	await(t, v, live("cam1"))
	f.Last().Emit(sessiontest.NewTrack("v", "video"))
	deadline := time.Now().Add(2 * time.Second)
	for old.Source() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	next := newSurface()
	if err := v.Attach(next); err != nil {
		t.Fatal(err)
	}
	if old.Source() != nil {
		t.Error("old surface still bound")
	}
	await(t, v, live("cam1"))
	if v.Surface() != next || f.Open() != 1 {
		t.Error("viewer not streaming to the new surface")
	}
	v.Detach()
}

func TestSameConfigRetriesEndedSession(t *testing.T) {
	var calls atomic.Int32
	signaler := sessiontest.SignalerFunc(func(context.Context, string, string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("unauthorized")
		}
		return "answer", nil
	})
	f := &sessiontest.Factory{}
	config := Config{Target: "cam1", Video: true}
	v := New(testContext(), "v1", f, signaler, config)

	if err := v.Attach(newSurface()); err != nil {
		t.Fatal(err)
	}
	await(t, v, func(s session.Status) bool { return s.State == session.Failed })

	if err := v.Configure(config); err != nil {
		t.Fatal(err)
	}
	await(t, v, live("cam1"))
	if n := len(f.Transports()); n != 2 {
		t.Fatalf("transports = %d, want 2", n)
	}

	f.Last().Drop()
	await(t, v, func(s session.Status) bool { return s.State == session.Idle })
	if err := v.Configure(config); err != nil {
		t.Fatal(err)
	}
	await(t, v, live("cam1"))
	if n := len(f.Transports()); n != 3 {
		t.Errorf("transports = %d, want 3", n)
	}

	// A live session with the same identity is left alone.
	if err := v.Configure(config); err != nil {
		t.Fatal(err)
	}
	if n := len(f.Transports()); n != 3 {
		t.Errorf("transports after live reconfigure = %d, want 3", n)
	}
}
