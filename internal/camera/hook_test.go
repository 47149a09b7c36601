package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExecHook(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "woken")
	if err := execHook(context.Background(), HookConfigOptions{Command: []string{"touch", marker}}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("hook did not run: %v", err)
	}

	if err := execHook(context.Background(), HookConfigOptions{Command: []string{"false"}}); err == nil {
		t.Error("expected error from failing hook")
	}
}

func TestExecHookCancelledWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := execHook(ctx, HookConfigOptions{Command: []string{"true"}, Wait: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want %v", err, context.Canceled)
	}
}

func TestRunHookOnFirstOffer(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "woken")
	config := testConfig()
	config.Hook = HookConfigOptions{Command: []string{"touch", marker}}
	c := newTestCamera(t, context.Background(), config)

	_, offer := newOffer(t)
	if _, err := c.Answer(context.Background(), offer); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("hook did not run on first offer")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
