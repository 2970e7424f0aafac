package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canopyos/updater/internal/clock"
)

func TestEmitUpdatesTripleAndEnqueuesEvent(t *testing.T) {
	sess := New("upd-1", KindUpdate, "preflight", "Starting", "", clock.Real{})
	sess.Emit(clock.Real{}, "backup", "Creating backups", 15)

	status := sess.Status()
	if status.State != "backup" || status.Phase != "Creating backups" || status.Progress != 15 {
		t.Errorf("status = %+v, want backup/Creating backups/15", status)
	}
	if len(status.LogTail) != 1 {
		t.Fatalf("LogTail = %v, want 1 entry", status.LogTail)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, ok := sess.Next(ctx)
	if !ok {
		t.Fatal("Next() ok = false, want true")
	}
	if evt.Event != "phase" || evt.State != "backup" || evt.Progress != 15 {
		t.Errorf("event = %+v", evt)
	}
}

func TestEmitTerminalEnqueuesTwoEvents(t *testing.T) {
	sess := New("upd-1", KindUpdate, "preflight", "Starting", "", clock.Real{})
	sess.EmitTerminal(clock.Real{}, "failed", "health check timed out", 90)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok := sess.Next(ctx)
	if !ok || first.Event != "phase" {
		t.Fatalf("first event = %+v, ok=%v, want phase", first, ok)
	}
	second, ok := sess.Next(ctx)
	if !ok || second.Event != "failed" {
		t.Fatalf("second event = %+v, ok=%v, want failed", second, ok)
	}
	if !sess.IsTerminal() {
		t.Error("IsTerminal() = false, want true after EmitTerminal(failed, ...)")
	}
}

func TestLogTailBounded(t *testing.T) {
	sess := New("upd-1", KindUpdate, "preflight", "", "", clock.Real{})
	for i := 0; i < logTailLimit+20; i++ {
		sess.Emit(clock.Real{}, "pull", "line", i)
	}
	status := sess.Status()
	if len(status.LogTail) != logTailLimit {
		t.Errorf("LogTail length = %d, want %d", len(status.LogTail), logTailLimit)
	}
}

func TestNextRespectsContextCancellation(t *testing.T) {
	sess := New("upd-1", KindUpdate, "preflight", "", "", clock.Real{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := sess.Next(ctx)
	if ok {
		t.Error("Next() ok = true, want false on context deadline with an empty queue")
	}
}

func TestCancelRequested(t *testing.T) {
	sess := New("upd-1", KindUpdate, "preflight", "", "", clock.Real{})
	if sess.CancelRequested() {
		t.Fatal("CancelRequested() = true before any request")
	}
	sess.RequestCancel()
	if !sess.CancelRequested() {
		t.Error("CancelRequested() = false after RequestCancel()")
	}
}

func TestWriteLogMirrorsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updater.log")
	sess := New("upd-1", KindUpdate, "preflight", "", path, clock.Real{})
	sess.Emit(clock.Real{}, "pull", "docker compose pull", 40)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty log file after Emit")
	}
}

func TestStoreLookup(t *testing.T) {
	store := NewStore()
	sess := New("upd-1", KindUpdate, "preflight", "", "", clock.Real{})
	store.Put(sess)

	exists, terminal := store.Lookup("upd-1")
	if !exists || terminal {
		t.Errorf("Lookup() = (%v, %v), want (true, false)", exists, terminal)
	}

	sess.EmitTerminal(clock.Real{}, "completed", "done", 100)
	exists, terminal = store.Lookup("upd-1")
	if !exists || !terminal {
		t.Errorf("Lookup() = (%v, %v), want (true, true) once terminal", exists, terminal)
	}

	exists, _ = store.Lookup("unknown")
	if exists {
		t.Error("Lookup() exists = true for an unknown id")
	}
}

func TestRunHeartbeatPostsUntilCancelled(t *testing.T) {
	sess := New("upd-1", KindUpdate, "preflight", "", "", clock.Real{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sess.RunHeartbeat(ctx, clock.Real{}, 5*time.Millisecond)
		close(done)
	}()

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	evt, ok := sess.Next(readCtx)
	if !ok || evt.Event != "progress" || evt.Message != "heartbeat" {
		t.Fatalf("event = %+v, ok=%v, want a heartbeat progress event", evt, ok)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunHeartbeat did not return after context cancellation")
	}
}

