// Package session tracks in-flight and recently-finished update and
// backup/restore jobs: their state/phase/progress triple, a bounded log
// tail, and the single-producer/single-consumer event queue an SSE
// handler drains.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/canopyos/updater/internal/clock"
)

// Kind distinguishes the two independent single-flight domains a
// session can belong to.
type Kind string

const (
	KindUpdate  Kind = "update"
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
)

// Well-known session states. Completed and failed are the terminal ones,
// used by the gate's stale-holder check and by the SSE handler to know
// when to stop relaying events.
const (
	StateIdle      = "idle"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const logTailLimit = 100

// Session is the live record of one update or backup/restore job.
type Session struct {
	ID        string
	Kind      Kind
	StartedAt time.Time
	LogPath   string

	queue *queue

	mu       sync.Mutex
	state    string
	phase    string
	progress int
	logTail  []string
	cancel   bool
}

// New creates a session in its initial state. Log lines are appended to
// logPath, which is opened (and created if missing) on each write,
// best-effort — failure to write it does not fail the session; log
// mirroring is advisory per the orchestrator's rules.
func New(id string, kind Kind, state, phase string, logPath string, clk clock.Clock) *Session {
	return &Session{
		ID:        id,
		Kind:      kind,
		StartedAt: clk.Now(),
		LogPath:   logPath,
		queue:     newQueue(),
		state:     state,
		phase:     phase,
	}
}

// Snapshot is the immutable state/phase/progress/log-tail triple
// returned by Status handlers.
type Snapshot struct {
	ID        string
	State     string
	Phase     string
	Progress  int
	LogTail   []string
	StartedAt time.Time
}

// Status returns the current snapshot.
func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := make([]string, len(s.logTail))
	copy(tail, s.logTail)
	return Snapshot{
		ID:        s.ID,
		State:     s.state,
		Phase:     s.phase,
		Progress:  s.progress,
		LogTail:   tail,
		StartedAt: s.StartedAt,
	}
}

// State returns just the current state string, used by gate cleanup
// and terminal checks without copying the log tail.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsTerminal reports whether the session has reached completed or failed.
func (s *Session) IsTerminal() bool {
	switch s.State() {
	case StateCompleted, StateFailed:
		return true
	}
	return false
}

// RequestCancel sets the cooperative cancellation flag. The pipeline
// observes it between phases; running subprocesses are not interrupted.
func (s *Session) RequestCancel() {
	s.mu.Lock()
	s.cancel = true
	s.mu.Unlock()
}

// CancelRequested reports whether cancellation has been requested.
func (s *Session) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel
}

// Emit updates the state/phase/progress triple, appends to the bounded
// log tail, mirrors the line to the log file and to stdout (both
// best-effort), and enqueues a "phase" event for the stream consumer.
func (s *Session) Emit(clk clock.Clock, state, message string, progress int) {
	now := clk.Now()
	line := fmt.Sprintf("%s %s %s", now.UTC().Format("2006-01-02 15:04:05.000000"), state, message)

	s.mu.Lock()
	s.state = state
	s.phase = message
	s.progress = progress
	s.logTail = append(s.logTail, line)
	if len(s.logTail) > logTailLimit {
		s.logTail = s.logTail[len(s.logTail)-logTailLimit:]
	}
	s.mu.Unlock()

	s.writeLog(line)
	fmt.Println(line)

	s.queue.push(Event{
		Event:     "phase",
		ID:        s.ID,
		State:     state,
		Message:   message,
		Progress:  progress,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
}

// EmitTerminal is like Emit but additionally enqueues a distinct
// terminal event ("completed" or "failed") after the phase event, per
// the event taxonomy the stream consumer expects.
func (s *Session) EmitTerminal(clk clock.Clock, state, message string, progress int) {
	s.Emit(clk, state, message, progress)
	now := clk.Now()
	s.queue.push(Event{
		Event:     state,
		ID:        s.ID,
		State:     state,
		Message:   message,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
}

// EmitLog enqueues a "log" event without altering the state/phase/
// progress triple — used for compose output lines forwarded verbatim.
func (s *Session) EmitLog(clk clock.Clock, message string) {
	s.mu.Lock()
	state := s.state
	s.logTail = append(s.logTail, message)
	if len(s.logTail) > logTailLimit {
		s.logTail = s.logTail[len(s.logTail)-logTailLimit:]
	}
	s.mu.Unlock()

	s.writeLog(message)
	s.queue.push(Event{
		Event:     "log",
		ID:        s.ID,
		State:     state,
		Message:   message,
		Timestamp: clk.Now().UTC().Format(time.RFC3339Nano),
	})
}

// AppendTail appends message to the bounded log tail and the log file,
// without pushing anything to the SSE queue — used for compose output
// lines that are not forwardable but should still be retained for
// Status()/log-file inspection.
func (s *Session) AppendTail(message string) {
	s.mu.Lock()
	s.logTail = append(s.logTail, message)
	if len(s.logTail) > logTailLimit {
		s.logTail = s.logTail[len(s.logTail)-logTailLimit:]
	}
	s.mu.Unlock()

	s.writeLog(message)
}

func (s *Session) writeLog(line string) {
	if s.LogPath == "" {
		return
	}
	f, err := os.OpenFile(s.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}

// InitEvent is the synthetic event an SSE consumer receives immediately
// upon subscribing, before any relayed queue events.
func (s *Session) InitEvent() Event {
	return Event{Event: "init", ID: s.ID, State: s.State()}
}

// Next blocks for the next queued event, or returns ok=false if ctx is
// cancelled. Only one goroutine may call Next on a given session at a
// time — the single-consumer rule.
func (s *Session) Next(ctx context.Context) (Event, bool) {
	return s.queue.pop(ctx)
}

// PushHeartbeat enqueues a heartbeat progress event carrying the
// session's current state, without touching progress or phase.
func (s *Session) PushHeartbeat(clk clock.Clock) {
	s.queue.push(Event{
		Event:     "progress",
		ID:        s.ID,
		State:     s.State(),
		Message:   "heartbeat",
		Timestamp: clk.Now().UTC().Format(time.RFC3339Nano),
	})
}

// RunHeartbeat posts a heartbeat on every tick of interval until ctx is
// cancelled; callers tie ctx to the SSE response's request context so it
// stops as soon as the consumer disconnects.
func (s *Session) RunHeartbeat(ctx context.Context, clk clock.Clock, interval time.Duration) {
	for {
		select {
		case <-clk.After(interval):
			s.PushHeartbeat(clk)
		case <-ctx.Done():
			return
		}
	}
}

// CloseQueue marks the queue closed so a blocked Next call returns.
// Called once a session's terminal event has been enqueued and no
// further writers remain.
func (s *Session) CloseQueue() {
	s.queue.close()
}
