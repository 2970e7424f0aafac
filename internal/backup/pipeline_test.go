package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/canopyos/updater/internal/runner"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time                  { return c.now }
func (c fixedClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }
func (c fixedClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

type fakeExecer struct {
	execCalls [][]string
	execFunc  func(container string, argv []string) (bool, error)
	copyFrom  []string
	copyTo    []string
}

func (f *fakeExecer) ExecInContainer(_ context.Context, container string, argv []string, onLine runner.OnLine) (bool, error) {
	f.execCalls = append(f.execCalls, append([]string{container}, argv...))
	if onLine != nil {
		onLine("ran " + strings.Join(argv, " "))
	}
	if f.execFunc != nil {
		return f.execFunc(container, argv)
	}
	return true, nil
}

// CopyFromContainer mimics "docker cp": if dst is an existing directory
// the payload lands inside it, otherwise dst is treated as the
// destination file itself (its parent directory is created as needed).
func (f *fakeExecer) CopyFromContainer(_ context.Context, container, src, dst string, onLine runner.OnLine) error {
	f.copyFrom = append(f.copyFrom, container+":"+src+" -> "+dst)
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		return os.WriteFile(filepath.Join(dst, "copied.bin"), []byte("data"), 0o644)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte("data"), 0o644)
}

func (f *fakeExecer) CopyToContainer(_ context.Context, src, container, dst string, onLine runner.OnLine) error {
	f.copyTo = append(f.copyTo, src+" -> "+container+":"+dst)
	return nil
}

type fakeComposeInvoker struct {
	calls   [][]string
	failOn  string
	invoked func(args []string) (int, error)
}

func (f *fakeComposeInvoker) Invoke(_ context.Context, args []string, onLog, onTail func(string)) (int, error) {
	f.calls = append(f.calls, args)
	if f.invoked != nil {
		return f.invoked(args)
	}
	if f.failOn != "" && len(args) > 0 && args[0] == f.failOn {
		return 1, nil
	}
	return 0, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeExecer, *fakeComposeInvoker) {
	t.Helper()
	execer := &fakeExecer{}
	compose := &fakeComposeInvoker{}
	store := &Store{Root: t.TempDir()}
	p := &Pipeline{
		Runner:  execer,
		Compose: compose,
		Store:   store,
		Clock:   fixedClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	return p, execer, compose
}

func TestRunGenerationBacksUpAllScopeItems(t *testing.T) {
	p, execer, _ := newTestPipeline(t)
	var logs []string
	err := p.RunGeneration(context.Background(), []string{"postgres", "influx", "config"}, func(l string) { logs = append(logs, l) })
	if err != nil {
		t.Fatalf("RunGeneration: %v", err)
	}

	dumpPath := filepath.Join(p.Store.Root, "20240301T090000", "postgres", "backup.dump")
	if _, err := os.Stat(dumpPath); err != nil {
		t.Errorf("expected postgres dump copied out: %v", err)
	}

	foundPgDump, foundInfluxBackup, foundConfigCopy := false, false, false
	for _, call := range execer.execCalls {
		joined := strings.Join(call, " ")
		if strings.Contains(joined, "pg_dump") {
			foundPgDump = true
		}
		if strings.Contains(joined, "influx backup") {
			foundInfluxBackup = true
		}
	}
	for _, c := range execer.copyFrom {
		if strings.Contains(c, "backend:/home/canopyos/config/.") {
			foundConfigCopy = true
		}
	}
	if !foundPgDump || !foundInfluxBackup || !foundConfigCopy {
		t.Errorf("missing expected backup steps: pgDump=%v influx=%v config=%v", foundPgDump, foundInfluxBackup, foundConfigCopy)
	}

	target, err := os.Readlink(filepath.Join(p.Store.Root, "latest"))
	if err != nil || target != "20240301T090000" {
		t.Errorf("latest symlink = %q, %v", target, err)
	}
}

func TestRunGenerationAbortsScopeOnSubStepFailure(t *testing.T) {
	p, execer, _ := newTestPipeline(t)
	execer.execFunc = func(container string, argv []string) (bool, error) {
		if container == influxContainer {
			return false, nil
		}
		return true, nil
	}

	err := p.RunGeneration(context.Background(), []string{"postgres", "influx", "config"}, func(string) {})
	if err == nil {
		t.Fatal("expected RunGeneration to fail when the influx backup step fails")
	}
	if !strings.Contains(err.Error(), "influx") {
		t.Errorf("error = %v, want it to mention influx", err)
	}

	for _, c := range execer.copyFrom {
		if strings.Contains(c, "backend:") {
			t.Error("config step should not have run after the influx step failed")
		}
	}

	if _, err := os.Lstat(filepath.Join(p.Store.Root, "latest")); err == nil {
		t.Error("latest symlink should not be updated when the generation fails")
	}
}

func TestRunGenerationPrunesOldGenerations(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	for _, ts := range []string{"20240101T000000", "20240102T000000", "20240103T000000"} {
		os.MkdirAll(filepath.Join(p.Store.Root, ts, "config"), 0o755)
	}

	if err := p.RunGeneration(context.Background(), []string{"config"}, func(string) {}); err != nil {
		t.Fatalf("RunGeneration: %v", err)
	}

	entries, _ := os.ReadDir(p.Store.Root)
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) != retainGenerations {
		t.Errorf("remaining generations = %v, want %d", dirs, retainGenerations)
	}
}

func TestRestoreStopsCopiesInAndBringsServicesBackUp(t *testing.T) {
	p, execer, compose := newTestPipeline(t)
	os.MkdirAll(filepath.Join(p.Store.Root, "20240301T090000", "postgres"), 0o755)
	os.WriteFile(filepath.Join(p.Store.Root, "20240301T090000", "postgres", "backup.dump"), []byte("x"), 0o644)
	os.Symlink("20240301T090000", filepath.Join(p.Store.Root, "latest"))

	waitCalled := false
	err := p.Restore(context.Background(), "latest", []string{"postgres"}, func(string) {},
		func(ctx context.Context, names []string, deadline time.Duration) bool {
			waitCalled = true
			return true
		})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !waitCalled {
		t.Error("expected waitHealthy to be invoked after bringing services back up")
	}

	var sawStop, sawUp bool
	for _, call := range compose.calls {
		if len(call) > 0 && call[0] == "stop" {
			sawStop = true
		}
		if len(call) > 0 && call[0] == "up" {
			sawUp = true
		}
	}
	if !sawStop || !sawUp {
		t.Errorf("expected both stop and up compose invocations, got %v", compose.calls)
	}

	foundRestore := false
	for _, call := range execer.execCalls {
		if strings.Contains(strings.Join(call, " "), "pg_restore") {
			foundRestore = true
		}
	}
	if !foundRestore {
		t.Error("expected pg_restore to run against the postgres container")
	}
}
