package maintenance

import (
	"context"
	"errors"
	"testing"

	"github.com/canopyos/updater/internal/logging"
	"github.com/canopyos/updater/internal/singleflight"
)

type fakeLatestRefresher struct {
	calls int
	err   error
}

func (f *fakeLatestRefresher) RefreshLatest(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeBackupPruner struct {
	keptAt []int
	err    error
}

func (f *fakeBackupPruner) Prune(keep int) error {
	f.keptAt = append(f.keptAt, keep)
	return f.err
}

func TestRunNowRefreshesLatestAndPrunesBackups(t *testing.T) {
	refresher := &fakeLatestRefresher{}
	pruner := &fakeBackupPruner{}
	s := NewScheduler(logging.New(false))
	s.Latest = refresher
	s.Backups = pruner
	s.RetainCount = 2

	s.RunNow(context.Background())

	if refresher.calls != 1 {
		t.Errorf("RefreshLatest calls = %d, want 1", refresher.calls)
	}
	if len(pruner.keptAt) != 1 || pruner.keptAt[0] != 2 {
		t.Errorf("Prune calls = %v, want a single call with keep=2", pruner.keptAt)
	}
}

func TestRunNowSkipsPruneWhenRetainCountUnset(t *testing.T) {
	pruner := &fakeBackupPruner{}
	s := NewScheduler(logging.New(false))
	s.Backups = pruner

	s.RunNow(context.Background())

	if len(pruner.keptAt) != 0 {
		t.Errorf("expected Prune not to run with RetainCount unset, got %v", pruner.keptAt)
	}
}

func TestRunNowToleratesRefreshAndPruneFailures(t *testing.T) {
	refresher := &fakeLatestRefresher{err: errors.New("registry unreachable")}
	pruner := &fakeBackupPruner{err: errors.New("disk full")}
	s := NewScheduler(logging.New(false))
	s.Latest = refresher
	s.Backups = pruner
	s.RetainCount = 2

	s.RunNow(context.Background())
}

type fakeGate struct {
	cleaned bool
}

func (g *fakeGate) CleanupStale(lookup singleflight.SessionLookup) {
	g.cleaned = true
	lookup("whatever")
}

func TestRunNowSweepsBothGatesWhenLookupsConfigured(t *testing.T) {
	update := &fakeGate{}
	backup := &fakeGate{}
	s := NewScheduler(logging.New(false))
	s.UpdateGate = update
	s.UpdateGateLookup = func(string) (bool, bool) { return true, false }
	s.BackupGate = backup
	s.BackupGateLookup = func(string) (bool, bool) { return false, false }

	s.RunNow(context.Background())

	if !update.cleaned || !backup.cleaned {
		t.Errorf("expected both gates swept, got update=%v backup=%v", update.cleaned, backup.cleaned)
	}
}

func TestStartRejectsInvalidCronSpec(t *testing.T) {
	s := NewScheduler(logging.New(false))
	if err := s.Start(context.Background(), "not a cron spec"); err == nil {
		s.Stop()
		t.Fatal("expected an error for an invalid cron spec")
	}
}

func TestStartAcceptsValidCronSpec(t *testing.T) {
	s := NewScheduler(logging.New(false))
	if err := s.Start(context.Background(), "*/15 * * * *"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
