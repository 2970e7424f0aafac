// Package maintenance runs the periodic background housekeeping the
// request-triggered pipelines don't do on their own: refreshing the
// cached "latest version" view, sweeping stale single-flight gates, and
// pruning old backup generations. Every sweep calls the exact same
// functions the HTTP handlers call synchronously, so behavior is
// identical whether it fires from a cron tick or from a request.
package maintenance

import (
	"context"

	cron "github.com/robfig/cron/v3"

	"github.com/canopyos/updater/internal/logging"
	"github.com/canopyos/updater/internal/singleflight"
)

// LatestRefresher refreshes the cached view of the newest available
// version for every managed service.
type LatestRefresher interface {
	RefreshLatest(ctx context.Context) error
}

// GateSweeper clears a single-flight gate that has been held past its
// holder's lifetime, e.g. by a crashed goroutine. lookup reports whether
// the gate's current holder is still a live, non-terminal session.
type GateSweeper interface {
	CleanupStale(lookup singleflight.SessionLookup)
}

// BackupPruner prunes old backup generations down to the retention
// policy's keep count.
type BackupPruner interface {
	Prune(keep int) error
}

// Scheduler runs maintenance sweeps on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	log  *logging.Logger

	Latest           LatestRefresher
	UpdateGate       GateSweeper
	UpdateGateLookup singleflight.SessionLookup
	BackupGate       GateSweeper
	BackupGateLookup singleflight.SessionLookup
	Backups          BackupPruner
	RetainCount      int

	// TextfilePath, when set, is written on every sweep with the current
	// metrics snapshot via WriteTextfile (node_exporter's textfile
	// collector convention). Left empty, this step is skipped.
	TextfilePath  string
	WriteTextfile func(path string) error
}

// NewScheduler creates a Scheduler using standard five-field cron
// expressions (minute hour dom month dow).
func NewScheduler(log *logging.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log,
	}
}

// Start registers the maintenance sweep against spec and starts the
// underlying cron scheduler. spec is a standard five-field cron
// expression, e.g. "*/15 * * * *" for every 15 minutes.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() { s.sweep(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow runs one sweep immediately, outside the cron schedule. Useful
// at startup so the cache isn't empty until the first tick.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.log.Info("running maintenance sweep")

	if s.Latest != nil {
		if err := s.Latest.RefreshLatest(ctx); err != nil {
			s.log.Warn("latest version refresh failed", "error", err)
		}
	}
	if s.UpdateGate != nil && s.UpdateGateLookup != nil {
		s.UpdateGate.CleanupStale(s.UpdateGateLookup)
	}
	if s.BackupGate != nil && s.BackupGateLookup != nil {
		s.BackupGate.CleanupStale(s.BackupGateLookup)
	}
	if s.Backups != nil && s.RetainCount > 0 {
		if err := s.Backups.Prune(s.RetainCount); err != nil {
			s.log.Warn("backup retention pruning failed", "error", err)
		}
	}
	if s.WriteTextfile != nil && s.TextfilePath != "" {
		if err := s.WriteTextfile(s.TextfilePath); err != nil {
			s.log.Warn("writing metrics textfile failed", "error", err)
		}
	}

	s.log.Info("maintenance sweep complete")
}
