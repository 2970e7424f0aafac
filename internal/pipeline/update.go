// Package pipeline implements the update and rollback state machine: it
// sequences preflight, backup, workspace sync, image pull, digest
// verification, migration, service recreation, health polling, and
// finalize, compensating with a rollback when recreate or healthcheck
// fails.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/canopyos/updater/internal/clock"
	"github.com/canopyos/updater/internal/config"
	"github.com/canopyos/updater/internal/pinned"
	"github.com/canopyos/updater/internal/registry"
	"github.com/canopyos/updater/internal/session"
	"github.com/canopyos/updater/internal/version"
)

// BackupRunner is the subset of *backup.Pipeline the update pipeline
// needs to snapshot state before syncing and pulling new images.
type BackupRunner interface {
	RunGeneration(ctx context.Context, scope []string, onLog func(string)) error
}

// MetricsRecorder is the subset of *metrics.Metrics the pipeline reports
// through. A nil MetricsRecorder is valid: recording is best-effort and
// never fails a session.
type MetricsRecorder interface {
	ObserveDuration(class string, d time.Duration)
	IncOutcome(class, outcome string)
}

// Notifier fires a best-effort notification on terminal pipeline events.
// A nil Notifier is valid.
type Notifier interface {
	Notify(ctx context.Context, eventType, message string)
}

// Update runs the full update state machine described by the update
// pipeline's phase table.
type Update struct {
	Cfg      *config.Config
	Runner   CommandRunner
	Registry *registry.Client
	Resolver *version.Resolver
	Compose  *ComposeRunner
	Syncer   *Syncer
	Health   *HealthPoller
	Backup   BackupRunner
	Metrics  MetricsRecorder
	Notify   Notifier
	Clock    clock.Clock
}

// Request carries the optional parameters accepted by POST /update/start.
type Request struct {
	TargetVersion string
	Channel       string
	Force         bool
}

// digestMismatchError's Error() is the exact user-facing message a
// digest verification failure surfaces on the session and the stream.
type digestMismatchError struct {
	service    string
	want, got  string
}

func (e *digestMismatchError) Error() string {
	return fmt.Sprintf("Digest verification failed for %s: want %s, got %s", e.service, e.want, e.got)
}

func (e *digestMismatchError) Unwrap() error { return ErrVerify }

// Run executes the update pipeline against sess until it reaches a
// terminal state or ctx is cancelled. Callers spawn it as a detached
// goroutine immediately after winning the update single-flight gate.
func (u *Update) Run(ctx context.Context, sess *session.Session, req Request) {
	start := u.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			u.fail(ctx, sess, fmt.Sprintf("internal error: %v", r), 0)
		}
	}()

	services := u.managedServices()

	// preflight: confirm the runtime is reachable and capture the
	// current (repo, digest) pair for every primary service, needed if
	// this run has to roll back later.
	sess.Emit(u.Clock, "preflight", "Validating environment", 5)
	if _, err := u.Runner.ResolveDockerBin(); err != nil {
		u.fail(ctx, sess, fmt.Sprintf("docker binary unavailable: %v", err), 5)
		return
	}
	previous, err := u.capturePrevious(ctx)
	if err != nil {
		u.fail(ctx, sess, fmt.Sprintf("failed to capture current versions: %v", err), 5)
		return
	}
	if u.cancelled(sess) {
		return
	}

	// backup: snapshot postgres, influx, and config before touching
	// anything, so a failed update still has something to restore to.
	sess.Emit(u.Clock, "backup", "Creating pre-update backup", 15)
	if u.Backup != nil {
		if err := u.Backup.RunGeneration(ctx, []string{"postgres", "influx", "config"}, func(line string) {
			sess.EmitLog(u.Clock, line)
		}); err != nil {
			u.fail(ctx, sess, fmt.Sprintf("backup failed: %v", err), 15)
			return
		}
	}
	if u.cancelled(sess) {
		return
	}

	// sync: pull the latest deployment tree over the workspace.
	sess.Emit(u.Clock, "sync", "Syncing workspace", 25)
	if u.Syncer != nil {
		if err := u.Syncer.Sync(ctx, u.Clock, func(line string) {
			sess.EmitLog(u.Clock, line)
		}); err != nil {
			u.fail(ctx, sess, fmt.Sprintf("workspace sync failed: %v", err), 25)
			return
		}
	}
	sess.Emit(u.Clock, "sync", "Workspace sync complete", 30)
	if u.cancelled(sess) {
		return
	}

	// pull: fetch new images for the managed services.
	sess.Emit(u.Clock, "pull", "Pulling images", 40)
	code, err := u.Compose.Invoke(ctx, append([]string{"pull"}, services...),
		func(line string) { sess.EmitLog(u.Clock, line) },
		sess.AppendTail)
	if err != nil || code != 0 {
		u.fail(ctx, sess, fmt.Sprintf("compose pull failed: %v (exit %d)", err, code), 40)
		return
	}
	if u.cancelled(sess) {
		return
	}

	// verify: resolve this update's targets and confirm the pulled
	// images' digests match before anything is recreated.
	targets, err := u.Resolver.GetTargetForServices(ctx, services, req.Channel, req.TargetVersion)
	if err != nil {
		u.fail(ctx, sess, fmt.Sprintf("failed to resolve update targets: %v", err), 40)
		return
	}
	if err := u.verify(ctx, sess, previous, targets); err != nil {
		u.fail(ctx, sess, err.Error(), 60)
		return
	}
	if u.cancelled(sess) {
		return
	}

	// migrate: run database migrations against the freshly-pulled image.
	sess.Emit(u.Clock, "migrate", "Running migrations", 60)
	code, err = u.Compose.Invoke(ctx, []string{"run", "--rm", "migrations", "upgrade"},
		func(line string) { sess.EmitLog(u.Clock, line) },
		sess.AppendTail)
	if err != nil || code != 0 {
		u.fail(ctx, sess, fmt.Sprintf("migration failed: %v (exit %d)", err, code), 60)
		return
	}
	if u.cancelled(sess) {
		return
	}

	// recreate: pin the resolved targets and bring the managed services
	// up against them, forcing recreation.
	sess.Emit(u.Clock, "recreate", "Recreating services", 85)
	pinTargets := make(map[string]pinned.Target, len(targets))
	for svc, t := range targets {
		pinTargets[svc] = pinned.Target{Repo: t.Repo, Digest: t.Digest}
	}
	if err := pinned.Write(u.Cfg.PinnedOverridePath(), pinTargets); err != nil {
		u.fail(ctx, sess, fmt.Sprintf("failed to write pinned override: %v", err), 85)
		return
	}
	args := append([]string{"up", "-d", "--no-build", "--no-deps", "--force-recreate", "--remove-orphans"}, services...)
	code, err = u.Compose.Invoke(ctx, args,
		func(line string) { sess.EmitLog(u.Clock, line) },
		sess.AppendTail)
	if err != nil || code != 0 {
		u.failWithRollback(ctx, sess, previous, fmt.Sprintf("recreate failed: %v (exit %d)", err, code))
		return
	}

	// healthcheck: poll until the critical services report healthy.
	sess.Emit(u.Clock, "healthcheck", "Waiting for services to become healthy", 90)
	ok := u.Health.WaitHealthy(ctx, u.Clock, u.Cfg.HealthServices, u.Cfg.HealthTimeout,
		func() bool { return sess.CancelRequested() },
		func(msg string) { sess.Emit(u.Clock, "healthcheck", msg, 95) })
	if !ok {
		if sess.CancelRequested() {
			return
		}
		u.failWithRollback(ctx, sess, previous, "services did not become healthy before the deadline")
		return
	}
	sess.Emit(u.Clock, "healthcheck", "All services healthy", 95)

	// finalize: rebuild the updater itself. Non-fatal on failure — the
	// managed services have already been successfully updated.
	sess.Emit(u.Clock, "finalize", "Rebuilding updater", 95)
	code, err = u.Compose.Invoke(ctx, []string{"up", "-d", "--no-deps", "--build", "updater"}, nil,
		sess.AppendTail)
	if err != nil || code != 0 {
		sess.Emit(u.Clock, "finalize", fmt.Sprintf("warning: updater rebuild failed: %v", err), 95)
	}

	if u.Notify != nil {
		u.Notify.Notify(ctx, "update_succeeded", "update completed successfully")
	}
	if u.Metrics != nil {
		u.Metrics.ObserveDuration("update", u.Clock.Since(start))
		u.Metrics.IncOutcome("update", "success")
	}
	sess.EmitTerminal(u.Clock, "completed", "Update completed successfully", 100)
}

// managedServices resolves the set of compose services this run touches:
// UPDATE_INCLUDE entirely overrides UPDATE_EXCLUDE when set (per the
// source's behavior, preserved rather than hardened with a self-upgrade
// guard); otherwise defaults come from docker-compose.yml minus excludes.
func (u *Update) managedServices() []string {
	if len(u.Cfg.UpdateInclude) > 0 {
		return u.Cfg.UpdateInclude
	}
	defaults, err := pinned.DefaultServices(filepath.Join(u.Cfg.WorkDir, "docker-compose.yml"))
	if err != nil {
		return nil
	}
	exclude := make(map[string]bool, len(u.Cfg.UpdateExclude))
	for _, e := range u.Cfg.UpdateExclude {
		exclude[e] = true
	}
	out := make([]string, 0, len(defaults))
	for _, svc := range defaults {
		if !exclude[svc] {
			out = append(out, svc)
		}
	}
	return out
}

// capturePrevious records each primary service's currently-running
// (image, repo, digest) view, used both for post-pull verification and
// as the rollback target if recreate or healthcheck later fails.
func (u *Update) capturePrevious(ctx context.Context) (map[string]version.ServiceView, error) {
	primary := version.PrimaryServices()
	views, err := u.Resolver.CurrentVersions(ctx, primary)
	if err != nil {
		return nil, err
	}
	out := make(map[string]version.ServiceView, len(primary))
	for _, svc := range primary {
		out[svc] = views[version.ViewKeyFor(svc)]
	}
	return out, nil
}

// verify re-inspects each primary service's pulled image and confirms
// its digest matches the resolved target, failing fast on the first
// mismatch rather than accumulating and reporting several.
func (u *Update) verify(ctx context.Context, sess *session.Session, previous map[string]version.ServiceView, targets map[string]version.TargetView) error {
	if len(targets) == 0 {
		sess.Emit(u.Clock, "verify", "No update targets resolved, skipping digest verification", 55)
		return nil
	}
	sess.Emit(u.Clock, "verify", "Verifying pulled image digests", 45)

	for _, svc := range version.PrimaryServices() {
		target, ok := targets[svc]
		if !ok || target.Digest == "" {
			continue
		}
		imageRef := previous[svc].Image
		if imageRef == "" {
			imageRef = target.Repo
		}

		raw, err := u.Runner.InspectJSON(ctx, imageRef)
		if err != nil {
			return fmt.Errorf("%w: inspect pulled image %s: %v", ErrVerify, imageRef, err)
		}
		var entries []struct {
			RepoDigests []string `json:"RepoDigests"`
		}
		if err := json.Unmarshal(raw, &entries); err != nil || len(entries) == 0 {
			return fmt.Errorf("%w: could not parse inspect output for %s", ErrVerify, imageRef)
		}
		got := repoDigestForRef(entries[0].RepoDigests, target.Repo)
		if got == "" {
			continue
		}
		if !registry.DigestsEqual(got, target.Digest) {
			return &digestMismatchError{service: svc, want: target.Digest, got: got}
		}
	}

	sess.Emit(u.Clock, "verify", "Digest verification passed", 60)
	return nil
}

// repoDigestForRef picks the RepoDigests entry whose repo portion
// matches repo.
func repoDigestForRef(repoDigests []string, repo string) string {
	for _, rd := range repoDigests {
		for i := len(rd) - 1; i >= 0; i-- {
			if rd[i] == '@' {
				if rd[:i] == repo {
					return rd[i+1:]
				}
				break
			}
		}
	}
	return ""
}

func (u *Update) cancelled(sess *session.Session) bool {
	return sess.CancelRequested()
}

func (u *Update) fail(ctx context.Context, sess *session.Session, message string, progress int) {
	if u.Notify != nil {
		u.Notify.Notify(ctx, "update_failed", message)
	}
	if u.Metrics != nil {
		u.Metrics.IncOutcome("update", "failed")
	}
	sess.EmitTerminal(u.Clock, "failed", message, progress)
}

func (u *Update) failWithRollback(ctx context.Context, sess *session.Session, previous map[string]version.ServiceView, message string) {
	progress := u.rollback(ctx, sess, previous)
	u.fail(ctx, sess, message, progress)
}
