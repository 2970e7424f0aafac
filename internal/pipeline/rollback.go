package pipeline

import (
	"context"
	"fmt"

	"github.com/canopyos/updater/internal/pinned"
	"github.com/canopyos/updater/internal/session"
	"github.com/canopyos/updater/internal/version"
)

// rollback restores the primary services to their pre-update images
// after a failed recreate or healthcheck. It emits synthetic recreate
// and healthcheck phase events but never changes the session's terminal
// outcome — the caller still marks the session failed once rollback
// returns, successful or not, per the compensating-action contract.
func (u *Update) rollback(ctx context.Context, sess *session.Session, previous map[string]version.ServiceView) int {
	pinTargets := make(map[string]pinned.Target, len(previous))
	for svc, view := range previous {
		if view.Repo != "" && view.Digest != "" {
			pinTargets[svc] = pinned.Target{Repo: view.Repo, Digest: view.Digest}
		}
	}
	if len(pinTargets) == 0 {
		sess.Emit(u.Clock, "failed", "Rollback skipped: no previous image digests captured (fresh install)", 0)
		return 0
	}

	sess.Emit(u.Clock, "recreate", "Rolling back to previous images", 90)
	if err := pinned.Write(u.Cfg.PinnedOverridePath(), pinTargets); err != nil {
		sess.Emit(u.Clock, "recreate", fmt.Sprintf("rollback failed to write pinned override: %v", err), 90)
		return 90
	}

	services := make([]string, 0, len(pinTargets))
	for svc := range pinTargets {
		services = append(services, svc)
	}
	args := append([]string{"up", "-d", "--force-recreate"}, services...)
	code, err := u.Compose.Invoke(ctx, args,
		func(line string) { sess.EmitLog(u.Clock, line) },
		sess.AppendTail)
	if err != nil || code != 0 {
		sess.Emit(u.Clock, "recreate", fmt.Sprintf("rollback compose up failed: %v (exit %d)", err, code), 90)
		return 90
	}

	sess.Emit(u.Clock, "healthcheck", "Waiting for rolled-back services to become healthy", 95)
	ok := u.Health.WaitHealthy(ctx, u.Clock, u.Cfg.HealthServices, u.Cfg.HealthTimeout,
		func() bool { return sess.CancelRequested() },
		func(msg string) { sess.Emit(u.Clock, "healthcheck", msg, 97) })
	if ok {
		sess.Emit(u.Clock, "healthcheck", "Rollback successful, previous images healthy", 100)
		return 100
	}
	sess.Emit(u.Clock, "healthcheck", "Rollback completed but services did not become healthy", 95)
	return 95
}
