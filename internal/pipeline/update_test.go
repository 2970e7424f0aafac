package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/canopyos/updater/internal/clock"
	"github.com/canopyos/updater/internal/config"
	"github.com/canopyos/updater/internal/registry"
	"github.com/canopyos/updater/internal/session"
	"github.com/canopyos/updater/internal/version"
)

func appInspect(repoDigest string) []byte {
	return []byte(fmt.Sprintf(`[{"Config":{"Image":"ghcr.io/canopyos/app:1.0.0"},"Image":"sha256:oldapp","RepoDigests":["ghcr.io/canopyos/app@%s"]}]`, repoDigest))
}

func backendInspect(repoDigest string) []byte {
	return []byte(fmt.Sprintf(`[{"Config":{"Image":"ghcr.io/canopyos/backend:1.0.0"},"State":{"Status":"running"},"Image":"sha256:oldbackend","RepoDigests":["ghcr.io/canopyos/backend@%s"]}]`, repoDigest))
}

// newHappyPathFixture builds an Update wired with fakes that complete
// every phase successfully, and a manifest server supplying both
// services' target digests.
func newHappyPathFixture(t *testing.T, appDigest, backendDigest string) (*Update, *fakeCommandRunner, *httptest.Server) {
	t.Helper()

	fake := &fakeCommandRunner{inspectJSON: map[string][]byte{
		"app":                            appInspect("sha256:old111"),
		"backend":                        backendInspect("sha256:old222"),
		"ghcr.io/canopyos/app:1.0.0":     appInspect(appDigest),
		"ghcr.io/canopyos/backend:1.0.0": backendInspect(backendDigest),
		"postgres":                       inspectPayload("running", "healthy"),
		"influxdb":                       inspectPayload("running", "healthy"),
	}}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":"2.0.0","services":{"app":"ghcr.io/canopyos/app:2.0.0","python_backend":"ghcr.io/canopyos/backend:2.0.0"},"digests":{"app":"sha256:aaa","python_backend":"sha256:bbb"}}`)
	}))
	t.Cleanup(server.Close)

	resolver := &version.Resolver{
		Runner:         fake,
		Registry:       &registry.Client{},
		ManifestURL:    server.URL,
		ChannelDefault: "stable",
		CacheTTL:       time.Hour,
		MinRefresh:     time.Minute,
	}

	dir := t.TempDir()
	cfg := &config.Config{
		WorkDir:        dir,
		ComposeProject: "canopyos",
		UpdateInclude:  []string{"app", "python_backend"},
		HealthServices: []string{"postgres", "influxdb", "backend"},
		HealthTimeout:  5 * time.Second,
	}

	u := &Update{
		Cfg:      cfg,
		Runner:   fake,
		Registry: &registry.Client{},
		Resolver: resolver,
		Compose:  &ComposeRunner{Runner: fake, WorkDir: dir, ProjectName: "canopyos", PinnedPath: cfg.PinnedOverridePath()},
		Health:   &HealthPoller{Runner: fake},
		Clock:    clock.Real{},
	}
	return u, fake, server
}

func drainEvents(t *testing.T, sess *session.Session, timeout time.Duration) []session.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var events []session.Event
	for {
		evt, ok := sess.Next(ctx)
		if !ok {
			return events
		}
		events = append(events, evt)
		if evt.Event == "completed" || evt.Event == "failed" {
			return events
		}
	}
}

func TestUpdateRunHappyPath(t *testing.T) {
	u, _, _ := newHappyPathFixture(t, "sha256:aaa", "sha256:bbb")
	sess := session.New("upd-1", session.KindUpdate, "preflight", "Starting", "", clock.Real{})

	done := make(chan struct{})
	go func() {
		u.Run(context.Background(), sess, Request{})
		close(done)
	}()

	events := drainEvents(t, sess, 5*time.Second)
	<-done

	if !sess.IsTerminal() || sess.State() != session.StateCompleted {
		t.Fatalf("final state = %q, want completed", sess.State())
	}
	if sess.Status().Progress != 100 {
		t.Errorf("final progress = %d, want 100", sess.Status().Progress)
	}

	var states []string
	for _, e := range events {
		if e.Event == "phase" {
			states = append(states, e.State)
		}
	}
	wantPrefix := []string{"preflight", "backup", "sync"}
	for i, want := range wantPrefix {
		if i >= len(states) || states[i] != want {
			t.Errorf("states = %v, want prefix %v", states, wantPrefix)
			break
		}
	}

	progressSoFar := -1
	for _, e := range events {
		if e.Event != "phase" {
			continue
		}
		if e.Progress < progressSoFar {
			t.Errorf("progress regressed: %v", events)
		}
		progressSoFar = e.Progress
	}
}

func TestUpdateRunDigestMismatchFailsWithoutRecreate(t *testing.T) {
	u, fake, _ := newHappyPathFixture(t, "sha256:WRONG", "sha256:bbb")
	sess := session.New("upd-2", session.KindUpdate, "preflight", "Starting", "", clock.Real{})

	u.Run(context.Background(), sess, Request{})

	if sess.State() != session.StateFailed {
		t.Fatalf("state = %q, want failed", sess.State())
	}
	status := sess.Status()
	if len(status.LogTail) == 0 {
		t.Fatal("expected a non-empty log tail")
	}
	if got := status.Phase; !strings.HasPrefix(got, "Digest verification failed for app") {
		t.Errorf("phase = %q, want prefix %q", got, "Digest verification failed for app")
	}

	for _, args := range fake.runArgs {
		joined := strings.Join(args, " ")
		if strings.Contains(joined, "force-recreate") {
			t.Errorf("unexpected recreate invocation after digest mismatch: %v", args)
		}
	}
}

func TestUpdateRunRecreateFailureTriggersRollback(t *testing.T) {
	u, fake, _ := newHappyPathFixture(t, "sha256:aaa", "sha256:bbb")
	fake.runFunc = func(argv []string) (int, error) {
		joined := strings.Join(argv, " ")
		if strings.Contains(joined, "--no-build") && strings.Contains(joined, "--force-recreate") {
			return 1, nil
		}
		return 0, nil
	}

	sess := session.New("upd-3", session.KindUpdate, "preflight", "Starting", "", clock.Real{})
	u.Run(context.Background(), sess, Request{})

	if sess.State() != session.StateFailed {
		t.Fatalf("state = %q, want failed even though rollback succeeded", sess.State())
	}
	if sess.Status().Progress != 100 {
		t.Errorf("progress = %d, want 100 after a successful rollback", sess.Status().Progress)
	}
	if !strings.Contains(sess.Status().Phase, "recreate failed") {
		t.Errorf("phase = %q, want it to mention the recreate failure", sess.Status().Phase)
	}

	sawRollbackRecreate := false
	for _, args := range fake.runArgs {
		joined := strings.Join(args, " ")
		if strings.Contains(joined, "--force-recreate") && !strings.Contains(joined, "--no-build") {
			sawRollbackRecreate = true
		}
	}
	if !sawRollbackRecreate {
		t.Error("expected rollback to issue its own compose up --force-recreate")
	}
}

func TestUpdateRunRespectsCancelBetweenPhases(t *testing.T) {
	u, _, _ := newHappyPathFixture(t, "sha256:aaa", "sha256:bbb")
	sess := session.New("upd-4", session.KindUpdate, "preflight", "Starting", "", clock.Real{})
	sess.RequestCancel()

	u.Run(context.Background(), sess, Request{})

	if sess.IsTerminal() {
		t.Error("a cooperative cancel should leave the session non-terminal, reflecting the last phase")
	}
}

func TestManagedServicesIncludeOverridesExclude(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		WorkDir:       dir,
		UpdateInclude: []string{"updater"},
		UpdateExclude: []string{"updater"},
	}
	u := &Update{Cfg: cfg}
	got := u.managedServices()
	if len(got) != 1 || got[0] != "updater" {
		t.Errorf("managedServices() = %v, want [updater] since UPDATE_INCLUDE overrides UPDATE_EXCLUDE", got)
	}
}

func TestManagedServicesAppliesExcludeOverDefaults(t *testing.T) {
	dir := t.TempDir()
	compose := `
services:
  app:
    image: a
  updater:
    image: b
`
	writeFile(t, filepath.Join(dir, "docker-compose.yml"), compose)
	cfg := &config.Config{WorkDir: dir, UpdateExclude: []string{"updater"}}
	u := &Update{Cfg: cfg}
	got := u.managedServices()
	if len(got) != 1 || got[0] != "app" {
		t.Errorf("managedServices() = %v, want [app]", got)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
