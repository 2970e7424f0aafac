package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/canopyos/updater/internal/pinned"
	"github.com/canopyos/updater/internal/runner"
)

// logMarkers are the substrings a compose output line must contain to be
// forwarded to the SSE bus as a "log" event; every other line still goes
// to the session's tail and log-file mirror, just not the stream.
var logMarkers = []string{"Pulling", "Pulled", "Downloading", "Extracting", "Complete", "complete", "already"}

func isForwardable(line string) bool {
	for _, marker := range logMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// CommandRunner is the subset of *runner.Runner the pipeline's compose
// and health helpers need; a narrow interface so tests can substitute a
// fake without shelling out to docker.
type CommandRunner interface {
	ResolveDockerBin() (string, error)
	Run(ctx context.Context, argv []string, cwd string, env []string, onLine runner.OnLine) (int, error)
	InspectJSON(ctx context.Context, name string) ([]byte, error)
}

// ComposeRunner invokes `docker compose` with the project name and, when
// applicable, the pinned override auto-attached.
type ComposeRunner struct {
	Runner      CommandRunner
	WorkDir     string
	ProjectName string
	PinnedPath  string
	Timeout     time.Duration
}

// Invoke runs `docker compose <args...>`, injecting -p <project> and,
// when the caller did not already pass explicit -f flags and a pinned
// override file exists, "-f docker-compose.yml -f docker-compose.pinned.yml".
// onLog receives only lines matching logMarkers; onTail receives every
// line. Returns the compose process's exit code.
func (c *ComposeRunner) Invoke(ctx context.Context, args []string, onLog, onTail func(string)) (int, error) {
	dockerBin, err := c.Runner.ResolveDockerBin()
	if err != nil {
		return -1, err
	}

	full := []string{dockerBin, "compose", "-p", c.ProjectName}
	if !hasFileFlag(args) && pinned.Exists(c.PinnedPath) {
		full = append(full, "-f", filepath.Join(c.WorkDir, "docker-compose.yml"), "-f", c.PinnedPath)
	}
	full = append(full, args...)

	runCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	return c.Runner.Run(runCtx, full, c.WorkDir, nil, func(line string) {
		if onTail != nil {
			onTail(line)
		}
		if onLog != nil && isForwardable(line) {
			onLog(line)
		}
	})
}

func hasFileFlag(args []string) bool {
	for _, a := range args {
		if a == "-f" || a == "--file" {
			return true
		}
	}
	return false
}
