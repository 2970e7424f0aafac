// Package runner spawns external commands (the container-runtime CLI and
// archive tools) and streams their combined output line-by-line.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// candidateBins is consulted, in order, after DOCKER_BIN and PATH both fail.
var candidateBins = []string{"/usr/local/bin/docker", "/usr/bin/docker", "/usr/bin/docker.io"}

// ErrDockerBinNotFound means no container-runtime binary could be located.
var ErrDockerBinNotFound = fmt.Errorf("docker binary not found: checked DOCKER_BIN, PATH, and %v", candidateBins)

// Runner executes external commands on behalf of the pipelines.
type Runner struct {
	// dockerBinOverride is DOCKER_BIN from config, empty to auto-discover.
	dockerBinOverride string

	mu       sync.Mutex
	resolved string // cached result of ResolveDockerBin
}

// New creates a Runner. dockerBinOverride is the DOCKER_BIN env value, or
// empty to fall back to PATH lookup and the fixed candidate list.
func New(dockerBinOverride string) *Runner {
	return &Runner{dockerBinOverride: dockerBinOverride}
}

// ResolveDockerBin finds the container-runtime CLI, consulting DOCKER_BIN,
// then PATH, then a fixed candidate list. The result is cached.
func (r *Runner) ResolveDockerBin() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved != "" {
		return r.resolved, nil
	}

	if r.dockerBinOverride != "" {
		if _, err := os.Stat(r.dockerBinOverride); err == nil {
			r.resolved = r.dockerBinOverride
			return r.resolved, nil
		}
	}
	if path, err := exec.LookPath("docker"); err == nil {
		r.resolved = path
		return r.resolved, nil
	}
	for _, candidate := range candidateBins {
		if _, err := os.Stat(candidate); err == nil {
			r.resolved = candidate
			return r.resolved, nil
		}
	}
	return "", ErrDockerBinNotFound
}

// OnLine is called once per trimmed, UTF-8-sanitized output line.
type OnLine func(line string)

// lineWriter splits writes on '\n', trims trailing '\r', replaces invalid
// UTF-8, and forwards each complete line to onLine.
type lineWriter struct {
	onLine OnLine
	buf    strings.Builder
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		idx := strings.IndexByte(string(p), '\n')
		if idx < 0 {
			w.buf.Write(p)
			break
		}
		w.buf.Write(p[:idx])
		w.emit()
		p = p[idx+1:]
	}
	return n, nil
}

func (w *lineWriter) emit() {
	line := strings.TrimSuffix(w.buf.String(), "\r")
	w.buf.Reset()
	line = strings.ToValidUTF8(line, "�")
	if w.onLine != nil {
		w.onLine(line)
	}
}

func (w *lineWriter) Close() {
	if w.buf.Len() > 0 {
		w.emit()
	}
}

// Run spawns argv[0] with argv[1:] in cwd with the given environment
// (nil means inherit os.Environ()), streaming merged stdout+stderr to
// onLine. ctx bounds the command's lifetime; on expiry the spawned
// process is sent SIGKILL and Run returns -1 with the context's error.
// Otherwise returns the process exit code.
func (r *Runner) Run(ctx context.Context, argv []string, cwd string, env []string, onLine OnLine) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("run: empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
	if cwd != "" {
		cmd.Dir = cwd
	}
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}

	lw := &lineWriter{onLine: onLine}
	cmd.Stdout = lw
	cmd.Stderr = lw

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", argv[0], err)
	}

	err := cmd.Wait()
	lw.Close()

	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, fmt.Errorf("run %s: %w", argv[0], ctx.Err())
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("run %s: %w", argv[0], err)
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// ExecInContainer runs argv inside the named container via "docker exec"
// and reports whether it exited zero.
func (r *Runner) ExecInContainer(ctx context.Context, containerName string, argv []string, onLine OnLine) (bool, error) {
	dockerBin, err := r.ResolveDockerBin()
	if err != nil {
		return false, err
	}
	full := append([]string{dockerBin, "exec", containerName}, argv...)
	code, err := r.Run(ctx, full, "", nil, onLine)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// CopyFromContainer runs "docker cp <container>:<src> <dst>".
func (r *Runner) CopyFromContainer(ctx context.Context, containerName, src, dst string, onLine OnLine) error {
	dockerBin, err := r.ResolveDockerBin()
	if err != nil {
		return err
	}
	code, err := r.Run(ctx, []string{dockerBin, "cp", containerName + ":" + src, dst}, "", nil, onLine)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("docker cp %s:%s -> %s exited %d", containerName, src, dst, code)
	}
	return nil
}

// CopyToContainer runs "docker cp <src> <container>:<dst>".
func (r *Runner) CopyToContainer(ctx context.Context, src, containerName, dst string, onLine OnLine) error {
	dockerBin, err := r.ResolveDockerBin()
	if err != nil {
		return err
	}
	code, err := r.Run(ctx, []string{dockerBin, "cp", src, containerName + ":" + dst}, "", nil, onLine)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("docker cp %s -> %s:%s exited %d", src, containerName, dst, code)
	}
	return nil
}

// Inspect runs "docker inspect -f <format> <name>" and returns trimmed stdout.
func (r *Runner) Inspect(ctx context.Context, name, format string) (string, error) {
	dockerBin, err := r.ResolveDockerBin()
	if err != nil {
		return "", err
	}
	var out strings.Builder
	code, err := r.Run(ctx, []string{dockerBin, "inspect", "-f", format, name}, "", nil, func(line string) {
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(line)
	})
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("docker inspect %s exited %d", name, code)
	}
	return strings.TrimSpace(out.String()), nil
}

// InspectJSON runs "docker inspect <name>" and returns the raw JSON array
// stdout so callers can unmarshal a single element.
func (r *Runner) InspectJSON(ctx context.Context, name string) ([]byte, error) {
	dockerBin, err := r.ResolveDockerBin()
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, dockerBin, "inspect", name)
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return nil, fmt.Errorf("docker inspect %s: %w (stderr: %s)", name, err, exitErr.Stderr)
		}
		return nil, fmt.Errorf("docker inspect %s: %w", name, err)
	}
	return out, nil
}
