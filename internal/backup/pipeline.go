package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/canopyos/updater/internal/clock"
	"github.com/canopyos/updater/internal/runner"
)

// ContainerExecer is the subset of *runner.Runner the backup pipeline
// needs to run commands inside containers and copy files in and out.
type ContainerExecer interface {
	ExecInContainer(ctx context.Context, containerName string, argv []string, onLine runner.OnLine) (bool, error)
	CopyFromContainer(ctx context.Context, containerName, src, dst string, onLine runner.OnLine) error
	CopyToContainer(ctx context.Context, src, containerName, dst string, onLine runner.OnLine) error
}

// ComposeInvoker is the subset of *pipeline.ComposeRunner restore needs to
// stop and restart services around a file swap.
type ComposeInvoker interface {
	Invoke(ctx context.Context, args []string, onLog, onTail func(string)) (int, error)
}

// Mirror best-effort-copies a completed generation off-host. A nil Mirror
// disables mirroring entirely.
type Mirror interface {
	MirrorGeneration(ctx context.Context, generationID, path string) error
}

const (
	postgresContainer = "postgres"
	influxContainer   = "influxdb"
	backendContainer  = "backend"
	retainGenerations = 2
)

// Pipeline runs backup generations and restores them.
type Pipeline struct {
	Runner  ContainerExecer
	Compose ComposeInvoker
	Store   *Store
	Mirror  Mirror
	Clock   clock.Clock
}

// RunGeneration snapshots scope (any of "postgres", "influx", "config")
// into a fresh generation directory, in the order given. Any sub-step
// failure aborts the whole generation; nothing is pruned or mirrored.
func (p *Pipeline) RunGeneration(ctx context.Context, scope []string, onLog func(string)) error {
	id, path, err := p.Store.NewGeneration(p.Clock.Now())
	if err != nil {
		return err
	}
	onLog(fmt.Sprintf("created backup generation %s", id))

	for _, item := range scope {
		onLog(fmt.Sprintf("backing up %s", item))
		var stepErr error
		switch item {
		case "postgres":
			stepErr = p.backupPostgres(ctx, path, onLog)
		case "influx":
			stepErr = p.backupInflux(ctx, path, onLog)
		case "config":
			stepErr = p.backupConfig(ctx, path, onLog)
		default:
			stepErr = fmt.Errorf("unknown backup scope item %q", item)
		}
		if stepErr != nil {
			return fmt.Errorf("backup %s failed: %w", item, stepErr)
		}
	}

	if err := p.Store.UpdateLatest(id); err != nil {
		onLog(fmt.Sprintf("warning: failed to update latest symlink: %v", err))
	}
	if err := p.Store.Prune(retainGenerations); err != nil {
		onLog(fmt.Sprintf("warning: retention pruning failed: %v", err))
	}
	if p.Mirror != nil {
		if err := p.Mirror.MirrorGeneration(ctx, id, path); err != nil {
			onLog(fmt.Sprintf("warning: S3 mirror failed: %v", err))
		}
	}
	return nil
}

func (p *Pipeline) backupPostgres(ctx context.Context, genPath string, onLog func(string)) error {
	dir := filepath.Join(genPath, "postgres")
	if err := ensureDir(dir); err != nil {
		return err
	}
	const remote = "/tmp/backup.dump"

	ok, err := p.Runner.ExecInContainer(ctx, postgresContainer,
		[]string{"pg_dump", "-F", "c", "-f", remote}, onLog)
	if err != nil || !ok {
		return fmt.Errorf("pg_dump failed: %w (ok=%v)", err, ok)
	}
	if err := p.Runner.CopyFromContainer(ctx, postgresContainer, remote, filepath.Join(dir, "backup.dump"), onLog); err != nil {
		return err
	}
	if _, err := p.Runner.ExecInContainer(ctx, postgresContainer, []string{"rm", "-f", remote}, onLog); err != nil {
		onLog(fmt.Sprintf("warning: failed to remove temporary dump: %v", err))
	}
	return nil
}

func (p *Pipeline) backupInflux(ctx context.Context, genPath string, onLog func(string)) error {
	dir := filepath.Join(genPath, "influx")
	if err := ensureDir(dir); err != nil {
		return err
	}
	const remote = "/tmp/influx_backup"

	ok, err := p.Runner.ExecInContainer(ctx, influxContainer, []string{"influx", "backup", remote}, onLog)
	if err != nil || !ok {
		return fmt.Errorf("influx backup failed: %w (ok=%v)", err, ok)
	}
	if err := p.Runner.CopyFromContainer(ctx, influxContainer, remote+"/.", dir, onLog); err != nil {
		return err
	}
	if _, err := p.Runner.ExecInContainer(ctx, influxContainer, []string{"rm", "-rf", remote}, onLog); err != nil {
		onLog(fmt.Sprintf("warning: failed to remove temporary influx backup: %v", err))
	}
	return nil
}

func (p *Pipeline) backupConfig(ctx context.Context, genPath string, onLog func(string)) error {
	dir := filepath.Join(genPath, "config")
	if err := ensureDir(dir); err != nil {
		return err
	}
	return p.Runner.CopyFromContainer(ctx, backendContainer, "/home/canopyos/config/.", dir, onLog)
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
