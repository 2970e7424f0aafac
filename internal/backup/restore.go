package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// restoreTarget maps a scope item to the service it must stop before the
// restore and the compose service name used to bring it back up.
var restoreTarget = map[string]string{
	"postgres": "postgres",
	"influx":   "influxdb",
	"config":   "backend",
}

// Restore brings down the services backing scope, copies a generation's
// files back in, runs the matching restore command, and brings the
// services back up with a brief health wait. Each scope item is
// restored independently; a failure in one does not prevent attempting
// the rest, but is reported via the returned error.
func (p *Pipeline) Restore(ctx context.Context, generationID string, scope []string, onLog func(string), waitHealthy func(ctx context.Context, names []string, deadline time.Duration) bool) error {
	var failures []string
	services := make(map[string]bool, len(scope))
	for _, item := range scope {
		if svc, ok := restoreTarget[item]; ok {
			services[svc] = true
		}
	}
	serviceList := make([]string, 0, len(services))
	for svc := range services {
		serviceList = append(serviceList, svc)
	}

	if len(serviceList) > 0 {
		onLog(fmt.Sprintf("stopping services for restore: %v", serviceList))
		if code, err := p.Compose.Invoke(ctx, append([]string{"stop"}, serviceList...), onLog, onLog); err != nil || code != 0 {
			return fmt.Errorf("compose stop failed: %w (exit %d)", err, code)
		}
	}

	for _, item := range scope {
		onLog(fmt.Sprintf("restoring %s from %s", item, generationID))
		var err error
		switch item {
		case "postgres":
			err = p.restorePostgres(ctx, generationID, onLog)
		case "influx":
			err = p.restoreInflux(ctx, generationID, onLog)
		case "config":
			err = p.restoreConfig(ctx, generationID, onLog)
		default:
			err = fmt.Errorf("unknown restore scope item %q", item)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", item, err))
		}
	}

	if len(serviceList) > 0 {
		onLog(fmt.Sprintf("bringing services back up: %v", serviceList))
		args := append([]string{"up", "-d", "--no-build", "--no-deps"}, serviceList...)
		if code, err := p.Compose.Invoke(ctx, args, onLog, onLog); err != nil || code != 0 {
			failures = append(failures, fmt.Sprintf("compose up failed: %v (exit %d)", err, code))
		} else if waitHealthy != nil {
			if !waitHealthy(ctx, serviceList, 60*time.Second) {
				onLog("restored services did not report healthy within the brief wait")
			}
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("restore failed: %v", failures)
	}
	return nil
}

func (p *Pipeline) restorePostgres(ctx context.Context, generationID string, onLog func(string)) error {
	src, err := p.Store.Path(generationID, "postgres")
	if err != nil {
		return err
	}
	const remote = "/tmp/restore.dump"
	if err := p.Runner.CopyToContainer(ctx, filepath.Join(src, "backup.dump"), postgresContainer, remote, onLog); err != nil {
		return err
	}
	ok, err := p.Runner.ExecInContainer(ctx, postgresContainer, []string{"pg_restore", "-c", remote}, onLog)
	if err != nil || !ok {
		return fmt.Errorf("pg_restore failed: %w (ok=%v)", err, ok)
	}
	if _, err := p.Runner.ExecInContainer(ctx, postgresContainer, []string{"rm", "-f", remote}, onLog); err != nil {
		onLog(fmt.Sprintf("warning: failed to remove temporary restore dump: %v", err))
	}
	return nil
}

func (p *Pipeline) restoreInflux(ctx context.Context, generationID string, onLog func(string)) error {
	src, err := p.Store.Path(generationID, "influx")
	if err != nil {
		return err
	}
	const remote = "/tmp/influx_restore"
	if err := p.Runner.CopyToContainer(ctx, src, influxContainer, remote, onLog); err != nil {
		return err
	}
	ok, err := p.Runner.ExecInContainer(ctx, influxContainer, []string{"influx", "restore", remote}, onLog)
	if err != nil || !ok {
		return fmt.Errorf("influx restore failed: %w (ok=%v)", err, ok)
	}
	if _, err := p.Runner.ExecInContainer(ctx, influxContainer, []string{"rm", "-rf", remote}, onLog); err != nil {
		onLog(fmt.Sprintf("warning: failed to remove temporary influx restore data: %v", err))
	}
	return nil
}

// restoreConfig swaps the config tree out from under the backend
// container: the current tree is renamed to config.bak, the generation's
// tree copied in, matching the file-tree-swap contract rather than an
// in-place overwrite that could leave a half-written tree on failure.
func (p *Pipeline) restoreConfig(ctx context.Context, generationID string, onLog func(string)) error {
	src, err := p.Store.Path(generationID, "config")
	if err != nil {
		return err
	}
	const remoteBase = "/home/canopyos/config"
	if _, err := p.Runner.ExecInContainer(ctx, backendContainer,
		[]string{"sh", "-c", fmt.Sprintf("rm -rf %s.bak && mv %s %s.bak", remoteBase, remoteBase, remoteBase)}, onLog); err != nil {
		onLog(fmt.Sprintf("warning: failed to rename existing config tree: %v", err))
	}
	if _, err := p.Runner.ExecInContainer(ctx, backendContainer, []string{"mkdir", "-p", remoteBase}, onLog); err != nil {
		return err
	}
	return p.Runner.CopyToContainer(ctx, src+"/.", backendContainer, remoteBase, onLog)
}
