package pipeline

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/canopyos/updater/internal/clock"
)

// workspaceExcludes is skipped when tarballing the workspace for the
// pre-sync snapshot — runtime data, not source, and never worth shipping
// through a rollback restore either.
var workspaceExcludes = []string{".secrets", "volumes", "node-red", ".git"}

// extractExcludes additionally protects files that must survive an
// extraction even though they are not workspace runtime data, so a
// forward sync never clobbers local secrets or an existing pin.
var extractExcludes = []string{".env", "mosquitto/config/password.txt", "docker-compose.pinned.yml"}

func isExcluded(rel string, excludes []string) bool {
	if strings.HasSuffix(rel, ".log") {
		return true
	}
	for _, ex := range excludes {
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}

// Syncer performs the workspace sync step: snapshot the current
// workspace, download the deployment archive, extract it over the
// workspace, and restore the snapshot if extraction fails.
type Syncer struct {
	WorkDir    string
	ArchiveURL string
	HTTPClient *http.Client
}

func (s *Syncer) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

// Sync runs the four sync steps described in the update pipeline's sync
// phase. onLog receives a one-line progress note per step.
func (s *Syncer) Sync(ctx context.Context, clk clock.Clock, onLog func(string)) error {
	ts := clk.Now().UTC().Format("20060102T150405")
	snapshotPath := filepath.Join(os.TempDir(), "workspace-presync-"+ts+".tar.gz")

	if onLog != nil {
		onLog("snapshotting workspace before sync")
	}
	if err := tarDirectory(s.WorkDir, snapshotPath, workspaceExcludes); err != nil {
		return fmt.Errorf("%w: snapshot workspace: %w", ErrIO, err)
	}

	if onLog != nil {
		onLog("downloading deployment archive")
	}
	archivePath := filepath.Join(os.TempDir(), "deployment-"+ts+".tar.gz")
	if err := s.download(ctx, archivePath); err != nil {
		return fmt.Errorf("%w: download deployment archive: %w", ErrIO, err)
	}

	if onLog != nil {
		onLog("extracting deployment archive over workspace")
	}
	excludes := append(append([]string{}, workspaceExcludes...), extractExcludes...)
	if err := extractTarGz(archivePath, s.WorkDir, 1, excludes); err != nil {
		if onLog != nil {
			onLog("extraction failed, restoring pre-sync snapshot")
		}
		if restoreErr := extractTarGz(snapshotPath, s.WorkDir, 0, nil); restoreErr != nil {
			return fmt.Errorf("%w: extract deployment archive: %w (restore also failed: %v)", ErrIO, err, restoreErr)
		}
		return fmt.Errorf("%w: extract deployment archive (restored pre-sync snapshot): %w", ErrIO, err)
	}
	return nil
}

func (s *Syncer) download(ctx context.Context, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ArchiveURL, nil)
	if err != nil {
		return fmt.Errorf("create archive request: %w", err)
	}
	resp, err := s.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("fetch archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive GET %s returned %d", s.ArchiveURL, resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}
	return nil
}

func tarDirectory(srcDir, dstPath string, excludes []string) error {
	f, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if isExcluded(rel, excludes) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()
			if _, err := io.Copy(tw, file); err != nil {
				return err
			}
		}
		return nil
	})
}

// extractTarGz extracts archivePath into destDir, dropping the first
// stripComponents path segments of each entry (mirroring tar's
// --strip-components) and skipping any entry under excludes.
func extractTarGz(archivePath, destDir string, stripComponents int, excludes []string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	cleanDest := filepath.Clean(destDir)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		name := hdr.Name
		if stripComponents > 0 {
			parts := strings.SplitN(name, "/", stripComponents+1)
			if len(parts) <= stripComponents {
				continue
			}
			name = parts[stripComponents]
		}
		if name == "" || isExcluded(name, excludes) {
			continue
		}

		target := filepath.Join(destDir, name)
		if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}
