// Package backup implements the backup and restore pipeline: snapshotting
// postgres, InfluxDB, and the config tree into timestamped generation
// directories, pruning old generations, and restoring a generation back
// onto a running stack.
package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const generationTimeLayout = "20060102T150405"

// Store manages the on-disk layout of backup generations under a single
// root directory: <root>/<YYYYMMDDTHHMMSS>/{postgres,influx,config}, plus
// a "latest" symlink to the newest generation.
type Store struct {
	Root string
}

// Generation describes one backup generation directory.
type Generation struct {
	ID        string    `json:"backup_id"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	Scope     []string  `json:"scope"`
}

// NewGeneration creates a fresh, empty generation directory named after
// now, and returns its path.
func (s *Store) NewGeneration(now time.Time) (id, path string, err error) {
	id = now.UTC().Format(generationTimeLayout)
	path = filepath.Join(s.Root, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", "", fmt.Errorf("create generation directory: %w", err)
	}
	return id, path, nil
}

// UpdateLatest repoints the "latest" symlink at generationID.
func (s *Store) UpdateLatest(generationID string) error {
	linkPath := filepath.Join(s.Root, "latest")
	os.Remove(linkPath)
	return os.Symlink(generationID, linkPath)
}

// Prune keeps only the keep newest generations (sorted ascending by
// directory name, which sorts chronologically for the fixed-width
// timestamp layout), deleting the rest recursively. Non-generation
// entries (anything not starting with a digit, e.g. "latest") are left
// alone.
func (s *Store) Prune(keep int) error {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return fmt.Errorf("read backups root: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if len(e.Name()) == 0 || e.Name()[0] < '0' || e.Name()[0] > '9' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if len(names) <= keep {
		return nil
	}
	for _, old := range names[:len(names)-keep] {
		if err := os.RemoveAll(filepath.Join(s.Root, old)); err != nil {
			return fmt.Errorf("prune generation %s: %w", old, err)
		}
	}
	return nil
}

// List returns every generation under Root, newest first.
func (s *Store) List() ([]Generation, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backups root: %w", err)
	}

	var out []Generation
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "latest" {
			continue
		}
		if len(e.Name()) == 0 || e.Name()[0] < '0' || e.Name()[0] > '9' {
			continue
		}
		gen, err := s.describe(e.Name())
		if err != nil {
			continue
		}
		out = append(out, gen)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) describe(id string) (Generation, error) {
	path := filepath.Join(s.Root, id)
	createdAt, err := time.Parse(generationTimeLayout, id)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	var size int64
	var scope []string
	subdirs, err := os.ReadDir(path)
	if err != nil {
		return Generation{}, fmt.Errorf("read generation %s: %w", id, err)
	}
	for _, sub := range subdirs {
		if !sub.IsDir() {
			continue
		}
		scope = append(scope, sub.Name())
		size += dirSize(filepath.Join(path, sub.Name()))
	}
	sort.Strings(scope)

	return Generation{ID: id, CreatedAt: createdAt.UTC(), SizeBytes: size, Scope: scope}, nil
}

func dirSize(root string) int64 {
	var total int64
	filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Path returns the on-disk path of a generation's scoped subdirectory,
// resolving "latest" to the generation it points at.
func (s *Store) Path(generationID, scopedDir string) (string, error) {
	resolved, err := s.resolve(generationID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, resolved, scopedDir), nil
}

func (s *Store) resolve(generationID string) (string, error) {
	if generationID != "latest" {
		return generationID, nil
	}
	target, err := os.Readlink(filepath.Join(s.Root, "latest"))
	if err != nil {
		return "", fmt.Errorf("resolve latest generation: %w", err)
	}
	return strings.TrimSpace(target), nil
}
