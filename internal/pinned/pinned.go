// Package pinned reads and writes the generated compose override file
// that forces the primary services to run at a specific content digest.
package pinned

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

const header = "# Managed by the updater. DO NOT EDIT.\n" +
	"# Regenerated on every forward pin and on every rollback.\n"

// Target pairs a repository with the content digest it should pin to.
type Target struct {
	Repo   string
	Digest string
}

type serviceEntry struct {
	Image string `yaml:"image"`
}

type overrideFile struct {
	Services map[string]serviceEntry `yaml:"services"`
}

// Write renders the pinned override file for the given service→target
// map and writes it to path, replacing any existing file. Targets with
// an empty repo or digest are skipped rather than written malformed.
func Write(path string, targets map[string]Target) error {
	services := make(map[string]serviceEntry, len(targets))
	for svc, t := range targets {
		if t.Repo == "" || t.Digest == "" {
			continue
		}
		services[svc] = serviceEntry{Image: fmt.Sprintf("%s@%s", t.Repo, t.Digest)}
	}

	body, err := yaml.Marshal(overrideFile{Services: services})
	if err != nil {
		return fmt.Errorf("marshal pinned override: %w", err)
	}
	out := append([]byte(header), body...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write pinned override: %w", err)
	}
	return nil
}

// Read parses an existing pinned override file back into its
// service→target map. Returns an empty map, not an error, if path does
// not exist — a fresh install has no prior pin.
func Read(path string) (map[string]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Target{}, nil
		}
		return nil, fmt.Errorf("read pinned override: %w", err)
	}

	var doc overrideFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pinned override: %w", err)
	}

	out := make(map[string]Target, len(doc.Services))
	for svc, entry := range doc.Services {
		repo, digest, ok := cutDigest(entry.Image)
		if !ok {
			continue
		}
		out[svc] = Target{Repo: repo, Digest: digest}
	}
	return out, nil
}

func cutDigest(image string) (repo, digest string, ok bool) {
	for i := len(image) - 1; i >= 0; i-- {
		if image[i] == '@' {
			return image[:i], image[i+1:], true
		}
	}
	return "", "", false
}

// Exists reports whether a pinned override file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DefaultServices parses a docker-compose.yml file and returns its
// top-level service names, sorted, for use when UPDATE_INCLUDE is unset
// and the caller needs the full managed set before applying excludes.
func DefaultServices(composePath string) ([]string, error) {
	data, err := os.ReadFile(composePath)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}

	var doc struct {
		Services map[string]any `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}

	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
