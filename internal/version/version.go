// Package version resolves the currently-running and latest-available
// image versions for the managed services, and decides whether an
// update is available.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/canopyos/updater/internal/registry"
)

// ServiceView is a snapshot of one service's currently-running image.
type ServiceView struct {
	Image   string `json:"image"`
	Repo    string `json:"repo"`
	Tag     string `json:"tag"`
	Digest  string `json:"digest"`
	ImageID string `json:"image_id"`
}

// TargetView is the image a service should be updated to.
type TargetView struct {
	Repo   string `json:"repo"`
	Digest string `json:"digest"`
}

// Manifest describes one channel's target versions, either fetched from
// VERSION_MANIFEST_URL or synthesized from direct registry lookups when
// no manifest URL is configured.
type Manifest struct {
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
	Digests  map[string]string `json:"digests,omitempty"`
}

// Info is the payload served at GET /version.
type Info struct {
	Current           map[string]ServiceView `json:"current"`
	Latest            Manifest               `json:"latest"`
	UpdateAvailable    bool                   `json:"update_available"`
	UpdateInProgress   bool                   `json:"update_in_progress"`
	Channel            string                 `json:"channel"`
	LastCheckedAt      time.Time              `json:"last_checked_at"`
	LastResult         string                 `json:"last_result"`
}

// primaryServices lists the compose service keys that drive
// compute_update_available; compose keys map to version-info keys via
// containerNameFor / viewKeyFor below.
var primaryServices = []string{"app", "python_backend"}

// containerNameFor maps a compose service name to the container name
// that carries it, per docker-compose.yml's container_name overrides.
func containerNameFor(service string) string {
	if service == "python_backend" {
		return "backend"
	}
	return service
}

// viewKeyFor maps a compose service name to the key used in
// ServiceView/TargetView result maps.
func viewKeyFor(service string) string {
	if service == "python_backend" {
		return "backend"
	}
	return service
}

// PrimaryServices returns the compose service keys that drive update
// digest comparisons and rollback capture, in the same order
// ComputeUpdateAvailable iterates them.
func PrimaryServices() []string {
	out := make([]string, len(primaryServices))
	copy(out, primaryServices)
	return out
}

// ViewKeyFor maps a compose service name to the key used in
// ServiceView/TargetView result maps (exported for callers outside this
// package that need to look a service's view up by its compose name).
func ViewKeyFor(service string) string {
	return viewKeyFor(service)
}

// ContainerInspector is the subset of *runner.Runner the version
// resolver needs; a narrow interface so tests can substitute a fake
// without shelling out to docker.
type ContainerInspector interface {
	InspectJSON(ctx context.Context, name string) ([]byte, error)
}

// ManifestDigester is the subset of *registry.Client the version
// resolver needs.
type ManifestDigester interface {
	ManifestDigest(ctx context.Context, image string) (string, error)
}

// Resolver computes current and latest version views for the managed
// services. It is safe for concurrent use.
type Resolver struct {
	Runner        ContainerInspector
	Registry      ManifestDigester
	HTTPClient    *http.Client
	ManifestURL   string // VERSION_MANIFEST_URL, "{channel}" template; empty disables manifest fetch
	ChannelDefault string
	CacheTTL      time.Duration
	MinRefresh    time.Duration

	mu    sync.Mutex
	cache cacheEntry
}

type cacheEntry struct {
	payload      *Info
	expiresAt    time.Time
	minRefreshAt time.Time
}

func (r *Resolver) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

// CurrentVersions inspects the container backing each requested service
// and returns its currently-running image view, keyed per viewKeyFor.
func (r *Resolver) CurrentVersions(ctx context.Context, services []string) (map[string]ServiceView, error) {
	out := make(map[string]ServiceView, len(services))
	for _, svc := range services {
		container := containerNameFor(svc)
		view, err := r.inspectServiceView(ctx, container)
		if err != nil {
			// An uninspectable container (stopped, never created) still
			// gets an entry — an empty view, not a hard failure, since
			// version reporting must survive a partially-up stack.
			view = ServiceView{}
		}
		out[viewKeyFor(svc)] = view
	}
	return out, nil
}

type inspectEntry struct {
	Config struct {
		Image string `json:"Image"`
	} `json:"Config"`
	Image        string   `json:"Image"`
	RepoDigests  []string `json:"RepoDigests"`
}

func (r *Resolver) inspectServiceView(ctx context.Context, container string) (ServiceView, error) {
	raw, err := r.Runner.InspectJSON(ctx, container)
	if err != nil {
		return ServiceView{}, err
	}
	var entries []inspectEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return ServiceView{}, fmt.Errorf("parse docker inspect output: %w", err)
	}
	if len(entries) == 0 {
		return ServiceView{}, fmt.Errorf("docker inspect %s returned no entries", container)
	}
	entry := entries[0]

	view := ServiceView{Image: entry.Config.Image}
	view.Repo, view.Tag = splitRepoTag(entry.Config.Image)

	if repo, digest, ok := strings.Cut(entry.Config.Image, "@"); ok {
		view.Digest = digest
		view.Repo = repo
		view.Tag = ""
	} else {
		view.Digest = repoDigestFor(entry.RepoDigests, view.Repo)
	}

	imageRaw, err := r.Runner.InspectJSON(ctx, entry.Config.Image)
	if err == nil {
		var imgEntries []struct {
			ID string `json:"Id"`
		}
		if json.Unmarshal(imageRaw, &imgEntries) == nil && len(imgEntries) > 0 {
			view.ImageID = strings.TrimPrefix(imgEntries[0].ID, "sha256:")
		}
	}

	return view, nil
}

// repoDigestFor picks the RepoDigests entry whose repo portion matches
// repo, falling back to the first entry that carries a digest at all.
func repoDigestFor(repoDigests []string, repo string) string {
	var fallback string
	for _, rd := range repoDigests {
		rdRepo, digest, ok := strings.Cut(rd, "@")
		if !ok {
			continue
		}
		if fallback == "" {
			fallback = digest
		}
		if rdRepo == repo {
			return digest
		}
	}
	return fallback
}

// splitRepoTag splits "repo:tag" into its parts. A reference carrying a
// digest (handled by the caller before this is reached) or with no tag
// returns an empty tag.
func splitRepoTag(image string) (repo, tag string) {
	if image == "" || strings.Contains(image, "@") {
		return image, ""
	}
	i := strings.LastIndex(image, ":")
	if i < 0 {
		return image, ""
	}
	if slash := strings.LastIndex(image, "/"); slash > i {
		return image, ""
	}
	return image[:i], image[i+1:]
}

// GetLatest returns the cached or freshly-resolved latest manifest view.
// If refresh is true the TTL is bypassed, but min-refresh still applies
// unless the cache has already expired, preventing tight refresh loops.
func (r *Resolver) GetLatest(ctx context.Context, refresh bool) (*Info, error) {
	r.mu.Lock()
	now := time.Now()
	if r.cache.payload != nil && now.Before(r.cache.expiresAt) {
		if !refresh || now.Before(r.cache.minRefreshAt) {
			payload := *r.cache.payload
			r.mu.Unlock()
			return &payload, nil
		}
	}
	r.mu.Unlock()

	channel := r.ChannelDefault
	current, err := r.CurrentVersions(ctx, primaryServices)
	if err != nil {
		return nil, err
	}

	latest := Manifest{Version: "latest", Services: map[string]string{}}
	lastResult := "ok"
	manifest, err := r.fetchManifest(ctx, channel)
	if err != nil {
		lastResult = fmt.Sprintf("manifest_error: %v", err)
	} else if manifest != nil {
		latest = *manifest
	} else if digests, derr := r.resolveDirectDigests(ctx); derr == nil {
		latest.Digests = digests
	}

	info := &Info{
		Current:          current,
		Latest:           latest,
		UpdateAvailable:  ComputeUpdateAvailable(current, latest),
		UpdateInProgress: false,
		Channel:          channel,
		LastCheckedAt:    now,
		LastResult:       lastResult,
	}

	r.mu.Lock()
	r.cache = cacheEntry{
		payload:      info,
		expiresAt:    now.Add(r.CacheTTL),
		minRefreshAt: now.Add(r.MinRefresh),
	}
	r.mu.Unlock()

	payload := *info
	return &payload, nil
}

// RefreshLatest forces a cache refresh of the latest-version view,
// subject to the resolver's min-refresh interval. Used by the
// maintenance scheduler to keep the cache warm between requests.
func (r *Resolver) RefreshLatest(ctx context.Context) error {
	_, err := r.GetLatest(ctx, true)
	return err
}

// fetchManifest GETs VERSION_MANIFEST_URL with {channel} substituted.
// Returns (nil, nil) when no manifest URL is configured.
func (r *Resolver) fetchManifest(ctx context.Context, channel string) (*Manifest, error) {
	if r.ManifestURL == "" {
		return nil, nil
	}
	url := strings.ReplaceAll(r.ManifestURL, "{channel}", channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create manifest request: %w", err)
	}
	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest endpoint returned %d", resp.StatusCode)
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// directImageRefs is the hard-coded reference set resolveDirectDigests
// falls back to when no manifest URL is configured: with no manifest
// there is no other source of truth for which tag "latest" means per
// service, so the primary services' published images are named outright.
var directImageRefs = map[string]string{
	"app":            "ghcr.io/canopyos/app:latest",
	"python_backend": "ghcr.io/canopyos/backend:latest",
}

// resolveDirectDigests resolves the two primary services' latest digests
// straight from the registry when no manifest URL is configured.
func (r *Resolver) resolveDirectDigests(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(primaryServices))
	for _, svc := range primaryServices {
		ref, ok := directImageRefs[svc]
		if !ok {
			continue
		}
		digest, err := r.Registry.ManifestDigest(ctx, ref)
		if err != nil {
			continue
		}
		out[svc] = digest
	}
	return out, nil
}

// ComputeUpdateAvailable reports whether any primary service's current
// digest differs from its latest digest. A latest digest with no
// current digest to compare against never reports an update — an
// image-id and a manifest digest are not comparable. With no latest
// digest at all, falls back to a tag mismatch.
func ComputeUpdateAvailable(current map[string]ServiceView, latest Manifest) bool {
	for _, svc := range primaryServices {
		key := viewKeyFor(svc)
		cur := current[key]

		latDigest := latest.Digests[svc]
		if latDigest != "" {
			if cur.Digest != "" && !registry.DigestsEqual(cur.Digest, latDigest) {
				return true
			}
			continue
		}

		latRef := latest.Services[svc]
		if latRef == "" {
			continue
		}
		_, latTag := splitRepoTag(latRef)
		if latTag != "" && cur.Tag != "" && latTag != cur.Tag {
			return true
		}
	}
	return false
}

// GetTargetForServices resolves the image each requested service should
// be updated to, preferring manifest-supplied repo/digest pairs and
// falling back to a registry lookup for any service the manifest omits
// a digest for.
func (r *Resolver) GetTargetForServices(ctx context.Context, services []string, channel, targetVersion string) (map[string]TargetView, error) {
	if channel == "" {
		channel = r.ChannelDefault
	}
	manifest, err := r.fetchManifest(ctx, channel)
	if err != nil {
		manifest = nil
	}

	result := make(map[string]TargetView, len(services))
	for _, svc := range services {
		var ref string
		var digest string
		if manifest != nil {
			ref = manifest.Services[svc]
			digest = manifest.Digests[svc]
		}
		if ref == "" {
			continue
		}
		repo, _ := splitRepoTag(ref)
		if repo == "" {
			if r, _, ok := strings.Cut(ref, "@"); ok {
				repo = r
			} else {
				repo = ref
			}
		}
		if digest == "" {
			digest, err = r.Registry.ManifestDigest(ctx, ref)
			if err != nil {
				continue
			}
		}
		if repo != "" && digest != "" {
			result[svc] = TargetView{Repo: repo, Digest: digest}
		}
	}
	return result, nil
}
