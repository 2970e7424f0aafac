package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/canopyos/updater/internal/apperrors"
)

// acceptManifestTypes is the Accept header sent with every manifest
// request, in preference order: multi-arch indexes first, then
// single-platform manifests, covering both the Docker and OCI media
// type families.
const acceptManifestTypes = "application/vnd.oci.image.index.v1+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.docker.distribution.manifest.v2+json"

// Client resolves image references to registry digests using anonymous
// bearer-token authentication. It holds no credentials: every request
// either succeeds anonymously or the reference is treated as
// unresolvable, matching this deployment's single-host, no-login model.
type Client struct {
	HTTPClient *http.Client
}

// NewClient creates a registry Client with a bounded per-request timeout.
func NewClient() *Client {
	return &Client{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// ManifestDigest resolves an image reference to its canonical content
// digest. If image already carries an "@sha256:..." digest, that digest
// is returned unchanged without any network call.
func (c *Client) ManifestDigest(ctx context.Context, image string) (string, error) {
	ref := ParseReference(image)
	if ref.IsDigest() {
		return ref.Target, nil
	}
	return c.manifestDigest(ctx, ref.Host, ref.Repository, ref.Target)
}

func (c *Client) manifestDigest(ctx context.Context, host, repository, reference string) (string, error) {
	manifestURL := "https://" + host + "/v2/" + repository + "/manifests/" + reference

	resp, err := c.getManifest(ctx, manifestURL, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		challenge, ok := parseBearerChallenge(resp.Header.Get("WWW-Authenticate"))
		if !ok {
			return "", fmt.Errorf("%w: %s returned 401 with no usable bearer challenge", apperrors.ErrRegistry, host)
		}
		token, err := c.fetchAnonymousToken(ctx, challenge, repository)
		if err != nil {
			return "", fmt.Errorf("%w: %w", apperrors.ErrRegistry, err)
		}
		resp.Body.Close()
		resp, err = c.getManifest(ctx, manifestURL, token)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: manifest GET %s returned %d", apperrors.ErrRegistry, manifestURL, resp.StatusCode)
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("%w: %s response had no Docker-Content-Digest header", apperrors.ErrRegistry, manifestURL)
	}
	return digest, nil
}

func (c *Client) getManifest(ctx context.Context, manifestURL, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create manifest request: %w", err)
	}
	req.Header.Set("Accept", acceptManifestTypes)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest GET %s: %w", apperrors.ErrRegistry, manifestURL, err)
	}
	return resp, nil
}

// extractDigestHash normalises a digest value that may carry a
// "repo@" prefix (as reported by `docker inspect`'s RepoDigests) down
// to the bare "sha256:..." form so two digests from different sources
// compare equal.
func extractDigestHash(digest string) string {
	if i := strings.LastIndex(digest, "sha256:"); i >= 0 {
		return digest[i:]
	}
	return digest
}

// DigestsEqual compares two digest strings, tolerating a "repo@" prefix
// on either side.
func DigestsEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return extractDigestHash(a) == extractDigestHash(b)
}
