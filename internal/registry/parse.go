// Package registry resolves container image references to registry
// digests using the anonymous-access subset of the OCI Distribution API.
package registry

import "strings"

// Reference is an image reference split into its registry host,
// repository path, and tag-or-digest component.
type Reference struct {
	Host       string
	Repository string
	Target     string // tag, or "sha256:..." digest
}

// ParseReference splits an image reference of the form
// "[host/]repository[:tag|@digest]" into its components, applying the
// same Docker Hub defaulting rules the container runtime itself applies:
// a bare or unhosted repository defaults to registry-1.docker.io, and
// single-segment repositories get the library/ prefix.
func ParseReference(image string) Reference {
	host := "registry-1.docker.io"
	remainder := image

	if first, rest, ok := strings.Cut(image, "/"); ok && looksLikeHost(first) {
		host = normaliseHost(first)
		remainder = rest
	}

	target := "latest"
	repository := remainder
	if repo, digest, ok := strings.Cut(remainder, "@"); ok {
		repository, target = repo, digest
	} else if repo, tag, ok := cutTag(remainder); ok {
		repository, target = repo, tag
	}

	if host == "registry-1.docker.io" && !strings.Contains(repository, "/") {
		repository = "library/" + repository
	}

	return Reference{Host: host, Repository: repository, Target: target}
}

// looksLikeHost reports whether a reference's first path segment is a
// registry hostname rather than the first component of a Docker Hub
// org/repository pair. Hostnames contain a dot, a colon (port), or are
// the literal "localhost".
func looksLikeHost(segment string) bool {
	return strings.ContainsAny(segment, ".:") || segment == "localhost"
}

// normaliseHost maps Docker Hub host aliases to the canonical registry
// endpoint used for manifest requests.
func normaliseHost(host string) string {
	switch host {
	case "docker.io", "index.docker.io":
		return "registry-1.docker.io"
	}
	return host
}

// cutTag splits "repository:tag" on the last colon, but only when that
// colon falls after the last slash — a colon before the last slash is a
// host:port separator already consumed by ParseReference, not a tag
// delimiter.
func cutTag(s string) (repo, tag string, ok bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, "", false
	}
	if slash := strings.LastIndex(s, "/"); slash > i {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// IsDigest reports whether target is already a content digest rather
// than a tag.
func (r Reference) IsDigest() bool {
	return strings.HasPrefix(r.Target, "sha256:")
}
