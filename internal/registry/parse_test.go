package registry

import "testing"

func TestParseReference(t *testing.T) {
	tests := []struct {
		image string
		want  Reference
	}{
		{"nginx", Reference{"registry-1.docker.io", "library/nginx", "latest"}},
		{"nginx:1.25", Reference{"registry-1.docker.io", "library/nginx", "1.25"}},
		{"library/nginx:1.25", Reference{"registry-1.docker.io", "library/nginx", "1.25"}},
		{"gitea/gitea:1.21", Reference{"registry-1.docker.io", "gitea/gitea", "1.21"}},
		{"docker.io/library/nginx", Reference{"registry-1.docker.io", "library/nginx", "latest"}},
		{"index.docker.io/library/nginx", Reference{"registry-1.docker.io", "library/nginx", "latest"}},
		{"ghcr.io/owner/app:v1.0", Reference{"ghcr.io", "owner/app", "v1.0"}},
		{"registry.example.com:5000/team/app:v2", Reference{"registry.example.com:5000", "team/app", "v2"}},
		{"nginx@sha256:abc123", Reference{"registry-1.docker.io", "library/nginx", "sha256:abc123"}},
		{"ghcr.io/owner/app@sha256:def456", Reference{"ghcr.io", "owner/app", "sha256:def456"}},
	}
	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			got := ParseReference(tt.image)
			if got != tt.want {
				t.Errorf("ParseReference(%q) = %+v, want %+v", tt.image, got, tt.want)
			}
		})
	}
}

func TestReferenceIsDigest(t *testing.T) {
	if !ParseReference("nginx@sha256:abc").IsDigest() {
		t.Error("IsDigest() = false, want true for a digest reference")
	}
	if ParseReference("nginx:latest").IsDigest() {
		t.Error("IsDigest() = true, want false for a tag reference")
	}
}
