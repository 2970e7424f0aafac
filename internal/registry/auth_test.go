package registry

import "testing"

func TestParseBearerChallenge(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   bearerChallenge
		wantOK bool
	}{
		{
			name:   "docker hub style",
			header: `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"`,
			want: bearerChallenge{
				realm:   "https://auth.docker.io/token",
				service: "registry.docker.io",
				scope:   "repository:library/nginx:pull",
			},
			wantOK: true,
		},
		{
			name:   "no scope",
			header: `Bearer realm="https://ghcr.io/token",service="ghcr.io"`,
			want:   bearerChallenge{realm: "https://ghcr.io/token", service: "ghcr.io"},
			wantOK: true,
		},
		{
			name:   "basic scheme rejected",
			header: `Basic realm="registry"`,
			wantOK: false,
		},
		{
			name:   "missing realm rejected",
			header: `Bearer service="registry.docker.io"`,
			wantOK: false,
		},
		{
			name:   "empty header rejected",
			header: "",
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseBearerChallenge(tt.header)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got != tt.want {
				t.Errorf("parseBearerChallenge(%q) = %+v, want %+v", tt.header, got, tt.want)
			}
		})
	}
}
