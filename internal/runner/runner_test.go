package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunCollectsLines(t *testing.T) {
	var lines []string
	code, err := (&Runner{}).Run(context.Background(),
		[]string{"sh", "-c", "echo one; echo two"}, "", nil, func(line string) {
			lines = append(lines, line)
		})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 0 {
		t.Fatalf("Run() code = %d, want 0", code)
	}
	if got := strings.Join(lines, "|"); got != "one|two" {
		t.Errorf("lines = %q, want \"one|two\"", got)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	code, err := (&Runner{}).Run(context.Background(), []string{"sh", "-c", "exit 3"}, "", nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil for a clean non-zero exit", err)
	}
	if code != 3 {
		t.Errorf("code = %d, want 3", code)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := (&Runner{}).Run(ctx, []string{"sh", "-c", "sleep 5"}, "", nil, nil)
	if err == nil {
		t.Fatal("Run() error = nil, want context deadline error")
	}
}

func TestRunEmptyArgv(t *testing.T) {
	if _, err := (&Runner{}).Run(context.Background(), nil, "", nil, nil); err == nil {
		t.Error("Run() error = nil, want error for empty argv")
	}
}

func TestRunUsesCwd(t *testing.T) {
	dir := t.TempDir()
	var out string
	_, err := (&Runner{}).Run(context.Background(), []string{"pwd"}, dir, nil, func(line string) {
		out = line
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("EvalSymlinks() error = %v", err)
	}
	gotResolved, err := filepath.EvalSymlinks(out)
	if err != nil {
		t.Fatalf("EvalSymlinks(%q) error = %v", out, err)
	}
	if gotResolved != resolved {
		t.Errorf("pwd = %q, want %q", gotResolved, resolved)
	}
}

func TestResolveDockerBinOverride(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "docker")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	r := New(fake)
	got, err := r.ResolveDockerBin()
	if err != nil {
		t.Fatalf("ResolveDockerBin() error = %v", err)
	}
	if got != fake {
		t.Errorf("ResolveDockerBin() = %q, want %q", got, fake)
	}

	// cached: a second call must not re-stat a since-removed override.
	if err := os.Remove(fake); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	got2, err := r.ResolveDockerBin()
	if err != nil || got2 != fake {
		t.Errorf("ResolveDockerBin() (cached) = (%q, %v), want (%q, nil)", got2, err, fake)
	}
}

func TestResolveDockerBinNotFound(t *testing.T) {
	r := New("/nonexistent/does-not-exist-docker")
	t.Setenv("PATH", "")
	for _, candidate := range candidateBins {
		if _, err := os.Stat(candidate); err == nil {
			t.Skipf("%s exists on this machine, cannot exercise the not-found path", candidate)
		}
	}
	if _, err := r.ResolveDockerBin(); err == nil {
		t.Error("ResolveDockerBin() error = nil, want ErrDockerBinNotFound")
	}
}

func TestLineWriterSplitsAcrossWrites(t *testing.T) {
	var lines []string
	w := &lineWriter{onLine: func(l string) { lines = append(lines, l) }}
	w.Write([]byte("hel"))
	w.Write([]byte("lo\nwor"))
	w.Write([]byte("ld\r\n"))
	w.Close()

	want := []string{"hello", "world"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestLineWriterFlushesTrailingPartialLine(t *testing.T) {
	var lines []string
	w := &lineWriter{onLine: func(l string) { lines = append(lines, l) }}
	w.Write([]byte("no trailing newline"))
	w.Close()

	if len(lines) != 1 || lines[0] != "no trailing newline" {
		t.Errorf("lines = %v, want [\"no trailing newline\"]", lines)
	}
}

func TestLineWriterSanitizesInvalidUTF8(t *testing.T) {
	var got string
	w := &lineWriter{onLine: func(l string) { got = l }}
	w.Write([]byte("bad\xffbyte\n"))
	if !strings.Contains(got, "bad") || !strings.Contains(got, "byte") {
		t.Errorf("line = %q, want sanitized prefix/suffix preserved", got)
	}
	if strings.ContainsRune(got, 0xff) {
		t.Errorf("line = %q, want invalid byte replaced", got)
	}
}
