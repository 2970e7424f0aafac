package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "updater.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordJobAndListHistoryOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	for i, outcome := range []string{"completed", "failed", "completed"} {
		rec := JobRecord{
			ID:        "job-" + string(rune('a'+i)),
			Class:     "update",
			Outcome:   outcome,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.RecordJob(rec); err != nil {
			t.Fatalf("RecordJob: %v", err)
		}
	}

	records, err := s.ListHistory(0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	if records[0].ID != "job-c" || records[2].ID != "job-a" {
		t.Errorf("records = %+v, want newest first", records)
	}
}

func TestListHistoryRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.RecordJob(JobRecord{ID: "job", Class: "backup", Outcome: "completed", StartedAt: base.Add(time.Duration(i) * time.Second)})
	}

	records, err := s.ListHistory(2)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("len(records) = %d, want 2", len(records))
	}
}

func TestDigestCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	entry := DigestCacheEntry{
		Repo:      "ghcr.io/canopyos/app",
		Reference: "1.0.0",
		Digest:    "sha256:aaa",
		CachedAt:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := s.PutDigest(entry); err != nil {
		t.Fatalf("PutDigest: %v", err)
	}

	got, found, err := s.GetDigest("ghcr.io/canopyos/app", "1.0.0")
	if err != nil {
		t.Fatalf("GetDigest: %v", err)
	}
	if !found {
		t.Fatal("expected digest cache hit")
	}
	if got.Digest != "sha256:aaa" {
		t.Errorf("Digest = %q, want sha256:aaa", got.Digest)
	}
}

func TestGetDigestMissReturnsFoundFalse(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.GetDigest("ghcr.io/canopyos/app", "nope")
	if err != nil {
		t.Fatalf("GetDigest: %v", err)
	}
	if found {
		t.Error("expected found=false for an uncached reference")
	}
}
