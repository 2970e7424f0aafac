// Package store persists completed job history and a registry digest
// cache across process restarts. Sessions themselves stay in-memory, but
// the historical record and digest cache survive restarts the way a
// BoltDB-backed store survives container restarts.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketHistory     = []byte("history")
	bucketDigestCache = []byte("digest_cache")
)

// JobRecord is a persisted summary of one terminal pipeline run (an
// update or a backup/restore).
type JobRecord struct {
	ID         string    `json:"id"`
	Class      string    `json:"class"` // "update", "backup" or "restore"
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// DigestCacheEntry is an on-disk record of a resolved registry digest,
// stored and read through PutDigest/GetDigest. The registry client and
// version resolver do not consult it; the in-memory latest-version cache
// is the only cache they use.
type DigestCacheEntry struct {
	Repo      string    `json:"repo"`
	Reference string    `json:"reference"`
	Digest    string    `json:"digest"`
	CachedAt  time.Time `json:"cached_at"`
}

// Store wraps a BoltDB database for updater persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all
// required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHistory, bucketDigestCache} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordJob appends a terminal job record to history. Key format:
// "{StartedAt UTC, fixed-width nanoseconds}::{ID}" so entries stay
// chronologically ordered, and stay distinct even if two jobs start
// within the same nanosecond tick.
func (s *Store) RecordJob(rec JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		key := []byte(rec.StartedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "::" + rec.ID)
		return b.Put(key, data)
	})
}

// ListHistory returns the most recent job records, newest first, up to
// limit. A limit of 0 or less returns all records.
func (s *Store) ListHistory(limit int) ([]JobRecord, error) {
	var records []JobRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		c := b.Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec JobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// PutDigest caches a resolved digest for repo+reference.
func (s *Store) PutDigest(entry DigestCacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal digest cache entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDigestCache)
		return b.Put(digestCacheKey(entry.Repo, entry.Reference), data)
	})
}

// GetDigest returns the cached digest entry for repo+reference, if any.
// Returns (zero value, false, nil) when no entry is cached.
func (s *Store) GetDigest(repo, reference string) (DigestCacheEntry, bool, error) {
	var entry DigestCacheEntry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDigestCache)
		v := b.Get(digestCacheKey(repo, reference))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("unmarshal digest cache entry: %w", err)
		}
		found = true
		return nil
	})
	return entry, found, err
}

func digestCacheKey(repo, reference string) []byte {
	return []byte(repo + "::" + reference)
}
