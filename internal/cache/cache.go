// Package cache persists the last extracted metadata snapshot to disk
// with a fixed time-to-live. The cache is all-or-nothing: one entry for
// the whole schema, overwritten on every successful extraction.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/querymind/querymind/internal/metadata"
)

// TTL is the fixed validity window for a cached snapshot.
const TTL = time.Hour

// entryVersion is bumped whenever the serialized shape changes; any
// mismatch on load is treated as a miss, never an error.
const entryVersion = 1

type entry struct {
	Version  int                `json:"version"`
	CachedAt time.Time          `json:"cached_at"`
	Snapshot *metadata.Snapshot `json:"snapshot"`
}

// Store is a file-backed snapshot cache. It implements metadata.Cache.
type Store struct {
	path string
	ttl  time.Duration
	now  func() time.Time
}

// NewStore creates a cache store at the given file path.
func NewStore(path string) *Store {
	return &Store{path: path, ttl: TTL, now: time.Now}
}

// Get returns the cached snapshot if one exists, deserializes cleanly,
// carries the current format version, and is younger than the TTL.
// Everything else is a miss.
func (s *Store) Get() (*metadata.Snapshot, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("[WARN] reading metadata cache: %v", err)
		}
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		log.Printf("[WARN] metadata cache corrupt, ignoring: %v", err)
		return nil, false
	}
	if e.Version != entryVersion || e.Snapshot == nil {
		return nil, false
	}
	if s.now().Sub(e.CachedAt) > s.ttl {
		return nil, false
	}
	return e.Snapshot, true
}

// Put overwrites any prior entry with the snapshot stamped now. The
// entry is written to a temporary file in the same directory and
// renamed into place so a concurrent Get never observes a partial
// write.
func (s *Store) Put(snap *metadata.Snapshot) error {
	data, err := json.Marshal(entry{
		Version:  entryVersion,
		CachedAt: s.now(),
		Snapshot: snap,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

// Clear removes the persisted entry. Clearing an already-empty cache is
// not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}
