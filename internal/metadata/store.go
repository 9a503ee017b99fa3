// Package metadata persists provenance records for locally stored model
// artifacts. The filesystem stays the source of truth for existence; this
// store is the source of truth for where a file came from and when.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"chatd/pkg/types"
)

// recordFile is the on-disk shape: a flat list, fully rewritten per mutation.
type recordFile struct {
	Artifacts []types.ArtifactRecord `json:"artifacts"`
}

// Store is a durable filename -> ArtifactRecord mapping. Mutations persist
// immediately; persistence failures are logged and never roll back the
// in-memory state (artifact usability beats bookkeeping durability).
type Store struct {
	mu      sync.Mutex
	path    string
	log     zerolog.Logger
	records map[string]types.ArtifactRecord
}

// Open creates a Store backed by the given file path and loads it. An absent
// or unreadable record file yields an empty mapping (first run, corruption).
func Open(path string, log zerolog.Logger) *Store {
	s := &Store{
		path:    path,
		log:     log.With().Str("component", "metadata").Logger(),
		records: make(map[string]types.ArtifactRecord),
	}
	s.load()
	return s
}

func (s *Store) load() {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("metadata read failed, starting empty")
		}
		return
	}
	var f recordFile
	if err := json.Unmarshal(b, &f); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("metadata corrupt, starting empty")
		return
	}
	for _, r := range f.Artifacts {
		if r.Filename == "" {
			continue
		}
		s.records[r.Filename] = r
	}
}

// All returns a copy of the mapping keyed by filename.
func (s *Store) All() map[string]types.ArtifactRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.ArtifactRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Get returns the record for filename, if tracked.
func (s *Store) Get(filename string) (types.ArtifactRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[filename]
	return r, ok
}

// Upsert replaces any record with the same filename or appends, then
// persists.
func (s *Store) Upsert(rec types.ArtifactRecord) {
	s.mu.Lock()
	s.records[rec.Filename] = rec
	s.persistLocked()
	s.mu.Unlock()
}

// Remove drops the record for filename (no-op if untracked), then persists.
func (s *Store) Remove(filename string) {
	s.mu.Lock()
	if _, ok := s.records[filename]; ok {
		delete(s.records, filename)
		s.persistLocked()
	}
	s.mu.Unlock()
}

// persistLocked rewrites the record file via temp file + rename so a reader
// never observes a partially written mapping. Caller holds s.mu.
func (s *Store) persistLocked() {
	f := recordFile{Artifacts: make([]types.ArtifactRecord, 0, len(s.records))}
	for _, r := range s.records {
		f.Artifacts = append(f.Artifacts, r)
	}
	sort.Slice(f.Artifacts, func(i, j int) bool {
		return f.Artifacts[i].Filename < f.Artifacts[j].Filename
	})
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("metadata marshal failed")
		return
	}
	if err := writeAtomic(s.path, b); err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("metadata persist failed")
	}
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
