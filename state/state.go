// Package state persists the last-known category per channel login as a flat
// JSON document. One writer (the poll loop) owns the file for the process
// lifetime; saves are atomic so a crash mid-write never corrupts prior state.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store reads and writes the login -> last category mapping at Path.
type Store struct {
	Path string
}

// Load returns the persisted mapping, or an empty one on first run when the
// file does not exist yet.
func (s *Store) Load() (map[string]string, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read state file %s: %w", s.Path, err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.Path, err)
	}
	return m, nil
}

// Save writes the mapping to a sibling temp file, syncs it, then renames it
// over Path. The previous file stays intact until the rename, so a process
// killed mid-save leaves readable state behind.
func (s *Store) Save(m map[string]string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.Path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// CheckWritable verifies the state directory accepts writes; used by the
// readiness probe so a bad mount fails fast instead of at the first change.
func (s *Store) CheckWritable() error {
	dir := filepath.Dir(s.Path)
	f, err := os.CreateTemp(dir, ".statecheck-*")
	if err != nil {
		return fmt.Errorf("state dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
