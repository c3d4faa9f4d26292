// Package blobstore implements the content-addressed on-disk cache used for
// raw block and transaction JSON. It is a soft cache: safe to delete, never
// the system of record for chain state (that is internal/chaindb).
package blobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when id has no cached entry.
var ErrNotFound = errors.New("blobstore: not found")

// Store is a generic content-addressed cache keyed by 43-character
// base64url ids, partitioned two levels deep by id prefix to keep
// per-directory entry counts bounded.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) path(id string) (string, error) {
	if len(id) < 4 {
		return "", fmt.Errorf("blobstore: id %q too short to address", id)
	}
	dir := filepath.Join(s.baseDir, id[0:2], id[2:4])
	return filepath.Join(dir, id), nil
}

// Has reports whether id is present in the store.
func (s *Store) Has(id string) bool {
	p, err := s.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Get returns the raw bytes stored under id, or ErrNotFound.
func (s *Store) Get(id string) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", id, err)
	}
	return data, nil
}

// Put writes data under id atomically: a sibling temp file is written and
// fsynced, then renamed into place. Concurrent Put of the same id is safe
// because content is deterministic from id; the last rename wins and both
// writers would have written identical bytes.
func (s *Store) Put(id string, data []byte) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobstore: create dir for %s: %w", id, err)
	}

	tmp := filepath.Join(dir, "."+id+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("blobstore: create temp file for %s: %w", id, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("blobstore: write temp file for %s: %w", id, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("blobstore: sync temp file for %s: %w", id, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blobstore: close temp file for %s: %w", id, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blobstore: rename temp file for %s: %w", id, err)
	}
	return nil
}

// Delete removes id from the store. Deleting an absent id is not an error.
func (s *Store) Delete(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore: delete %s: %w", id, err)
	}
	return nil
}
