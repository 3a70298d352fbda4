// Package document implements the default Cache Store backend: a
// single persistent JSON document reloaded at startup and rewritten
// atomically (temp file + rename) on every mutation, exactly as
// specified for cache-data.json.
package document

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Backend is a cache.Backend over a single JSON file holding the
// entire key->entry map as base64-friendly byte blobs.
type Backend struct {
	path string
}

// New returns a document backend persisting to path (typically
// "<cacheDir>/cache-data.json").
func New(path string) *Backend {
	return &Backend{path: path}
}

func (b *Backend) Load() (map[string][]byte, error) {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]byte{}, nil
		}
		return map[string][]byte{}, fmt.Errorf("document: read %s: %w", b.path, err)
	}
	var m map[string][]byte
	if err := json.Unmarshal(raw, &m); err != nil {
		// corrupt persistent file: start empty rather than fail boot.
		return map[string][]byte{}, fmt.Errorf("document: corrupt %s: %w", b.path, err)
	}
	return m, nil
}

// Persist writes the whole map to a temp sibling and renames it over
// path, so a crash mid-write never leaves a half-written document.
func (b *Backend) Persist(all map[string][]byte) error {
	raw, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("document: marshal: %w", err)
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("document: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".cache-data-*.tmp")
	if err != nil {
		return fmt.Errorf("document: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("document: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("document: close temp: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("document: rename: %w", err)
	}
	return nil
}

func (b *Backend) Close() error { return nil }
