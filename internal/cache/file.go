package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// FileStore persists all keys to a single JSON document, rewritten atomically on every mutation.
type FileStore struct {
	mu      sync.Mutex
	path    string
	records map[string][]byte
}

type fileDocument struct {
	Version int               `json:"version"`
	Records map[string][]byte `json:"records"`
}

const fileDocumentVersion = 1

// OpenFileStore loads path if it exists, creating parent directories as needed.
func OpenFileStore(path string) (*FileStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("file cache: path required")
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(filepath.Dir(clean), 0o750); err != nil {
		return nil, fmt.Errorf("file cache: ensure directory for %q: %w", clean, err)
	}

	store := &FileStore{
		mu:      sync.Mutex{},
		path:    clean,
		records: make(map[string][]byte),
	}

	// #nosec G304 -- path is operator controlled.
	raw, err := os.ReadFile(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store, nil
		}
		return nil, fmt.Errorf("file cache: read %q: %w", clean, err)
	}
	if len(raw) == 0 {
		return store, nil
	}
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("file cache: decode %q: %w", clean, err)
	}
	if doc.Records != nil {
		store.records = doc.Records
	}
	return store, nil
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

// Get returns a copy of the stored value.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey("cache/get", key); err != nil {
		return nil, err
	}
	if err := checkContext(ctx, "cache/get"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound(key)
	}
	return cloneBytes(value), nil
}

// Set stores value and flushes the document.
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey("cache/set", key); err != nil {
		return err
	}
	if err := checkContext(ctx, "cache/set"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.records[key]
	s.records[key] = cloneBytes(value)
	if err := s.flushLocked(); err != nil {
		if existed {
			s.records[key] = previous
		} else {
			delete(s.records, key)
		}
		return err
	}
	return nil
}

// Delete removes key and flushes the document.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := validateKey("cache/delete", key); err != nil {
		return err
	}
	if err := checkContext(ctx, "cache/delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.records[key]
	if !existed {
		return nil
	}
	delete(s.records, key)
	if err := s.flushLocked(); err != nil {
		s.records[key] = previous
		return err
	}
	return nil
}

func (s *FileStore) flushLocked() error {
	data, err := json.Marshal(fileDocument{Version: fileDocumentVersion, Records: s.records})
	if err != nil {
		return fmt.Errorf("file cache: encode: %w", err)
	}
	tempFile, err := os.CreateTemp(filepath.Dir(s.path), ".cache-*.json")
	if err != nil {
		return fmt.Errorf("file cache: create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("file cache: write temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("file cache: close temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("file cache: persist %q: %w", s.path, err)
	}
	return nil
}
