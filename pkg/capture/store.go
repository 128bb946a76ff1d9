package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned for keys that were never stored or already deleted.
var ErrNotFound = errors.New("capture: artifact data not found")

// Store holds artifact payloads while a session reviews them.
type Store interface {
	// Put stores data and returns a key for it.
	Put(name string, data []byte) (string, error)

	// Get returns the payload for key.
	Get(key string) ([]byte, error)

	// Delete reclaims the payload. Deleting a missing key is not an error.
	Delete(key string) error

	// Len returns the number of payloads held.
	Len() int
}

// MemoryStore keeps payloads in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Put stores a copy of data under name.
func (s *MemoryStore) Put(name string, data []byte) (string, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[name]; exists {
		return "", fmt.Errorf("capture: duplicate artifact %q", name)
	}
	s.data[name] = buf
	return name, nil
}

// Get returns the payload for key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Delete drops the payload.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len returns the number of payloads held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// DirStore spools payloads to files in a directory, like a mobile client
// writing captures to its cache dir.
type DirStore struct {
	dir string

	mu   sync.Mutex
	keys map[string]struct{}
}

// NewDirStore creates a store under dir. An empty dir creates a fresh
// directory in os.TempDir.
func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		d, err := os.MkdirTemp("", "docscan-")
		if err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
		dir = d
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &DirStore{dir: dir, keys: make(map[string]struct{})}, nil
}

// Dir returns the spool directory.
func (s *DirStore) Dir() string { return s.dir }

// Put writes data to <dir>/<name>.
func (s *DirStore) Put(name string, data []byte) (string, error) {
	if name != filepath.Base(name) {
		return "", fmt.Errorf("capture: invalid artifact name %q", name)
	}
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("spool %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("spool %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("spool %s: %w", name, err)
	}

	s.mu.Lock()
	s.keys[path] = struct{}{}
	s.mu.Unlock()
	return path, nil
}

// Get reads the spooled file.
func (s *DirStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	_, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return os.ReadFile(key)
}

// Delete removes the spooled file.
func (s *DirStore) Delete(key string) error {
	s.mu.Lock()
	_, ok := s.keys[key]
	delete(s.keys, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reclaim %s: %w", key, err)
	}
	return nil
}

// Len returns the number of spooled files.
func (s *DirStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
