// Package kvstore persists small flat key/value tables as JSON files.
//
// Every mutation rewrites the whole file through a temporary sibling and
// an atomic rename, so a crash leaves either the old or the new table on
// disk, never a torn one.
package kvstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/storaged/storaged/pkg/errors"
)

// Store is a string-keyed table of JSON values.
type Store interface {
	// Get decodes the value stored under key into v. It reports false
	// when the key is absent.
	Get(key string, v interface{}) (bool, error)
	Put(key string, v interface{}) error
	Delete(key string) error
	Keys() ([]string, error)
	// Replace swaps the whole table in one write.
	Replace(entries map[string]interface{}) error
}

// FileStore is a Store backed by one JSON object on disk. The file is
// re-read on every call so external edits are picked up.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store for path, creating its directory.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreWrite, "create store directory")
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, errors.Wrap(err, errors.ErrCodeStoreRead, "read "+filepath.Base(s.path))
	}
	table := map[string]json.RawMessage{}
	if len(data) == 0 {
		return table, nil
	}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreRead, "parse "+filepath.Base(s.path))
	}
	return table, nil
}

func (s *FileStore) save(table map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, "encode table")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errors.Wrap(err, errors.ErrCodeStoreWrite, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, errors.ErrCodeStoreWrite, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrCodeStoreWrite, "close temp file")
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrCodeStoreWrite, "chmod temp file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrCodeStoreWrite, "rename into place")
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(key string, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return false, err
	}
	raw, ok := table[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeStoreRead, "decode "+key)
	}
	return true, nil
}

// Put implements Store.
func (s *FileStore) Put(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, "encode "+key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A corrupt file is replaced rather than blocking writes forever.
	table, err := s.load()
	if err != nil {
		table = map[string]json.RawMessage{}
	}
	table[key] = raw
	return s.save(table)
}

// Delete implements Store.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := table[key]; !ok {
		return nil
	}
	delete(table, key)
	return s.save(table)
}

// Keys implements Store.
func (s *FileStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load()
	if err != nil {
		return nil, err
	}
	return sortedKeys(table), nil
}

// Replace implements Store.
func (s *FileStore) Replace(entries map[string]interface{}) error {
	table := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		raw, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeStoreWrite, "encode "+k)
		}
		table[k] = raw
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(table)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	table map[string]json.RawMessage
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{table: map[string]json.RawMessage{}}
}

// Get implements Store.
func (m *MemoryStore) Get(key string, v interface{}) (bool, error) {
	m.mu.Lock()
	raw, ok := m.table[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Put implements Store.
func (m *MemoryStore) Put(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.table[key] = raw
	m.mu.Unlock()
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.table, key)
	m.mu.Unlock()
	return nil
}

// Keys implements Store.
func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.table), nil
}

// Replace implements Store.
func (m *MemoryStore) Replace(entries map[string]interface{}) error {
	table := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		table[k] = raw
	}
	m.mu.Lock()
	m.table = table
	m.mu.Unlock()
	return nil
}

func sortedKeys(table map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
