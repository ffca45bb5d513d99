package kvstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serr "github.com/storaged/storaged/pkg/errors"
)

type record struct {
	CleanLevelName      string `json:"cleanLevelName"`
	LastCleanNotifyTime int64  `json:"lastCleanNotifyTime"`
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "data", "clean_notify.json"))
	require.NoError(t, err)
	return s
}

func TestFileStorePutGet(t *testing.T) {
	s := newFileStore(t)

	var r record
	found, err := s.Get("low", &r)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put("low", record{"low", 1700000000}))
	found, err = s.Get("low", &r)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, record{"low", 1700000000}, r)

	// A second store on the same path sees the persisted value.
	other, err := NewFileStore(s.Path())
	require.NoError(t, err)
	found, err = other.Get("low", &r)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	s := newFileStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put("k", i))
	}

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "clean_notify.json", entries[0].Name())
}

func TestFileStoreDeleteAndKeys(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, s.Put("medium", 2))
	require.NoError(t, s.Put("low", 1))
	require.NoError(t, s.Put("high", 3))

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low", "medium"}, keys)

	require.NoError(t, s.Delete("low"))
	require.NoError(t, s.Delete("absent"))
	keys, err = s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "medium"}, keys)
}

func TestFileStoreCorruptFile(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0600))

	var v int
	_, err := s.Get("low", &v)
	require.Error(t, err)
	code, ok := serr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, serr.ErrCodeStoreRead, code)

	// Writes recover by replacing the table.
	require.NoError(t, s.Put("low", 7))
	found, err := s.Get("low", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 7, v)
}

func TestFileStoreEmptyFile(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, os.WriteFile(s.Path(), nil, 0600))

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFileStoreReplace(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, s.Put("stale", 1))

	require.NoError(t, s.Replace(map[string]interface{}{
		"com.example.camera":  map[string]int64{"size": 10},
		"com.example.gallery": map[string]int64{"size": 20},
	}))

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.camera", "com.example.gallery"}, keys)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{"))
}

func TestFileStoreConcurrentPuts(t *testing.T) {
	s := newFileStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Put(string(rune('a'+i)), i))
		}(i)
	}
	wg.Wait()

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 16)
}

func TestFileStoreUnreadable(t *testing.T) {
	dir := t.TempDir()
	// A directory at the file path makes every read fail.
	path := filepath.Join(dir, "clean_notify.json")
	require.NoError(t, os.Mkdir(path, 0750))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	var v int
	_, err = s.Get("low", &v)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, serr.Sentinel(serr.ErrCodeStoreRead, "")))
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()

	var v string
	found, err := m.Get("x", &v)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.Put("x", "y"))
	found, err = m.Get("x", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "y", v)

	require.NoError(t, m.Replace(map[string]interface{}{"a": 1}))
	keys, _ := m.Keys()
	assert.Equal(t, []string{"a"}, keys)

	require.NoError(t, m.Delete("a"))
	keys, _ = m.Keys()
	assert.Empty(t, keys)
}
