package usage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storaged/storaged/internal/kvstore"
	serr "github.com/storaged/storaged/pkg/errors"
)

func writeFile(t *testing.T, path string, size int, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0600))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

func TestReportAndBundleStats(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	mtime := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	later := mtime.Add(time.Hour)

	writeFile(t, filepath.Join(rootA, "com.example.camera", "cache", "a"), 100, mtime)
	writeFile(t, filepath.Join(rootA, "com.example.camera", "b"), 50, mtime)
	writeFile(t, filepath.Join(rootA, "com.example.notes", "db"), 10, mtime)
	writeFile(t, filepath.Join(rootA, "stray-file"), 999, mtime)
	writeFile(t, filepath.Join(rootB, "com.example.camera", "el2"), 5, later)

	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Put("com.example.removed", BundleStats{BundleName: "com.example.removed", Size: 1}))

	r := NewReporter(Config{BundleRoots: []string{rootA, rootB, filepath.Join(rootA, "missing")}}, store, nil, nil)
	require.NoError(t, r.Report(context.Background()))

	cam, err := r.BundleStats("com.example.camera")
	require.NoError(t, err)
	assert.Equal(t, int64(155), cam.Size)
	assert.Equal(t, later.Unix(), cam.LastModifyTime)

	notes, err := r.BundleStats("com.example.notes")
	require.NoError(t, err)
	assert.Equal(t, int64(10), notes.Size)

	// Bundles gone from disk are dropped from the table.
	_, err = r.BundleStats("com.example.removed")
	assert.Equal(t, serr.E_NOT_FOUND, serr.Status(err))
}

func TestBundleStatsValidation(t *testing.T) {
	r := NewReporter(Config{}, kvstore.NewMemoryStore(), nil, nil)
	for _, name := range []string{"", ".", "..", "a/b", "a\x00b"} {
		_, err := r.BundleStats(name)
		assert.Equal(t, serr.E_PARAMS_INVALID, serr.Status(err), "%q", name)
	}
}

func TestUserStorageStats(t *testing.T) {
	user := t.TempDir()
	writeFile(t, filepath.Join(user, "Music", "song.MP3"), 30, time.Time{})
	writeFile(t, filepath.Join(user, "DCIM", "clip.mp4"), 200, time.Time{})
	writeFile(t, filepath.Join(user, "DCIM", "IMG_0001.JPG"), 70, time.Time{})
	writeFile(t, filepath.Join(user, "Documents", "notes.txt"), 5, time.Time{})

	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Put("com.example.a", BundleStats{BundleName: "com.example.a", Size: 1000}))

	r := NewReporter(Config{UserRoot: user}, store, nil, nil)
	stats, err := r.UserStorageStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UserStorageStats{
		Total: 1305,
		Audio: 30,
		Video: 200,
		Image: 70,
		File:  5,
		App:   1000,
	}, stats)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "image", classify("/a/B.HEIC"))
	assert.Equal(t, "audio", classify("x.flac"))
	assert.Equal(t, "video", classify("x.MOV"))
	assert.Equal(t, "file", classify("Makefile"))
}
