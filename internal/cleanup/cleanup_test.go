package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storaged/storaged/internal/circuit"
	"github.com/storaged/storaged/internal/clock"
	serr "github.com/storaged/storaged/pkg/errors"
)

type fakePM struct {
	mu      sync.Mutex
	calls   []int64
	units   []Unit
	cleaned int64
	err     error
}

func (f *fakePM) CleanCache(_ context.Context, target int64, unit Unit) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, target)
	f.units = append(f.units, unit)
	return f.cleaned, f.err
}

func TestExecutorDelegates(t *testing.T) {
	pm := &fakePM{cleaned: 80}
	e := NewExecutor(pm, circuit.Config{}, nil, nil, nil)

	cleaned, err := e.Clean(context.Background(), 200, Bytes)
	require.NoError(t, err)
	assert.Equal(t, int64(80), cleaned)
	assert.Equal(t, []int64{200}, pm.calls)
	assert.Equal(t, []Unit{Bytes}, pm.units)
}

func TestExecutorZeroBudget(t *testing.T) {
	pm := &fakePM{}
	e := NewExecutor(pm, circuit.Config{}, nil, nil, nil)

	cleaned, err := e.Clean(context.Background(), 0, Inodes)
	require.NoError(t, err)
	assert.Zero(t, cleaned)
	assert.Empty(t, pm.calls)
}

func TestExecutorWrapsDelegateError(t *testing.T) {
	pm := &fakePM{cleaned: 5, err: errors.New("ipc unreachable")}
	e := NewExecutor(pm, circuit.Config{}, nil, nil, nil)

	cleaned, err := e.Clean(context.Background(), 100, Bytes)
	require.Error(t, err)
	assert.Equal(t, int64(5), cleaned)
	code, ok := serr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, serr.ErrCodeCleanupFailed, code)
}

func TestExecutorBreakerOpens(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pm := &fakePM{err: errors.New("service not loaded")}
	e := NewExecutor(pm, circuit.Config{FailureThreshold: 2, Timeout: time.Minute}, fake, nil, nil)
	ctx := context.Background()

	_, _ = e.Clean(ctx, 10, Bytes)
	_, _ = e.Clean(ctx, 10, Bytes)
	require.Equal(t, circuit.StateOpen, e.Breaker().State())

	_, err := e.Clean(ctx, 10, Bytes)
	require.Error(t, err)
	assert.Equal(t, serr.E_SERVICE_UNAVAILABLE, serr.Status(err))
	assert.Len(t, pm.calls, 2)

	// After the cool-down a successful probe closes the breaker.
	fake.Advance(time.Minute)
	pm.err = nil
	pm.cleaned = 10
	cleaned, err := e.Clean(ctx, 10, Bytes)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cleaned)
	assert.Equal(t, circuit.StateClosed, e.Breaker().State())
}

func writeCacheFile(t *testing.T, path string, size int, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0600))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestLocalCacheCleanerBytesOldestFirst(t *testing.T) {
	root := t.TempDir()
	writeCacheFile(t, filepath.Join(root, "com.example.a", "old.bin"), 100, 3*time.Hour)
	writeCacheFile(t, filepath.Join(root, "com.example.b", "mid.bin"), 100, 2*time.Hour)
	writeCacheFile(t, filepath.Join(root, "com.example.a", "new.bin"), 100, time.Hour)

	c := NewLocalCacheCleaner([]string{root, filepath.Join(root, "missing")}, nil)
	freed, err := c.CleanCache(context.Background(), 150, Bytes)
	require.NoError(t, err)
	assert.Equal(t, int64(200), freed)

	assert.NoFileExists(t, filepath.Join(root, "com.example.a", "old.bin"))
	assert.NoFileExists(t, filepath.Join(root, "com.example.b", "mid.bin"))
	assert.FileExists(t, filepath.Join(root, "com.example.a", "new.bin"))
	assert.DirExists(t, root)
}

func TestLocalCacheCleanerInodes(t *testing.T) {
	root := t.TempDir()
	writeCacheFile(t, filepath.Join(root, "a", "1"), 1, 3*time.Hour)
	writeCacheFile(t, filepath.Join(root, "b", "2"), 1, 2*time.Hour)
	writeCacheFile(t, filepath.Join(root, "b", "3"), 1, time.Hour)

	c := NewLocalCacheCleaner([]string{root}, nil)
	freed, err := c.CleanCache(context.Background(), 3, Inodes)
	require.NoError(t, err)
	// Two files, then the emptied directory "a".
	assert.Equal(t, int64(3), freed)
	assert.NoDirExists(t, filepath.Join(root, "a"))
	assert.FileExists(t, filepath.Join(root, "b", "3"))
}

func TestLocalCacheCleanerNothingToFree(t *testing.T) {
	c := NewLocalCacheCleaner([]string{t.TempDir()}, nil)
	freed, err := c.CleanCache(context.Background(), 1000, Bytes)
	require.NoError(t, err)
	assert.Zero(t, freed)
}

func TestLocalCacheCleanerCanceled(t *testing.T) {
	root := t.TempDir()
	writeCacheFile(t, filepath.Join(root, "x"), 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewLocalCacheCleaner([]string{root}, nil)
	freed, err := c.CleanCache(ctx, 10, Bytes)
	assert.Zero(t, freed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnitString(t *testing.T) {
	assert.Equal(t, "bytes", Bytes.String())
	assert.Equal(t, "inodes", Inodes.String())
}
