package throttle

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storaged/storaged/internal/kvstore"
	"github.com/storaged/storaged/internal/policy"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type failingStore struct {
	kvstore.Store
}

var errBroken = errors.New("store broken")

func (failingStore) Get(string, interface{}) (bool, error) { return false, errBroken }
func (failingStore) Put(string, interface{}) error         { return errBroken }
func (failingStore) Delete(string) error                   { return errBroken }

func TestFirstQueryHasNoRecord(t *testing.T) {
	th := New(kvstore.NewMemoryStore(), Intervals{}, nil)
	for _, level := range Levels {
		_, found := th.GetLastNotifyTime(level)
		assert.False(t, found, level)
		assert.True(t, th.ShouldNotify(level, t0), level)
	}
}

func TestThrottleLaw(t *testing.T) {
	th := New(kvstore.NewMemoryStore(), Intervals{}, nil)

	for _, level := range Levels {
		min := th.MinInterval(level)
		require.NoError(t, th.SetLastNotifyTime(level, t0))

		offsets := []time.Duration{0, time.Second, min / 2, min - time.Nanosecond}
		for _, off := range offsets {
			assert.False(t, th.ShouldNotify(level, t0.Add(off)), "%s +%s", level, off)
		}
		for _, off := range []time.Duration{min, min + time.Nanosecond, 3 * min} {
			assert.True(t, th.ShouldNotify(level, t0.Add(off)), "%s +%s", level, off)
		}
	}
}

func TestThrottleLawSubSecond(t *testing.T) {
	th := New(kvstore.NewMemoryStore(), Intervals{Medium: time.Hour}, nil)
	ts := t0.Add(900 * time.Millisecond)
	require.NoError(t, th.SetLastNotifyTime(LevelMedium, ts))

	assert.False(t, th.ShouldNotify(LevelMedium, ts.Add(time.Hour-time.Millisecond)))
	assert.True(t, th.ShouldNotify(LevelMedium, ts.Add(time.Hour)))
}

func TestShouldNotifyIdempotent(t *testing.T) {
	th := New(kvstore.NewMemoryStore(), Intervals{}, nil)
	require.NoError(t, th.SetLastNotifyTime(LevelHigh, t0))

	for _, now := range []time.Time{t0, t0.Add(23 * time.Hour), t0.Add(25 * time.Hour)} {
		first := th.ShouldNotify(LevelHigh, now)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, th.ShouldNotify(LevelHigh, now))
		}
	}
}

func TestDefaultIntervals(t *testing.T) {
	th := New(kvstore.NewMemoryStore(), Intervals{}, nil)
	assert.Equal(t, 12*time.Hour, th.MinInterval(LevelLow))
	assert.Equal(t, 24*time.Hour, th.MinInterval(LevelMedium))
	assert.Equal(t, 24*time.Hour, th.MinInterval(LevelHigh))
	assert.Equal(t, 24*time.Hour, th.MinInterval(LevelRich))
}

func TestAdaptiveLowInterval(t *testing.T) {
	th := New(kvstore.NewMemoryStore(), Intervals{}, nil)
	require.NoError(t, th.SetLastNotifyTime(LevelLow, t0))

	assert.False(t, th.ShouldNotify(LevelLow, t0.Add(2*time.Hour)))

	th.UseFastRecheck()
	assert.Equal(t, time.Hour, th.LowInterval())
	assert.True(t, th.ShouldNotify(LevelLow, t0.Add(2*time.Hour)))

	th.Relax()
	assert.Equal(t, 12*time.Hour, th.LowInterval())
	assert.False(t, th.ShouldNotify(LevelLow, t0.Add(2*time.Hour)))

	th.SetLowInterval(30 * time.Minute)
	assert.Equal(t, 30*time.Minute, th.MinInterval(LevelLow))
}

func TestResetTier(t *testing.T) {
	th := New(kvstore.NewMemoryStore(), Intervals{}, nil)
	require.NoError(t, th.SetLastNotifyTime(LevelMedium, t0))
	assert.False(t, th.ShouldNotify(LevelMedium, t0))

	require.NoError(t, th.ResetTier(LevelMedium))
	assert.True(t, th.ShouldNotify(LevelMedium, t0))
}

func TestFailOpen(t *testing.T) {
	th := New(failingStore{}, Intervals{}, nil)

	assert.Error(t, th.SetLastNotifyTime(LevelLow, t0))
	assert.True(t, th.ShouldNotify(LevelLow, t0))
	assert.Error(t, th.ResetTier(LevelLow))
}

func TestPersistedRecordFormat(t *testing.T) {
	store, err := kvstore.NewFileStore(filepath.Join(t.TempDir(), "clean_notify.json"))
	require.NoError(t, err)

	th := New(store, Intervals{}, nil)
	require.NoError(t, th.SetLastNotifyTime(LevelLow, t0))

	var rec Record
	found, err := store.Get("low", &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "low", rec.CleanLevelName)
	assert.Equal(t, t0.Unix(), rec.LastCleanNotifyTime)

	// A restarted daemon reads the same record.
	restarted := New(store, Intervals{}, nil)
	last, found := restarted.GetLastNotifyTime(LevelLow)
	require.True(t, found)
	assert.True(t, last.Equal(t0))
	assert.False(t, restarted.ShouldNotify(LevelLow, t0.Add(time.Hour)))
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, LevelLow, LevelOf(policy.Low))
	assert.Equal(t, LevelMedium, LevelOf(policy.Medium))
	assert.Equal(t, LevelHigh, LevelOf(policy.High))
}
