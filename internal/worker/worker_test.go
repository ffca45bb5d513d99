package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storaged/storaged/internal/clock"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPostRunsSequentially(t *testing.T) {
	w := New("test", clock.Real(), nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	var running, maxRunning, done int32
	for i := 0; i < 20; i++ {
		w.Post(func() {
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxRunning)
				if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&done, 1)
		})
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&done) == 20 })
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestPostPreservesOrder(t *testing.T) {
	w := New("order", nil, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		w.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestPostDelayedWithFakeClock(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	w := New("delayed", fake, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	var fired int32
	require.True(t, w.PostDelayed(func() { atomic.AddInt32(&fired, 1) }, time.Minute))
	assert.Equal(t, 1, w.Pending())

	fake.Advance(30 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	fake.Advance(30 * time.Second)
	waitFor(t, func() bool { return atomic.LoadInt32(&fired) == 1 })
}

func TestStopCancelsDelayed(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	w := New("stop", fake, nil)
	require.NoError(t, w.Start())

	var fired int32
	w.PostDelayed(func() { atomic.AddInt32(&fired, 1) }, time.Minute)
	w.Stop()

	fake.Advance(time.Hour)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.False(t, w.Post(func() {}))
	assert.False(t, w.IsRunning())
}

func TestStartTwice(t *testing.T) {
	w := New("twice", nil, nil)
	require.NoError(t, w.Start())
	defer w.Stop()
	assert.Error(t, w.Start())
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	w := New("panic", nil, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	var ok int32
	w.Post(func() { panic("boom") })
	w.Post(func() { atomic.StoreInt32(&ok, 1) })

	waitFor(t, func() bool { return atomic.LoadInt32(&ok) == 1 })
}

func TestRestartAfterStop(t *testing.T) {
	w := New("restart", nil, nil)
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()

	require.NoError(t, w.Start())
	defer w.Stop()

	var ok int32
	w.Post(func() { atomic.StoreInt32(&ok, 1) })
	waitFor(t, func() bool { return atomic.LoadInt32(&ok) == 1 })
}
