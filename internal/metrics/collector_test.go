package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serr "github.com/storaged/storaged/pkg/errors"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	require.NoError(t, err)
	return c
}

// value returns the sum of all samples of the named family that carry
// every label in match.
func value(t *testing.T, c *Collector, name string, match map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			ok := true
			for k, v := range match {
				if labels[k] != v {
					ok = false
				}
			}
			if !ok {
				continue
			}
			switch {
			case m.Counter != nil:
				total += m.GetCounter().GetValue()
			case m.Gauge != nil:
				total += m.GetGauge().GetValue()
			case m.Histogram != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestNewCollector(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil)
		require.NoError(t, err)
		assert.Equal(t, 9100, c.config.Port)
		assert.Equal(t, "/metrics", c.config.Path)
		assert.Equal(t, "storaged", c.config.Namespace)
		assert.NotNil(t, c.Registry())
	})

	t.Run("disabled collector has no registry", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false})
		require.NoError(t, err)
		assert.Nil(t, c.Registry())

		c.RecordOperation("read", time.Millisecond, 10, true)
		c.RecordCleanup("bytes", 1, 1, nil)
		assert.Empty(t, c.GetMetrics())
	})

	t.Run("nil collector is usable", func(t *testing.T) {
		var c *Collector
		c.SetUsage("space", 1, 2)
		c.RecordEvent("storage_low", "low")
		c.RecordError("read", errors.New("x"))
		assert.NoError(t, c.Stop(context.Background()))
		assert.Empty(t, c.GetMetrics())
	})
}

func TestMonitorMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.SetUsage("space", 40, 1000)
	c.SetUsage("inode", 7, 100)
	c.RecordTick(10*time.Millisecond, nil)
	c.RecordTick(10*time.Millisecond, errors.New("sample failed"))
	c.SetLowInterval(time.Hour)
	c.RecordEvent("storage_low", "low")
	c.RecordEvent("storage_low", "low")
	c.RecordThrottled("notification", "high")

	assert.Equal(t, 40.0, value(t, c, "test_monitor_free", map[string]string{"resource": "space"}))
	assert.Equal(t, 100.0, value(t, c, "test_monitor_total", map[string]string{"resource": "inode"}))
	assert.Equal(t, 1.0, value(t, c, "test_monitor_ticks_total", map[string]string{"status": "error"}))
	assert.Equal(t, 2.0, value(t, c, "test_monitor_tick_duration_seconds", nil))
	assert.Equal(t, 3600.0, value(t, c, "test_monitor_low_interval_seconds", nil))
	assert.Equal(t, 2.0, value(t, c, "test_events_published_total", map[string]string{"level": "low"}))
	assert.Equal(t, 1.0, value(t, c, "test_events_throttled_total", map[string]string{"kind": "notification"}))
}

func TestCleanupMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCleanup("bytes", 200, 80, nil)
	c.RecordCleanup("bytes", 200, 0, errors.New("failed"))
	c.RecordCleanup("inodes", 10, 10, nil)

	assert.Equal(t, 400.0, value(t, c, "test_cleanup_requested_total", map[string]string{"unit": "bytes"}))
	assert.Equal(t, 80.0, value(t, c, "test_cleanup_freed_total", map[string]string{"unit": "bytes"}))
	assert.Equal(t, 1.0, value(t, c, "test_cleanup_requests_total", map[string]string{"unit": "bytes", "status": "error"}))
	assert.Equal(t, 1.0, value(t, c, "test_cleanup_requests_total", map[string]string{"unit": "inodes"}))
}

func TestRecordOperation(t *testing.T) {
	c := newTestCollector(t)

	c.RecordOperation("read", 100*time.Millisecond, 1000, true)
	c.RecordOperation("read", 300*time.Millisecond, 2000, false)
	c.RecordUpload(4096)
	c.RecordPreviewCache(true)
	c.RecordPreviewCache(false)
	c.RecordPreviewCache(false)

	ops := c.GetMetrics()
	require.Contains(t, ops, "read")
	assert.Equal(t, int64(2), ops["read"].Count)
	assert.Equal(t, int64(3000), ops["read"].TotalSize)
	assert.Equal(t, int64(1), ops["read"].Errors)
	assert.Equal(t, 200*time.Millisecond, ops["read"].AvgDuration)

	assert.Equal(t, 1.0, value(t, c, "test_fs_operations_total", map[string]string{"operation": "read", "status": "error"}))
	assert.Equal(t, 4096.0, value(t, c, "test_fs_upload_bytes_total", nil))
	assert.Equal(t, 2.0, value(t, c, "test_fs_preview_cache_requests_total", map[string]string{"result": "miss"}))

	c.ResetMetrics()
	assert.Empty(t, c.GetMetrics())
}

func TestRecordErrorClassification(t *testing.T) {
	c := newTestCollector(t)

	c.RecordError("read", serr.NewError(serr.ErrCodeDeviceIO, "usb reset"))
	c.RecordError("open", syscall.ENOENT)
	c.RecordError("open", nil)

	assert.Equal(t, 1.0, value(t, c, "test_fs_errors_total", map[string]string{"type": "device_io"}))
	assert.Equal(t, 1.0, value(t, c, "test_fs_errors_total", map[string]string{"operation": "open"}))
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.SetUsage("space", 1, 2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_monitor_free"))

	disabled, err := NewCollector(&Config{Enabled: false})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
