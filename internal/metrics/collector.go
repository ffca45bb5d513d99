package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storaged/storaged/pkg/errors"
)

// Collector records storaged and camerafs metrics. A nil or disabled
// Collector accepts every call and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Monitor
	freeGauge     *prometheus.GaugeVec
	totalGauge    *prometheus.GaugeVec
	tickCounter   *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	lowInterval   prometheus.Gauge
	eventCounter  *prometheus.CounterVec
	throttleCount *prometheus.CounterVec

	// Cleanup
	cleanupRequested *prometheus.CounterVec
	cleanupFreed     *prometheus.CounterVec
	cleanupCounter   *prometheus.CounterVec

	// Filesystem operations
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	uploadBytes       prometheus.Counter
	previewCache      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// DefaultConfig returns an enabled collector config on port 9100.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9100,
		Path:      "/metrics",
		Namespace: "storaged",
		Labels:    map[string]string{},
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Registry exposes the private registry. It is nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint on the configured port.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() || c.config.Port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-time.After(50 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// SetUsage publishes the latest sample for resource ("space" or "inode").
func (c *Collector) SetUsage(resource string, free, total int64) {
	if !c.enabled() {
		return
	}
	c.freeGauge.WithLabelValues(resource).Set(float64(free))
	c.totalGauge.WithLabelValues(resource).Set(float64(total))
}

// RecordTick records one monitor iteration.
func (c *Collector) RecordTick(duration time.Duration, err error) {
	if !c.enabled() {
		return
	}
	c.tickCounter.WithLabelValues(status(err == nil)).Inc()
	c.tickDuration.Observe(duration.Seconds())
}

// SetLowInterval publishes the adaptive low-level throttle interval.
func (c *Collector) SetLowInterval(d time.Duration) {
	if !c.enabled() {
		return
	}
	c.lowInterval.Set(d.Seconds())
}

// RecordEvent counts a published event.
func (c *Collector) RecordEvent(kind, level string) {
	if !c.enabled() {
		return
	}
	c.eventCounter.WithLabelValues(kind, level).Inc()
}

// RecordThrottled counts an event suppressed by the throttle.
func (c *Collector) RecordThrottled(kind, level string) {
	if !c.enabled() {
		return
	}
	c.throttleCount.WithLabelValues(kind, level).Inc()
}

// RecordCleanup records one cleanup request in unit ("bytes" or "inodes").
func (c *Collector) RecordCleanup(unit string, requested, freed int64, err error) {
	if !c.enabled() {
		return
	}
	c.cleanupCounter.WithLabelValues(unit, status(err == nil)).Inc()
	c.cleanupRequested.WithLabelValues(unit).Add(float64(max64(requested, 0)))
	c.cleanupFreed.WithLabelValues(unit).Add(float64(max64(freed, 0)))
}

// RecordOperation records a filesystem operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	op, ok := c.operations[operation]
	if !ok {
		op = &OperationMetrics{}
		c.operations[operation] = op
	}
	op.Count++
	op.TotalDuration += duration
	op.TotalSize += size
	if !success {
		op.Errors++
	}
	op.LastOperation = time.Now()
	op.AvgDuration = time.Duration(int64(op.TotalDuration) / op.Count)
	c.mu.Unlock()

	c.operationCounter.WithLabelValues(operation, status(success)).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
}

// RecordUpload counts bytes written back to a device.
func (c *Collector) RecordUpload(bytes int64) {
	if !c.enabled() {
		return
	}
	c.uploadBytes.Add(float64(max64(bytes, 0)))
}

// RecordPreviewCache records a preview-size cache lookup.
func (c *Collector) RecordPreviewCache(hit bool) {
	if !c.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.previewCache.WithLabelValues(result).Inc()
}

// GetMetrics returns a snapshot of the per-operation tracking.
func (c *Collector) GetMetrics() map[string]*OperationMetrics {
	out := make(map[string]*OperationMetrics)
	if !c.enabled() {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		cp := *v
		out[k] = &cp
	}
	return out
}

// ResetMetrics clears the per-operation tracking.
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	labels := prometheus.Labels(c.config.Labels)

	c.freeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "monitor", Name: "free", ConstLabels: labels,
		Help: "Free quantity at the last sample, in bytes or inodes",
	}, []string{"resource"})
	c.totalGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "monitor", Name: "total", ConstLabels: labels,
		Help: "Total quantity at the last sample, in bytes or inodes",
	}, []string{"resource"})
	c.tickCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "monitor", Name: "ticks_total", ConstLabels: labels,
		Help: "Monitor iterations by outcome",
	}, []string{"status"})
	c.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "monitor", Name: "tick_duration_seconds", ConstLabels: labels,
		Help:    "Duration of monitor iterations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})
	c.lowInterval = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "monitor", Name: "low_interval_seconds", ConstLabels: labels,
		Help: "Current low-level re-notification interval",
	})
	c.eventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "events", Name: "published_total", ConstLabels: labels,
		Help: "Published events by kind and level",
	}, []string{"kind", "level"})
	c.throttleCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "events", Name: "throttled_total", ConstLabels: labels,
		Help: "Events suppressed by the re-notification throttle",
	}, []string{"kind", "level"})

	c.cleanupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cleanup", Name: "requests_total", ConstLabels: labels,
		Help: "Cleanup requests by unit and outcome",
	}, []string{"unit", "status"})
	c.cleanupRequested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cleanup", Name: "requested_total", ConstLabels: labels,
		Help: "Quantity requested from the cache cleaner",
	}, []string{"unit"})
	c.cleanupFreed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cleanup", Name: "freed_total", ConstLabels: labels,
		Help: "Quantity reported freed by the cache cleaner",
	}, []string{"unit"})

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "fs", Name: "operations_total", ConstLabels: labels,
		Help: "Filesystem operations by name and outcome",
	}, []string{"operation", "status"})
	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "fs", Name: "operation_duration_seconds", ConstLabels: labels,
		Help:    "Duration of filesystem operations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"operation"})
	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "fs", Name: "errors_total", ConstLabels: labels,
		Help: "Filesystem errors by operation and class",
	}, []string{"operation", "type"})
	c.uploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "fs", Name: "upload_bytes_total", ConstLabels: labels,
		Help: "Bytes written back to the device on release",
	})
	c.previewCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "fs", Name: "preview_cache_requests_total", ConstLabels: labels,
		Help: "Preview size cache lookups",
	}, []string{"result"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.freeGauge,
		c.totalGauge,
		c.tickCounter,
		c.tickDuration,
		c.lowInterval,
		c.eventCounter,
		c.throttleCount,
		c.cleanupCounter,
		c.cleanupRequested,
		c.cleanupFreed,
		c.operationCounter,
		c.operationDuration,
		c.errorCounter,
		c.uploadBytes,
		c.previewCache,
	}
	for _, m := range metrics {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	if code, ok := errors.CodeOf(err); ok {
		return strings.ToLower(string(code))
	}
	if errno := errors.Errno(err); errno != 0 {
		return strings.ToLower(errno.Error())
	}
	return "other"
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"storaged-metrics"}`))
}
