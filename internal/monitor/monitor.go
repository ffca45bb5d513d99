// Package monitor runs the storage pressure control loop.
//
// Every poll interval the monitor samples the data partition, evaluates
// free bytes and free inodes against the operator's alert policies,
// asks the package manager to clean caches when a clean threshold is
// crossed, publishes storage-low events and user notifications through
// per-level throttles, and triggers the periodic usage report.
package monitor

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/storaged/storaged/internal/cleanup"
	"github.com/storaged/storaged/internal/clock"
	"github.com/storaged/storaged/internal/events"
	"github.com/storaged/storaged/internal/metrics"
	"github.com/storaged/storaged/internal/params"
	"github.com/storaged/storaged/internal/policy"
	"github.com/storaged/storaged/internal/space"
	"github.com/storaged/storaged/internal/throttle"
	"github.com/storaged/storaged/internal/worker"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/health"
	"github.com/storaged/storaged/pkg/utils"
)

// Cleaner frees cache space or inodes. cleanup.Executor implements it.
type Cleaner interface {
	Clean(ctx context.Context, budget int64, unit cleanup.Unit) (int64, error)
}

// UsageReporter produces the periodic usage report.
type UsageReporter interface {
	Report(ctx context.Context) error
}

// Config controls loop timing.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// Wall-clock times ("HH:MM") at which the usage report runs.
	ReportWindows   []string      `yaml:"report_windows"`
	ReportTolerance time.Duration `yaml:"report_tolerance"`
}

// DefaultConfig polls every minute and reports at 00:00, 08:00 and 16:00.
func DefaultConfig() Config {
	return Config{
		PollInterval:    60 * time.Second,
		ReportWindows:   []string{"00:00", "08:00", "16:00"},
		ReportTolerance: time.Minute,
	}
}

// Deps are the monitor's collaborators. Reporter, Metrics and Health are
// optional.
type Deps struct {
	Sampler        space.Sampler
	Params         params.Store
	Cleaner        Cleaner
	CleanThrottle  *throttle.Throttle
	NotifyThrottle *throttle.Throttle
	Publisher      events.Publisher
	Reporter       UsageReporter
	Metrics        *metrics.Collector
	Health         *health.Tracker
	Clock          clock.Clock
	Logger         *utils.StructuredLogger
}

// Health component names.
const (
	ComponentMonitor = "monitor"
	ComponentCleanup = "cleanup"
	ComponentEvents  = "events"
)

// Monitor is the storage pressure control loop.
type Monitor struct {
	config  Config
	windows []time.Duration
	deps    Deps
	logger  *utils.StructuredLogger
	worker  *worker.Worker

	runMu  sync.Mutex
	cancel context.CancelFunc

	// Tick state, guarded by tickMu.
	tickMu       sync.Mutex
	notified     bool
	lastReported map[int]time.Time
}

// New validates config and deps and returns a stopped monitor.
func New(config Config, deps Deps) (*Monitor, error) {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.ReportWindows == nil {
		config.ReportWindows = def.ReportWindows
	}
	if config.ReportTolerance <= 0 {
		config.ReportTolerance = def.ReportTolerance
	}

	windows, err := ParseWindows(config.ReportWindows)
	if err != nil {
		return nil, err
	}

	switch {
	case deps.Sampler == nil:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "monitor requires a sampler")
	case deps.Cleaner == nil:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "monitor requires a cleaner")
	case deps.CleanThrottle == nil || deps.NotifyThrottle == nil:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "monitor requires clean and notify throttles")
	case deps.Publisher == nil:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "monitor requires a publisher")
	}
	if deps.Params == nil {
		deps.Params = params.Static(params.Defaults())
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = utils.NewNopLogger()
	}
	deps.Health.RegisterComponent(ComponentMonitor)
	deps.Health.RegisterComponent(ComponentCleanup)
	deps.Health.RegisterComponent(ComponentEvents)

	return &Monitor{
		config:       config,
		windows:      windows,
		deps:         deps,
		logger:       deps.Logger.WithComponent("monitor"),
		worker:       worker.New("storage-monitor", deps.Clock, deps.Logger),
		lastReported: make(map[int]time.Time),
	}, nil
}

// ParseWindows converts "HH:MM" strings into offsets from midnight.
func ParseWindows(raw []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(raw))
	for _, w := range raw {
		hh, mm, ok := strings.Cut(strings.TrimSpace(w), ":")
		h, herr := strconv.Atoi(hh)
		m, merr := strconv.Atoi(mm)
		if !ok || herr != nil || merr != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "invalid report window %q", w)
		}
		out = append(out, time.Duration(h)*time.Hour+time.Duration(m)*time.Minute)
	}
	return out, nil
}

// Start posts the first tick. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return nil
	}
	if err := m.worker.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	var tick func()
	tick = func() {
		_ = m.Tick(ctx)
		if ctx.Err() == nil {
			m.worker.PostDelayed(tick, m.config.PollInterval)
		}
	}
	m.worker.Post(tick)

	m.logger.Info("storage monitor started", map[string]interface{}{
		"poll_interval": m.config.PollInterval.String(),
		"windows":       m.config.ReportWindows,
	})
	return nil
}

// Stop cancels the loop and waits for a running tick. Calling Stop on a
// stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.worker.Stop()
	m.logger.Info("storage monitor stopped")
}

// IsRunning reports whether the loop is active.
func (m *Monitor) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

// Notified reports whether a notification is outstanding, i.e. one was
// sent and free space has not yet recovered past every notify threshold.
func (m *Monitor) Notified() bool {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	return m.notified
}

// sample pairs one resource's figures with its thresholds.
type sample struct {
	resource   policy.Resource
	unit       cleanup.Unit
	free       int64
	total      int64
	thresholds policy.Thresholds
}

// Tick runs one iteration of the loop. It returns the sampling error, if
// any; every later failure is logged and absorbed.
func (m *Monitor) Tick(ctx context.Context) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	start := m.deps.Clock.Now()
	info, err := m.deps.Sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("sampling storage failed, skipping tick", map[string]interface{}{"error": err})
		m.deps.Metrics.RecordTick(m.deps.Clock.Now().Sub(start), err)
		m.deps.Health.RecordError(ComponentMonitor, err)
		return err
	}
	m.deps.Metrics.SetUsage(policy.Space.String(), info.FreeSize, info.TotalSize)
	m.deps.Metrics.SetUsage(policy.Inode.String(), info.FreeInode, info.TotalInode)

	bytes := sample{
		resource:   policy.Space,
		unit:       cleanup.Bytes,
		free:       info.FreeSize,
		total:      info.TotalSize,
		thresholds: m.thresholds(params.KeySpacePolicy, policy.DefaultSpacePolicy, info.TotalSize),
	}
	inodes := sample{
		resource:   policy.Inode,
		unit:       cleanup.Inodes,
		free:       info.FreeInode,
		total:      info.TotalInode,
		thresholds: m.thresholds(params.KeyInodePolicy, policy.DefaultInodePolicy, info.TotalInode),
	}

	now := m.deps.Clock.Now()
	m.checkClean(ctx, now, bytes, inodes)
	m.checkNotify(ctx, now, bytes, inodes)
	m.checkReport(ctx, now)

	m.deps.Metrics.SetLowInterval(m.deps.CleanThrottle.LowInterval())
	m.deps.Metrics.RecordTick(m.deps.Clock.Now().Sub(start), nil)
	m.deps.Health.RecordSuccess(ComponentMonitor)
	return nil
}

func (m *Monitor) record(component string, err error) {
	if err != nil {
		m.deps.Health.RecordError(component, err)
	} else {
		m.deps.Health.RecordSuccess(component)
	}
}

func (m *Monitor) thresholds(key, def string, total int64) policy.Thresholds {
	raw := m.deps.Params.Get(key, def)
	th := policy.Parse(raw, total, m.logger)
	for _, kind := range []policy.Kind{policy.Notify, policy.Clean} {
		if !th.Monotonic(kind) {
			m.logger.Warn("policy thresholds are not ordered low <= medium <= high", map[string]interface{}{
				"key":    key,
				"kind":   kind.String(),
				"policy": raw,
			})
		}
	}
	return th
}

// pick returns the resource under pressure for kind, preferring bytes.
func pick(kind policy.Kind, bytes, inodes sample) (sample, bool) {
	if bytes.thresholds.Below(kind, bytes.free) {
		return bytes, true
	}
	if inodes.thresholds.Below(kind, inodes.free) {
		return inodes, true
	}
	return sample{}, false
}

func (m *Monitor) checkClean(ctx context.Context, now time.Time, bytes, inodes sample) {
	th := m.deps.CleanThrottle

	s, low := pick(policy.Clean, bytes, inodes)
	if !low {
		if !th.ShouldNotify(throttle.LevelRich, now) {
			return
		}
		ev := events.StorageLowEvent{
			CleanLevel: string(throttle.LevelRich),
			Type:       policy.Space.String(),
			Free:       bytes.free,
			Total:      bytes.total,
		}
		if m.publishStorageLow(ctx, ev) {
			_ = th.SetLastNotifyTime(throttle.LevelRich, now)
			th.Relax()
		}
		return
	}

	tier, _ := s.thresholds.Select(policy.Clean, s.free)
	level := throttle.LevelOf(tier)
	if !th.ShouldNotify(level, now) {
		m.deps.Metrics.RecordThrottled(string(events.KindStorageLow), string(level))
		return
	}

	budget := 2 * s.thresholds.Get(policy.Clean, policy.Low)
	cleaned, err := m.deps.Cleaner.Clean(ctx, budget, s.unit)
	m.record(ComponentCleanup, err)
	if err != nil {
		m.logger.Warn("cache cleanup failed", map[string]interface{}{
			"level":  string(level),
			"type":   s.resource.String(),
			"budget": budget,
			"error":  err,
		})
	}

	ev := events.StorageLowEvent{
		CleanLevel: string(level),
		Type:       s.resource.String(),
		Free:       s.free,
		Total:      s.total,
	}
	if m.publishStorageLow(ctx, ev) {
		_ = th.SetLastNotifyTime(level, now)
	}

	if tier == policy.Low && (err != nil || cleaned < budget) {
		m.logger.Info("low level cleanup under-delivered, rechecking sooner", map[string]interface{}{
			"type":    s.resource.String(),
			"budget":  budget,
			"cleaned": cleaned,
		})
		th.UseFastRecheck()
	}
}

func (m *Monitor) publishStorageLow(ctx context.Context, ev events.StorageLowEvent) bool {
	err := m.deps.Publisher.PublishStorageLow(ctx, ev)
	m.record(ComponentEvents, err)
	if err != nil {
		m.logger.Warn("publishing storage low event failed", map[string]interface{}{
			"level": ev.CleanLevel,
			"type":  ev.Type,
			"error": err,
		})
		return false
	}
	return true
}

var notifyLevels = []throttle.Level{throttle.LevelLow, throttle.LevelMedium, throttle.LevelHigh}

func (m *Monitor) checkNotify(ctx context.Context, now time.Time, bytes, inodes sample) {
	th := m.deps.NotifyThrottle

	s, low := pick(policy.Notify, bytes, inodes)
	if !low {
		if m.notified {
			for _, level := range notifyLevels {
				_ = th.SetLastNotifyTime(level, now)
			}
			m.notified = false
			m.logger.Info("storage recovered past notify thresholds")
		}
		return
	}

	tier, _ := s.thresholds.Select(policy.Notify, s.free)
	level := throttle.LevelOf(tier)
	if !th.ShouldNotify(level, now) {
		m.deps.Metrics.RecordThrottled(string(events.KindNotification), string(level))
		return
	}

	n := events.NewNotification(string(level), s.free, s.total)
	err := m.deps.Publisher.PublishNotification(ctx, string(level), n)
	m.record(ComponentEvents, err)
	if err != nil {
		m.logger.Warn("publishing notification failed", map[string]interface{}{
			"level": string(level),
			"error": err,
		})
		return
	}

	_ = th.SetLastNotifyTime(level, now)
	m.notified = true
	for _, other := range notifyLevels {
		if other != level {
			_ = th.ResetTier(other)
		}
	}
}

func (m *Monitor) checkReport(ctx context.Context, now time.Time) {
	if m.deps.Reporter == nil {
		return
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for i, offset := range m.windows {
		// A window near midnight may belong to the adjacent day.
		for _, day := range []int{-1, 0, 1} {
			at := midnight.AddDate(0, 0, day).Add(offset)
			d := now.Sub(at)
			if d < -m.config.ReportTolerance || d > m.config.ReportTolerance {
				continue
			}
			if m.lastReported[i].Equal(at) {
				continue
			}
			m.lastReported[i] = at
			if err := m.deps.Reporter.Report(ctx); err != nil {
				m.logger.Warn("usage report failed", map[string]interface{}{
					"window": at.Format("15:04"),
					"error":  err,
				})
			}
			return
		}
	}
}
