// Package throttle enforces minimum re-notification intervals per
// severity level.
//
// Timestamps live in a kvstore.Store. Store failures never suppress a
// notification: a failed read counts as "no record".
package throttle

import (
	"sync"
	"time"

	"github.com/storaged/storaged/internal/kvstore"
	"github.com/storaged/storaged/internal/policy"
	"github.com/storaged/storaged/pkg/utils"
)

// Level names a throttled severity. Rich is the healthy state reported
// once pressure clears.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
	LevelRich   Level = "rich"
)

// Levels lists every throttled level.
var Levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelRich}

// LevelOf maps a policy tier to its throttle level.
func LevelOf(t policy.Tier) Level {
	switch t {
	case policy.Low:
		return LevelLow
	case policy.Medium:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Intervals holds the minimum spacing between notifications per level.
type Intervals struct {
	LowRelaxed time.Duration `yaml:"low_relaxed"`
	LowFast    time.Duration `yaml:"low_fast"`
	Medium     time.Duration `yaml:"medium"`
	High       time.Duration `yaml:"high"`
	Rich       time.Duration `yaml:"rich"`
}

// DefaultIntervals returns the stock intervals.
func DefaultIntervals() Intervals {
	return Intervals{
		LowRelaxed: 12 * time.Hour,
		LowFast:    time.Hour,
		Medium:     24 * time.Hour,
		High:       24 * time.Hour,
		Rich:       24 * time.Hour,
	}
}

func (iv Intervals) withDefaults() Intervals {
	d := DefaultIntervals()
	if iv.LowRelaxed <= 0 {
		iv.LowRelaxed = d.LowRelaxed
	}
	if iv.LowFast <= 0 {
		iv.LowFast = d.LowFast
	}
	if iv.Medium <= 0 {
		iv.Medium = d.Medium
	}
	if iv.High <= 0 {
		iv.High = d.High
	}
	if iv.Rich <= 0 {
		iv.Rich = d.Rich
	}
	return iv
}

// Record is the persisted form of one level's last notification.
type Record struct {
	CleanLevelName      string `json:"cleanLevelName"`
	LastCleanNotifyTime int64  `json:"lastCleanNotifyTime"`
	// Sub-second remainder of the timestamp; absent in records written
	// by older daemons.
	LastCleanNotifyNanos int64 `json:"lastCleanNotifyNanos,omitempty"`
}

func (r Record) time() time.Time {
	return time.Unix(r.LastCleanNotifyTime, r.LastCleanNotifyNanos)
}

// Throttle decides whether a level may notify again.
type Throttle struct {
	store     kvstore.Store
	intervals Intervals
	logger    *utils.StructuredLogger

	mu  sync.RWMutex
	low time.Duration
}

// New returns a throttle over store. Zero intervals take their defaults.
func New(store kvstore.Store, intervals Intervals, logger *utils.StructuredLogger) *Throttle {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	intervals = intervals.withDefaults()
	return &Throttle{
		store:     store,
		intervals: intervals,
		logger:    logger.WithComponent("throttle"),
		low:       intervals.LowRelaxed,
	}
}

// Intervals returns the configured intervals.
func (t *Throttle) Intervals() Intervals {
	return t.intervals
}

// GetLastNotifyTime returns the last recorded notification for level.
func (t *Throttle) GetLastNotifyTime(level Level) (time.Time, bool) {
	var rec Record
	found, err := t.store.Get(string(level), &rec)
	if err != nil {
		t.logger.Warn("reading notify record failed, treating as absent", map[string]interface{}{
			"level": string(level),
			"error": err,
		})
		return time.Time{}, false
	}
	if !found {
		return time.Time{}, false
	}
	return rec.time(), true
}

// SetLastNotifyTime records a notification for level at ts.
func (t *Throttle) SetLastNotifyTime(level Level, ts time.Time) error {
	rec := Record{
		CleanLevelName:       string(level),
		LastCleanNotifyTime:  ts.Unix(),
		LastCleanNotifyNanos: int64(ts.Nanosecond()),
	}
	if err := t.store.Put(string(level), rec); err != nil {
		t.logger.Warn("writing notify record failed", map[string]interface{}{
			"level": string(level),
			"error": err,
		})
		return err
	}
	return nil
}

// ShouldNotify reports whether level has no record or its interval has
// elapsed since the last record.
func (t *Throttle) ShouldNotify(level Level, now time.Time) bool {
	last, found := t.GetLastNotifyTime(level)
	if !found {
		return true
	}
	return now.Sub(last) >= t.MinInterval(level)
}

// ResetTier forgets the record for level so the next check notifies.
func (t *Throttle) ResetTier(level Level) error {
	if err := t.store.Delete(string(level)); err != nil {
		t.logger.Warn("resetting notify record failed", map[string]interface{}{
			"level": string(level),
			"error": err,
		})
		return err
	}
	return nil
}

// MinInterval returns the current interval for level.
func (t *Throttle) MinInterval(level Level) time.Duration {
	switch level {
	case LevelLow:
		return t.LowInterval()
	case LevelMedium:
		return t.intervals.Medium
	case LevelHigh:
		return t.intervals.High
	default:
		return t.intervals.Rich
	}
}

// SetLowInterval overrides the adaptive low-level interval.
func (t *Throttle) SetLowInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.low != d {
		t.logger.Info("low level interval changed", map[string]interface{}{
			"from": t.low.String(),
			"to":   d.String(),
		})
	}
	t.low = d
}

// LowInterval returns the adaptive low-level interval.
func (t *Throttle) LowInterval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.low
}

// UseFastRecheck shortens the low-level interval to its fast value.
func (t *Throttle) UseFastRecheck() {
	t.SetLowInterval(t.intervals.LowFast)
}

// Relax restores the low-level interval to its relaxed default.
func (t *Throttle) Relax() {
	t.SetLowInterval(t.intervals.LowRelaxed)
}
