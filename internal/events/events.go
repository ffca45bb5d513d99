// Package events defines the storage events storaged publishes and
// delivers them to a set of sinks.
package events

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/storaged/storaged/internal/clock"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// Kind identifies an event type.
type Kind string

const (
	KindStorageLow   Kind = "storage_low"
	KindNotification Kind = "smart_notification"
)

// StorageLowEvent announces that a cleanup tier fired, or with
// CleanLevel "rich" that pressure has cleared.
type StorageLowEvent struct {
	CleanLevel string `json:"cleanLevel"`
	Type       string `json:"type"`
	Free       int64  `json:"free"`
	Total      int64  `json:"total"`
}

// ExtraData carries the figures that triggered a notification.
type ExtraData struct {
	Free  int64 `json:"free"`
	Total int64 `json:"total"`
}

// SmartNotification is a user-facing low-storage notice.
type SmartNotification struct {
	FaultDescription string     `json:"faultDescription"`
	FaultSuggestion  string     `json:"faultSuggestion"`
	ExtraData        *ExtraData `json:"extraData,omitempty"`
}

// Event is the envelope handed to sinks.
type Event struct {
	Kind    Kind        `json:"kind"`
	Level   string      `json:"level"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// Publisher publishes storage events.
type Publisher interface {
	PublishStorageLow(ctx context.Context, ev StorageLowEvent) error
	PublishNotification(ctx context.Context, level string, n SmartNotification) error
}

// Sink receives every published event.
type Sink interface {
	Deliver(ev Event) error
	Name() string
}

// Bus is a Publisher that fans events out to its sinks in order.
type Bus struct {
	clock  clock.Clock
	logger *utils.StructuredLogger

	mu    sync.RWMutex
	sinks []Sink
}

// NewBus returns a bus delivering to sinks.
func NewBus(clk clock.Clock, logger *utils.StructuredLogger, sinks ...Sink) *Bus {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Bus{clock: clk, logger: logger.WithComponent("events"), sinks: sinks}
}

// AddSink registers another sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// PublishStorageLow implements Publisher.
func (b *Bus) PublishStorageLow(ctx context.Context, ev StorageLowEvent) error {
	return b.publish(ctx, Event{Kind: KindStorageLow, Level: ev.CleanLevel, Payload: ev})
}

// PublishNotification implements Publisher.
func (b *Bus) PublishNotification(ctx context.Context, level string, n SmartNotification) error {
	return b.publish(ctx, Event{Kind: KindNotification, Level: level, Payload: n})
}

// publish delivers to every sink even if some fail. The event counts as
// published when at least one sink accepted it.
func (b *Bus) publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev.Time = b.clock.Now()

	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	if len(sinks) == 0 {
		return errors.NewError(errors.ErrCodePublishFailed, "no event sinks configured")
	}

	var errs []error
	for _, s := range sinks {
		if err := s.Deliver(ev); err != nil {
			b.logger.Warn("event sink failed", map[string]interface{}{
				"sink":  s.Name(),
				"kind":  string(ev.Kind),
				"error": err,
			})
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) == len(sinks) {
		return errors.Wrap(stderrors.Join(errs...), errors.ErrCodePublishFailed, "deliver "+string(ev.Kind))
	}
	return nil
}

// Notification texts per level.
var notificationText = map[string][2]string{
	"low": {
		"Device storage is almost full",
		"Delete unneeded files or apps now; some features may stop working",
	},
	"medium": {
		"Device storage is running low",
		"Clean up photos, videos and app caches to free space",
	},
	"high": {
		"Device storage is getting low",
		"Review large files and unused apps",
	},
}

// NewNotification builds the notice for level with the triggering
// figures attached.
func NewNotification(level string, free, total int64) SmartNotification {
	text, ok := notificationText[level]
	if !ok {
		text = notificationText["high"]
	}
	return SmartNotification{
		FaultDescription: text[0],
		FaultSuggestion:  text[1],
		ExtraData:        &ExtraData{Free: free, Total: total},
	}
}
