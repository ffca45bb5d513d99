package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/storaged/storaged/internal/metrics"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger *utils.StructuredLogger
}

// NewLogSink returns a sink logging at info level.
func NewLogSink(logger *utils.StructuredLogger) *LogSink {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &LogSink{logger: logger.WithComponent("events")}
}

func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(ev Event) error {
	s.logger.Info("event published", map[string]interface{}{
		"kind":    string(ev.Kind),
		"level":   ev.Level,
		"payload": ev.Payload,
	})
	return nil
}

// SpoolSink appends events as JSON lines so consumers can tail them.
// Each line is independent; a crash loses at most the line being
// written.
type SpoolSink struct {
	path string

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// NewSpoolSink opens path for appending, creating it if needed.
func NewSpoolSink(path string) (*SpoolSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreWrite, "create spool directory")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreWrite, "open spool "+path)
	}
	return &SpoolSink{path: path, file: file, encoder: json.NewEncoder(file)}, nil
}

func (s *SpoolSink) Name() string { return "spool" }

// Deliver implements Sink.
func (s *SpoolSink) Deliver(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.NewError(errors.ErrCodeNotRunning, "spool closed")
	}
	if err := s.encoder.Encode(ev); err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreWrite, "append event")
	}
	return nil
}

// Close closes the spool file.
func (s *SpoolSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// MetricsSink counts events by kind and level.
type MetricsSink struct {
	collector *metrics.Collector
}

// NewMetricsSink returns a sink feeding collector.
func NewMetricsSink(collector *metrics.Collector) *MetricsSink {
	return &MetricsSink{collector: collector}
}

func (s *MetricsSink) Name() string { return "metrics" }

// Deliver implements Sink.
func (s *MetricsSink) Deliver(ev Event) error {
	s.collector.RecordEvent(string(ev.Kind), ev.Level)
	return nil
}
