package utils

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFormat defines the output format for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// ParseLogFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseLogFormat(s string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// StructuredLogger provides structured logging with levels and fields.
// It is a thin layer over zap that keeps a map-based field API.
type StructuredLogger struct {
	zl     *zap.Logger
	level  zap.AtomicLevel
	fields map[string]interface{}
	closer io.Closer
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
	IncludeStack  bool

	// Filename, when set, appends to the named file instead of Output.
	Filename string
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stdout,
		Format:        FormatText,
		IncludeCaller: true,
		IncludeStack:  false,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}

	output := config.Output
	var closer io.Closer
	if config.Filename != "" {
		f, err := os.OpenFile(config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		closer = f
	}
	if output == nil {
		output = os.Stdout
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if config.Format == FormatJSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	level := zap.NewAtomicLevelAt(config.Level.zapLevel())
	core := zapcore.NewCore(encoder, zapcore.AddSync(output), level)

	opts := []zap.Option{zap.AddCallerSkip(2)}
	if config.IncludeCaller {
		opts = append(opts, zap.AddCaller())
	}
	if config.IncludeStack {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return &StructuredLogger{
		zl:     zap.New(core, opts...),
		level:  level,
		fields: map[string]interface{}{},
		closer: closer,
	}, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *StructuredLogger {
	return &StructuredLogger{
		zl:     zap.NewNop(),
		level:  zap.NewAtomicLevelAt(zapcore.FatalLevel),
		fields: map[string]interface{}{},
	}
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	merged := make(map[string]interface{}, len(sl.fields)+len(fields))
	for k, v := range sl.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &StructuredLogger{
		zl:     sl.zl.With(toZapFields(fields)...),
		level:  sl.level,
		fields: merged,
		closer: sl.closer,
	}
}

// WithComponent returns a logger with a component field
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField("component", component)
}

// Fields returns a copy of the logger's context fields.
func (sl *StructuredLogger) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(sl.fields))
	for k, v := range sl.fields {
		out[k] = v
	}
	return out
}

// SetLevel sets the log level. The level is shared by every logger
// derived from the same root.
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.level.SetLevel(level.zapLevel())
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	switch lvl := sl.level.Level(); {
	case lvl < zapcore.DebugLevel:
		return TRACE
	case lvl == zapcore.DebugLevel:
		return DEBUG
	case lvl == zapcore.InfoLevel:
		return INFO
	case lvl == zapcore.WarnLevel:
		return WARN
	case lvl == zapcore.ErrorLevel:
		return ERROR
	default:
		return FATAL
	}
}

// Zap exposes the underlying zap logger with the context fields applied.
func (sl *StructuredLogger) Zap() *zap.Logger {
	return sl.zl.WithOptions(zap.AddCallerSkip(-2))
}

func (sl *StructuredLogger) log(level LogLevel, message string, fieldMaps []map[string]interface{}) {
	ce := sl.zl.Check(level.zapLevel(), message)
	if ce == nil {
		return
	}
	var fields []zap.Field
	if len(fieldMaps) > 0 && fieldMaps[0] != nil {
		fields = toZapFields(fieldMaps[0])
	}
	ce.Write(fields...)
}

func (sl *StructuredLogger) logf(level LogLevel, format string, args []interface{}) {
	ce := sl.zl.Check(level.zapLevel(), fmt.Sprintf(format, args...))
	if ce == nil {
		return
	}
	ce.Write()
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

// Trace logs a trace message
func (sl *StructuredLogger) Trace(message string, fields ...map[string]interface{}) {
	sl.log(TRACE, message, fields)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.log(DEBUG, message, fields)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.log(INFO, message, fields)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.log(WARN, message, fields)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.log(ERROR, message, fields)
}

// Fatal logs a fatal message and exits
func (sl *StructuredLogger) Fatal(message string, fields ...map[string]interface{}) {
	sl.log(FATAL, message, fields)
}

// Tracef logs a formatted trace message
func (sl *StructuredLogger) Tracef(format string, args ...interface{}) {
	sl.logf(TRACE, format, args)
}

// Debugf logs a formatted debug message
func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	sl.logf(DEBUG, format, args)
}

// Infof logs a formatted info message
func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	sl.logf(INFO, format, args)
}

// Warnf logs a formatted warning message
func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	sl.logf(WARN, format, args)
}

// Errorf logs a formatted error message
func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	sl.logf(ERROR, format, args)
}

// Fatalf logs a formatted fatal message and exits
func (sl *StructuredLogger) Fatalf(format string, args ...interface{}) {
	sl.logf(FATAL, format, args)
}

// Sync flushes any buffered log entries
func (sl *StructuredLogger) Sync() error {
	return sl.zl.Sync()
}

// Close flushes the logger and closes the log file, if any.
func (sl *StructuredLogger) Close() error {
	_ = sl.zl.Sync()
	if sl.closer != nil {
		return sl.closer.Close()
	}
	return nil
}
