// Package log provides the replication logger: coded info/warning/error
// lines plus trace channels gated by a bitmask, backed by zap.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Trace selects a diagnostic channel. Channels are combined as a bitmask in
// configuration and checked before formatting.
type Trace uint64

const (
	TraceThreads Trace = 1 << iota
	TraceRedo
	TraceArchiveList
	TraceFile
	TraceSleep
)

// ParseTrace maps a configuration name to its channel.
func ParseTrace(name string) (Trace, bool) {
	switch name {
	case "threads":
		return TraceThreads, true
	case "redo":
		return TraceRedo, true
	case "archive-list":
		return TraceArchiveList, true
	case "file":
		return TraceFile, true
	case "sleep":
		return TraceSleep, true
	}
	return 0, false
}

// Logger wraps zap with the engine's coded-line conventions.
type Logger struct {
	z      *zap.Logger
	traces Trace
}

// New builds a production logger writing to stderr.
func New(traces Trace, verbose bool) *Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return &Logger{z: zap.New(core), traces: traces}
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// NewWithZap wraps an existing zap logger.
func NewWithZap(z *zap.Logger, traces Trace) *Logger {
	return &Logger{z: z, traces: traces}
}

// Info logs an informational line. Code 0 means "no operator code".
func (l *Logger) Info(code int, msg string, fields ...zap.Field) {
	if code != 0 {
		fields = append(fields, zap.Int("code", code))
	}
	l.z.Info(msg, fields...)
}

// Warning logs a recoverable condition with its operator code.
func (l *Logger) Warning(code int, msg string, fields ...zap.Field) {
	l.z.Warn(msg, append(fields, zap.Int("code", code))...)
}

// Error logs a fatal condition with its operator code.
func (l *Logger) Error(code int, msg string, fields ...zap.Field) {
	l.z.Error(msg, append(fields, zap.Int("code", code))...)
}

// Hint logs operator guidance.
func (l *Logger) Hint(msg string, fields ...zap.Field) {
	l.z.Info("HINT: "+msg, fields...)
}

// IsTrace reports whether a trace channel is enabled. Callers guard
// expensive message construction with it.
func (l *Logger) IsTrace(t Trace) bool {
	return l.traces&t != 0
}

// Trace logs a diagnostic line when its channel is enabled.
func (l *Logger) Trace(t Trace, msg string, fields ...zap.Field) {
	if l.traces&t != 0 {
		l.z.Debug(msg, fields...)
	}
}

// Sync flushes buffered output.
func (l *Logger) Sync() {
	_ = l.z.Sync()
}
