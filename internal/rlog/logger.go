// Package rlog wraps zap for the registry and its collaborators.
//
// It exists because the registry must never allocate through the
// instrumented allocator, including on its fatal/diagnostic paths, and
// because a single process-wide logger instance (one per component) is
// simpler to reason about than threading a logger through every call.
package rlog

import (
	"sync"

	"go.uber.org/zap"
)

// Logger is a thin, component-tagged wrapper around *zap.Logger.
type Logger struct {
	z *zap.Logger
}

var (
	baseOnce sync.Once
	base     *zap.Logger
)

func rootLogger() *zap.Logger {
	baseOnce.Do(func() {
		l, err := zap.NewProduction()
		if err != nil {
			// Fall back to a no-op logger rather than panic; logging must
			// never be the reason an allocator hardening shim aborts.
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// New returns a Logger tagged with the given component name.
func New(component string) *Logger {
	return &Logger{z: rootLogger().With(zap.String("component", component))}
}

// With returns a derived Logger with additional structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }

// Fatal logs at fatal level and terminates the process, matching the
// "resource exhaustion is fatal" contract: the registry cannot degrade
// gracefully, since letting a failed insert silently through would let
// corrupted pointers escape later.
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.z.Fatal(msg, fields...) }
