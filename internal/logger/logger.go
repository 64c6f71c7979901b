// Package logger provides the structured logger used across ken's
// components.
package logger

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level      string // debug | info | warn | error
	Format     string // console | json | "" (auto-detect)
	OutputPath string // "" means stderr
}

// Logger wraps a zap logger with a handful of chainable field helpers
// used throughout the engine's components.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// New builds a Logger from Config.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := cfg.Format
	if format == "" {
		format = detectFormat()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	out := zapcore.AddSync(os.Stderr)
	if cfg.OutputPath != "" {
		f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(encoder, out, level)
	zl := zap.New(core, zap.AddCaller())

	return &Logger{zap: zl, sugar: zl.Sugar()}, nil
}

func detectFormat() string {
	if os.Getenv("KEN_ENV") == "production" {
		return "json"
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	return "console"
}

// Default returns the process-wide default logger, constructing one at
// info level with an auto-detected format the first time it's called.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}
	defaultOnce.Do(func() {
		l, err := New(Config{})
		if err != nil {
			l = &Logger{zap: zap.NewNop(), sugar: zap.NewNop().Sugar()}
		}
		SetDefault(l)
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault installs l as the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithFields returns a derived Logger with the given structured fields
// attached to every subsequent entry.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	zl := l.zap.With(fields...)
	return &Logger{zap: zl, sugar: zl.Sugar()}
}

// WithError attaches err as a structured field.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(zap.Error(err))
}

// WithSessionID attaches a session_id field, the common correlation key
// across the engine's components.
func (l *Logger) WithSessionID(id string) *Logger {
	return l.WithFields(zap.String("session_id", id))
}

// WithContext is a no-op placeholder for callers that want to thread a
// context-scoped logger through request-handling code paths; it exists
// so call sites read uniformly even though no values are extracted from
// ctx today.
func (l *Logger) WithContext(_ context.Context) *Logger {
	return l
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Zap exposes the underlying zap logger for callers that need it
// directly (e.g. wiring into other libraries' logging adapters).
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Sugar exposes the sugared logger for printf-style call sites.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

// Sync flushes any buffered log entries. Errors from syncing a tty are
// expected and ignored by callers.
func (l *Logger) Sync() error { return l.zap.Sync() }
