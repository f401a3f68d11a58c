// Package logger provides structured logging using go.uber.org/zap.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration, sourced from LOG_LEVEL and LOG_FORMAT.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console, json
}

// Logger wraps zap.Logger with engine-specific helpers.
type Logger struct {
	zap *zap.Logger
}

var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

// Default returns the process-wide logger, creating a console/info logger
// on first use.
func Default() *Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = New(Config{Level: "info", Format: "console"})
	})
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defaultLoggerOnce.Do(func() {})
	defaultLogger = l
}

// New creates a Logger for the given configuration. Unknown levels fall
// back to info; unknown formats fall back to console.
func New(cfg Config) *Logger {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	return &Logger{zap: zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))}
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// Named returns a logger with a component field attached.
func (l *Logger) Named(component string) *Logger {
	return l.With(zap.String("component", component))
}

// With returns a logger with the given fields attached.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithSession returns a logger with the session_id field attached.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.With(zap.String("session_id", sessionID))
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.zap.Info(msg, fields...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.zap.Warn(msg, fields...) }

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

// SessionFile returns a copy of l that additionally writes debug-level
// JSON entries to <workDir>/.haivemind/logs/<sessionID>.log. The
// returned closer flushes and closes the file.
func (l *Logger) SessionFile(workDir, sessionID string) (*Logger, func(), error) {
	dir := filepath.Join(workDir, ".haivemind", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create session log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, sessionID+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open session log: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(f), zapcore.DebugLevel)

	teed := zap.New(zapcore.NewTee(l.zap.Core(), fileCore))
	closer := func() {
		_ = teed.Sync()
		_ = f.Close()
	}
	return &Logger{zap: teed}, closer, nil
}
