// Package logging builds the zap loggers used by resource-logger: a console
// logger on stderr and an optional tee into the text log file.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel converts a case-insensitive level name to a zap level.
// "warning" is accepted as an alias of "warn".
func ParseLevel(level string) (zapcore.Level, error) {
	l := strings.ToLower(strings.TrimSpace(level))
	if l == "warning" {
		l = "warn"
	}
	lvl, err := zapcore.ParseLevel(l)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// EncoderConfig is shared by the console and the file encoders so both
// render entries identically.
func EncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	cfg.CallerKey = zapcore.OmitKey
	return cfg
}

// NewConsole returns a logger writing human-readable entries to stderr.
// Error entries carry a stack trace.
func NewConsole(level string) (*zap.Logger, error) {
	return New(level, zapcore.Lock(os.Stderr))
}

// New returns a console-encoded logger writing to ws.
func New(level string, ws zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(EncoderConfig()), ws, lvl)
	return zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// NewFileCore returns a core appending console-encoded entries to ws at
// Info level and above.
func NewFileCore(ws zapcore.WriteSyncer) zapcore.Core {
	return zapcore.NewCore(zapcore.NewConsoleEncoder(EncoderConfig()), ws, zapcore.InfoLevel)
}

// Tee returns a logger that also writes every entry to extra.
func Tee(logger *zap.Logger, extra zapcore.Core) *zap.Logger {
	if extra == nil {
		return logger
	}
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, extra)
	}))
}
