package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes a rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	return cfg.Build()
}

// NewFileLogger writes JSON logs to a lumberjack-rotated file. An empty path
// falls back to NewLogger.
func NewFileLogger(level string, file FileConfig) (*zap.Logger, error) {
	if strings.TrimSpace(file.Path) == "" {
		return NewLogger(level)
	}
	sink := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    positiveOr(file.MaxSizeMB, 10),
		MaxBackups: positiveOr(file.MaxBackups, 3),
		MaxAge:     positiveOr(file.MaxAgeDays, 28),
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(sink), zap.NewAtomicLevelAt(ParseLevel(level)))
	return zap.New(core, zap.AddCaller()), nil
}

// ParseLevel maps a configured level name onto a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
