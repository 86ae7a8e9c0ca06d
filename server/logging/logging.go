package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. format is "json" or "console"; level is one of
// debug, info, warn, error (empty means info).
func New(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if s := strings.ToLower(strings.TrimSpace(level)); s != "" {
		if s == "warning" {
			s = "warn"
		}
		if err := lvl.Set(s); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
	default:
		return nil, fmt.Errorf("log format %q: want json or console", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel
	return cfg.Build()
}

// Conn returns the standard field set for log lines about one connection.
func Conn(id, username string) []zap.Field {
	if username == "" {
		return []zap.Field{zap.String("conn", id)}
	}
	return []zap.Field{zap.String("conn", id), zap.String("user", username)}
}
