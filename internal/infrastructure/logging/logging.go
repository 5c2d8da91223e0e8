package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. RELPIPE_LOG_FORMAT=console switches to the
// human-readable encoder, RELPIPE_LOG_LEVEL sets the minimum level.
func New() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(os.Getenv("RELPIPE_LOG_FORMAT"), "console") {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if v := os.Getenv("RELPIPE_LOG_LEVEL"); v != "" {
		if lvl, err := zapcore.ParseLevel(v); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, err := cfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return l
}
