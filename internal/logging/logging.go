// Package logging builds the process-wide zap logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvVar selects the log level, RUST_LOG-style ("debug", "info", "warn",
// "error").
const EnvVar = "FUZMON_LOG"

// Setup constructs the logger. The default level is warn so the sampler
// stays quiet on consoles; verbose forces debug regardless of the
// environment.
func Setup(verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if raw := os.Getenv(EnvVar); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			level = zapcore.WarnLevel
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
