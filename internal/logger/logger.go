// Package logger builds the daemon's zap logger.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger for the given environment ("dev" for console output,
// "prod" for JSON) at the given minimum level. service is attached as a base
// field when non-empty.
func New(env, level, service string) *zap.Logger {
	lvl := parseLevel(level)

	var (
		l   *zap.Logger
		err error
	)
	if strings.ToLower(env) == "prod" {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err = cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cfg.DisableStacktrace = true
		l, err = cfg.Build()
	}
	if err != nil {
		l, _ = zap.NewProduction()
	}

	if service != "" {
		l = l.With(zap.String("service", service))
	}
	return l
}

func parseLevel(level string) zapcore.Level {
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
