package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewReturnsLoggerForAnyEnv(t *testing.T) {
	for _, env := range []string{"dev", "prod", ""} {
		log := New(env, "info", "test")
		if log == nil {
			t.Fatalf("New(%q) returned nil", env)
		}
		log.Sync() //nolint:errcheck
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"nonsense", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
