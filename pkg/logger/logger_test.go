package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		value string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{" ERROR ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.value); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestNewHonorsLevel(t *testing.T) {
	log := New("vigil-test", slog.LevelWarn)
	ctx := context.Background()
	if log.Enabled(ctx, slog.LevelInfo) {
		t.Fatal("info should be suppressed at warn level")
	}
	if !log.Enabled(ctx, slog.LevelError) {
		t.Fatal("error should pass at warn level")
	}
}
