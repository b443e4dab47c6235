package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestConfigure_Levels(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfigure_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := Configure(Config{
		Level:            "INFO",
		Structured:       true,
		StructuredFormat: "json",
		ExtraFields:      map[string]string{"service": "vecdns"},
		Writer:           &buf,
	})
	logger.Info("hello", "k", "v")

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("not JSON: %v (%q)", err, buf.String())
	}
	if doc["msg"] != "hello" || doc["k"] != "v" || doc["service"] != "vecdns" {
		t.Fatalf("unexpected record: %v", doc)
	}
}

func TestConfigure_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := Configure(Config{Level: "DEBUG", Writer: &buf})
	logger.Debug("low level detail")
	if !strings.Contains(buf.String(), "low level detail") {
		t.Fatalf("missing message: %q", buf.String())
	}
}

func TestConfigure_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := Configure(Config{Level: "ERROR", Writer: &buf})
	logger.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("info leaked through error level: %q", buf.String())
	}
}
