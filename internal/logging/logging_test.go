package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		expected string
	}{
		{"debug level", LevelDebug, "debug"},
		{"info level", LevelInfo, "info"},
		{"warn level", LevelWarn, "warn"},
		{"error level", LevelError, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.level) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(tt.level))
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level %s, got %s", LevelInfo, cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("Expected default format %s, got %s", FormatText, cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("Expected default output stderr, got %s", cfg.Output)
	}
}

func TestNewWithFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "scan.log")
	logger, err := New(Config{Level: LevelInfo, Format: FormatJSON, Output: path})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.InfoProbe("probe sent", "192.0.2.10", 443, "technique", "syn")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "probe sent" {
		t.Errorf("Expected msg 'probe sent', got %v", entry["msg"])
	}
	if entry["target"] != "192.0.2.10" {
		t.Errorf("Expected target field, got %v", entry["target"])
	}
	if entry["port"] != float64(443) {
		t.Errorf("Expected port 443, got %v", entry["port"])
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.log")
	logger, err := New(Config{Level: LevelWarn, Format: FormatText, Output: path})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Errorf("Messages below warn should be filtered, got: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("Warn message missing from output: %s", out)
	}
}

func TestWithHelpers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.log")
	logger, err := New(Config{Level: LevelDebug, Format: FormatText, Output: path})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.WithComponent("engine").WithTarget("192.0.2.10").WithTechnique("fin").Info("task started")
	logger.InfoZombie("assessed", "192.0.2.9", "quality", "good")
	logger.DebugRate("permit denied", "reason", "pacer")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		"component=engine", "target=192.0.2.10", "technique=fin",
		"zombie=192.0.2.9", "component=rate",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestSetDefault(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	replacement := NewDefault()
	SetDefault(replacement)
	if Default() != replacement {
		t.Error("Default() should return the replaced logger")
	}
}
