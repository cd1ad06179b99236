package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		envListenAddr, envHTTPAddr, envVsockPort, envDBPath, envWorkDir,
		envLogLevel, envMaxConcurrent, envMaxTimeoutMS, envMaxMemoryMB, envMaxOutputBytes,
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, defaultHTTPAddr)
	}
	if cfg.VsockPort != 0 {
		t.Errorf("VsockPort = %d, want 0 (disabled)", cfg.VsockPort)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.MaxConcurrent != defaultMaxConcurrent {
		t.Errorf("MaxConcurrent = %d, want %d", cfg.MaxConcurrent, defaultMaxConcurrent)
	}
	if cfg.MaxTimeout != defaultMaxTimeout {
		t.Errorf("MaxTimeout = %v, want %v", cfg.MaxTimeout, defaultMaxTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9999")
	t.Setenv(envHTTPAddr, ":8888")
	t.Setenv(envVsockPort, "5005")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envWorkDir, "/tmp/scratch")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envMaxConcurrent, "8")
	t.Setenv(envMaxTimeoutMS, "60000")
	t.Setenv(envMaxMemoryMB, "512")
	t.Setenv(envMaxOutputBytes, "1048576")

	cfg := Load()

	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9999")
	}
	if cfg.HTTPAddr != ":8888" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8888")
	}
	if cfg.VsockPort != 5005 {
		t.Errorf("VsockPort = %d, want 5005", cfg.VsockPort)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.WorkDir != "/tmp/scratch" {
		t.Errorf("WorkDir = %q, want %q", cfg.WorkDir, "/tmp/scratch")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.MaxConcurrent)
	}
	if cfg.MaxTimeout != time.Minute {
		t.Errorf("MaxTimeout = %v, want 1m", cfg.MaxTimeout)
	}
	if cfg.MaxMemoryMB != 512 {
		t.Errorf("MaxMemoryMB = %d, want 512", cfg.MaxMemoryMB)
	}
	if cfg.MaxOutputBytes != 1048576 {
		t.Errorf("MaxOutputBytes = %d, want 1048576", cfg.MaxOutputBytes)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv(envMaxConcurrent, "not-a-number")
	t.Setenv(envMaxTimeoutMS, "-5")

	cfg := Load()

	if cfg.MaxConcurrent != defaultMaxConcurrent {
		t.Errorf("MaxConcurrent = %d, want default %d", cfg.MaxConcurrent, defaultMaxConcurrent)
	}
	if cfg.MaxTimeout != defaultMaxTimeout {
		t.Errorf("MaxTimeout = %v, want default %v", cfg.MaxTimeout, defaultMaxTimeout)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
