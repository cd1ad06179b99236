// Package config loads daemon configuration from environment variables and
// builds the shared structured logger.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":9750"
	defaultHTTPAddr       = ":8080"
	defaultDBPath         = "fathom.db"
	defaultWorkDir        = "/tmp/fathom"
	defaultMaxConcurrent  = 64
	defaultMaxTimeout     = 5 * time.Minute
	defaultMaxMemoryMB    = 2048
	defaultMaxOutputBytes = 16 << 20

	envListenAddr     = "FATHOM_LISTEN_ADDR"
	envHTTPAddr       = "FATHOM_HTTP_ADDR"
	envVsockPort      = "FATHOM_VSOCK_PORT"
	envDBPath         = "FATHOM_DB_PATH"
	envWorkDir        = "FATHOM_WORK_DIR"
	envLogLevel       = "FATHOM_LOG_LEVEL"
	envMaxConcurrent  = "FATHOM_MAX_CONCURRENT"
	envMaxTimeoutMS   = "FATHOM_MAX_TIMEOUT_MS"
	envMaxMemoryMB    = "FATHOM_MAX_MEMORY_MB"
	envMaxOutputBytes = "FATHOM_MAX_OUTPUT_BYTES"
)

// Config holds daemon configuration loaded from environment variables.
type Config struct {
	// ListenAddr is the TCP address of the protocol listener.
	ListenAddr string
	// HTTPAddr is the address of the admin HTTP server (health, metrics,
	// stats, websocket protocol endpoint).
	HTTPAddr string
	// VsockPort enables a vsock protocol listener when non-zero, for
	// initiators on the hypervisor side of a VM boundary.
	VsockPort uint32
	// DBPath is the SQLite audit database. Empty disables auditing.
	DBPath string
	// WorkDir is where per-execution scratch directories are created.
	WorkDir string
	LogLevel slog.Level

	// Responder ceilings. Requests exceeding them are rejected before ack.
	MaxConcurrent  int
	MaxTimeout     time.Duration
	MaxMemoryMB    int
	MaxOutputBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		HTTPAddr:       defaultHTTPAddr,
		DBPath:         defaultDBPath,
		WorkDir:        defaultWorkDir,
		LogLevel:       slog.LevelInfo,
		MaxConcurrent:  defaultMaxConcurrent,
		MaxTimeout:     defaultMaxTimeout,
		MaxMemoryMB:    defaultMaxMemoryMB,
		MaxOutputBytes: defaultMaxOutputBytes,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envHTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if n, ok := intEnv(envVsockPort); ok && n > 0 {
		cfg.VsockPort = uint32(n)
	}
	if n, ok := intEnv(envMaxConcurrent); ok && n > 0 {
		cfg.MaxConcurrent = int(n)
	}
	if n, ok := intEnv(envMaxTimeoutMS); ok && n > 0 {
		cfg.MaxTimeout = time.Duration(n) * time.Millisecond
	}
	if n, ok := intEnv(envMaxMemoryMB); ok && n > 0 {
		cfg.MaxMemoryMB = int(n)
	}
	if n, ok := intEnv(envMaxOutputBytes); ok && n > 0 {
		cfg.MaxOutputBytes = n
	}

	return cfg
}

func intEnv(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
