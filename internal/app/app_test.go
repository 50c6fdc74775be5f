package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/hitoshi/pairchat/internal/logger"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.JWTSecret != testJWTSecret {
		t.Errorf("JWTSecret = %q, want %q", cfg.JWTSecret, testJWTSecret)
	}

	// Verify that slog global logger is configured for JSON output
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

// TestInit_AppliesLogLevel はLOG_LEVELがグローバルロガーに反映されることを検証する。
func TestInit_AppliesLogLevel(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "error")
	t.Cleanup(func() { logger.SetLevel(slog.LevelInfo) })

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	slog.Default().Warn("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("warn log should be filtered at error level, got %s", buf.String())
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	// Clear all required env vars
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ARCHIVE_BACKEND", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	got := maskDatabaseURL("postgres://pairchat:secret@db:5432/pairchat")
	if bytes.Contains([]byte(got), []byte("secret")) {
		t.Errorf("maskDatabaseURL leaked credentials: %q", got)
	}
	if maskDatabaseURL("short") != "***" {
		t.Errorf("maskDatabaseURL(short) = %q, want ***", maskDatabaseURL("short"))
	}
}
