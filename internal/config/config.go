// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// アーカイブのバックエンド種別
const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Auth
	JWTSecret   string
	TokenTTL    time.Duration
	AuthTimeout time.Duration

	// Storage
	ArchiveBackend string
	DatabaseURL    string
	BadgerPath     string

	// WebSocket
	WSSendBuffer      int
	WSMaxMessageBytes int64
	MessageMaxLength  int
	MessageRate       float64
	MessageBurst      int
	MaxConnections    int

	// Rate Limit
	RateLimitGeneral int // req/min/user

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.ArchiveBackend = getEnvString("ARCHIVE_BACKEND", BackendPostgres)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.ArchiveBackend == BackendPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.ArchiveBackend != BackendPostgres && cfg.ArchiveBackend != BackendBadger {
		return nil, fmt.Errorf("unsupported ARCHIVE_BACKEND %q (want %s or %s)",
			cfg.ArchiveBackend, BackendPostgres, BackendBadger)
	}

	// Optional fields with defaults
	cfg.BadgerPath = getEnvString("BADGER_PATH", "./data/badger")
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", 24*time.Hour)
	cfg.AuthTimeout = getEnvDuration("AUTH_TIMEOUT", 10*time.Second)
	cfg.WSSendBuffer = getEnvInt("WS_SEND_BUFFER", 64)
	cfg.WSMaxMessageBytes = getEnvInt64("WS_MAX_MESSAGE_BYTES", 65536)
	cfg.MessageMaxLength = getEnvInt("MESSAGE_MAX_LENGTH", 4000)
	cfg.MessageRate = getEnvFloat("MESSAGE_RATE", 5)
	cfg.MessageBurst = getEnvInt("MESSAGE_BURST", 10)
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", 0)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
