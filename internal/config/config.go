package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort    string
	PublicBaseURL string // アセットURLの解決に使用する公開URL

	// CORS
	CORSAllowedOrigin string

	// Upload
	UploadMaxBytes  int64
	RateLimitUpload int // req/min/client

	// Admin
	AdminToken string

	// Change subscription (LISTEN/NOTIFY)
	ListenMinReconnect time.Duration
	ListenMaxReconnect time.Duration
	MergeBufferSize    int

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.PublicBaseURL = strings.TrimRight(getEnvString("PUBLIC_BASE_URL", "http://localhost:"+cfg.ServerPort), "/")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.UploadMaxBytes = getEnvInt64("UPLOAD_MAX_BYTES", 20<<20)
	cfg.RateLimitUpload = getEnvInt("RATE_LIMIT_UPLOAD", 30)
	cfg.AdminToken = getEnvString("ADMIN_TOKEN", "")
	cfg.ListenMinReconnect = getEnvDuration("LISTEN_MIN_RECONNECT", 10*time.Second)
	cfg.ListenMaxReconnect = getEnvDuration("LISTEN_MAX_RECONNECT", time.Minute)
	cfg.MergeBufferSize = getEnvInt("MERGE_BUFFER_SIZE", 64)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	if cfg.ListenMaxReconnect < cfg.ListenMinReconnect {
		return nil, fmt.Errorf("LISTEN_MAX_RECONNECT (%s) must not be shorter than LISTEN_MIN_RECONNECT (%s)",
			cfg.ListenMaxReconnect, cfg.ListenMinReconnect)
	}

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
