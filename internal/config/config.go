package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアのバックエンド種別
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend  string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string

	// Server
	ServerPort        string
	CORSAllowedOrigin string

	// Rate Limit（req/min/IP）
	RateLimitGeneral int
	RateLimitWrite   int

	// Pagination
	DefaultPageSize int
	MaxPageSize     int

	// Worker
	CleanupInterval time.Duration

	// Import
	ImportTimeout  time.Duration
	ImportMaxSize  int64
	ImportMaxItems int

	// Logging
	LogLevel slog.Level
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、不足しているものをまとめてエラーで返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", BackendPostgres))
	if cfg.StoreBackend != BackendPostgres && cfg.StoreBackend != BackendMongo {
		return nil, fmt.Errorf("unsupported STORE_BACKEND: %q (postgres or mongo)", cfg.StoreBackend)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreBackend == BackendPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.MongoURI = os.Getenv("MONGO_URI")
	if cfg.StoreBackend == BackendMongo && cfg.MongoURI == "" {
		missing = append(missing, "MONGO_URI")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MongoDatabase = getEnvString("MONGO_DATABASE", "recipebox")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 30)
	cfg.DefaultPageSize = getEnvInt("DEFAULT_PAGE_SIZE", 5)
	cfg.MaxPageSize = getEnvInt("MAX_PAGE_SIZE", 100)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.ImportTimeout = getEnvDuration("IMPORT_TIMEOUT", 10*time.Second)
	cfg.ImportMaxSize = getEnvInt64("IMPORT_MAX_SIZE", 5242880)
	cfg.ImportMaxItems = getEnvInt("IMPORT_MAX_ITEMS", 20)
	cfg.LogLevel = getEnvLogLevel("LOG_LEVEL", slog.LevelInfo)

	if cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = cfg.MaxPageSize
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvInt は正の整数の環境変数を読み込む。不正値や0以下はデフォルト値を使う。
func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
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
	if err != nil || i <= 0 {
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
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// getEnvLogLevel は debug/info/warn/error を slog.Level に変換する。
func getEnvLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
