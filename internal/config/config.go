package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアのバックエンド。
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// 認可モード。auth.Mode と同じ値。
const (
	AuthModeAllowList    = "allow_list"
	AuthModeSharedSecret = "shared_secret"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend string
	DatabaseURL  string

	// Authorization
	AuthMode    string
	AdminSecret string
	AdminEmails []string

	// create-admin サブコマンドとメモリモードの初期管理者
	AdminAccountEmail    string
	AdminAccountPassword string

	// Session
	SessionMaxAge          int
	SessionCleanupInterval time.Duration

	// Rate Limit
	RateLimitGeneral int // req/min/session
	RateLimitWrite   int // req/min/session
	LoginMaxAttempts int
	LoginWindow      time.Duration

	// Paper PDF links
	PDFLinkProbe   bool
	PDFLinkTimeout time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", StoreBackendPostgres))
	cfg.AuthMode = strings.ToLower(getEnvString("AUTH_MODE", AuthModeAllowList))

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreBackend != StoreBackendMemory {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	switch cfg.AuthMode {
	case AuthModeSharedSecret:
		cfg.AdminSecret = os.Getenv("ADMIN_SECRET")
		if cfg.AdminSecret == "" {
			missing = append(missing, "ADMIN_SECRET")
		}
	case AuthModeAllowList:
		cfg.AdminEmails = splitList(os.Getenv("ADMIN_EMAILS"))
		if len(cfg.AdminEmails) == 0 {
			missing = append(missing, "ADMIN_EMAILS")
		}
	default:
		return nil, fmt.Errorf("unknown AUTH_MODE %q: want %s or %s", cfg.AuthMode, AuthModeAllowList, AuthModeSharedSecret)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch cfg.StoreBackend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q: want %s or %s", cfg.StoreBackend, StoreBackendPostgres, StoreBackendMemory)
	}

	// Optional fields with defaults
	cfg.AdminAccountEmail = getEnvString("ADMIN_ACCOUNT_EMAIL", "")
	cfg.AdminAccountPassword = getEnvString("ADMIN_ACCOUNT_PASSWORD", "")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400*30)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 20)
	cfg.LoginMaxAttempts = getEnvInt("LOGIN_MAX_ATTEMPTS", 5)
	cfg.LoginWindow = getEnvDuration("LOGIN_WINDOW", 15*time.Minute)
	cfg.PDFLinkProbe = getEnvBool("PDF_LINK_PROBE", false)
	cfg.PDFLinkTimeout = getEnvDuration("PDF_LINK_TIMEOUT", 5*time.Second)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// UsesMemoryStore はインメモリストアで起動するかを返す。
func (c *Config) UsesMemoryStore() bool {
	return c.StoreBackend == StoreBackendMemory
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

// splitList はカンマ区切りの値を空要素を除いて分割する。
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
