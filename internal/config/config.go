package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr    string
	StoreMode     string
	DatabaseURL   string
	SecretsKey    string
	AdminUsername string
	AdminPassword string
	JWTSecret     string

	KiteBaseURL    string
	KiteRatePerSec float64
	KiteRateBurst  int

	SessionTTL        time.Duration
	SyncRetryAttempts int
	MarginTimeout     time.Duration

	TickerEnabled bool
	TickerURL     string

	TelegramBotToken string
	TelegramChatID   string

	WebhookURL        string
	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	WebhookRetryBase  time.Duration
	WebhookRetryMax   time.Duration
}

func Load() Config {
	return Config{
		ListenAddr:    getEnv("LISTEN_ADDR", ":18090"),
		StoreMode:     getEnv("STORE_MODE", "postgres"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		SecretsKey:    getEnv("SECRETS_KEY", ""),
		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", "change-me"),
		JWTSecret:     getEnv("JWT_SECRET", "change-this-secret"),

		KiteBaseURL:    getEnv("KITE_BASE_URL", ""),
		KiteRatePerSec: getFloat("KITE_RATE_PER_SEC", 3),
		KiteRateBurst:  getInt("KITE_RATE_BURST", 5),

		SessionTTL:        getDuration("SESSION_TTL", 8*time.Hour),
		SyncRetryAttempts: getInt("SYNC_RETRY_ATTEMPTS", 2),
		MarginTimeout:     getDuration("MARGIN_TIMEOUT", 30*time.Second),

		TickerEnabled: getBool("TICKER_ENABLED", false),
		TickerURL:     getEnv("TICKER_URL", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		WebhookURL:        getEnv("WEBHOOK_URL", ""),
		WebhookTimeout:    getDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		WebhookMaxRetries: getInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookRetryBase:  getDuration("WEBHOOK_RETRY_BASE", 500*time.Millisecond),
		WebhookRetryMax:   getDuration("WEBHOOK_RETRY_MAX", 5*time.Second),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
