package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Brokerage
	BrokerBaseURL   string
	BrokerStreamURL string
	BrokerAPIKey    string
	BrokerTimeout   time.Duration

	// Order state service
	StaleWindow time.Duration // mirror freshness before REST fallback
	LockWait    time.Duration // symbol lock acquisition bound

	// State mirror
	DBPath          string
	PersistInterval time.Duration
	DedupWindow     time.Duration // terminal order id retention

	// Trailing-stop automation
	TierConfigPath string
	TickInterval   time.Duration

	// Stream client
	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
	ReconnectSustained time.Duration

	// Gateway auth
	JWTSecret            string
	GatewayClientID      string
	GatewayClientSecHash string // bcrypt hash of the caller secret

	Debug bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		BrokerBaseURL:        getEnv("BROKER_BASE_URL", "https://api.broker.local/v3"),
		BrokerStreamURL:      getEnv("BROKER_STREAM_URL", "wss://stream.broker.local/v3"),
		BrokerAPIKey:         os.Getenv("BROKER_API_KEY"),
		BrokerTimeout:        getEnvDuration("BROKER_TIMEOUT_MS", 10*time.Second),
		StaleWindow:          getEnvDuration("STALE_WINDOW_MS", 30*time.Second),
		LockWait:             getEnvDuration("LOCK_WAIT_MS", 5*time.Second),
		DBPath:               getEnv("DB_PATH", "./data/execution.db"),
		PersistInterval:      getEnvDuration("PERSIST_INTERVAL_MS", time.Minute),
		DedupWindow:          getEnvDuration("DEDUP_WINDOW_MS", 5*time.Minute),
		TierConfigPath:       getEnv("TIER_CONFIG_PATH", ""),
		TickInterval:         getEnvDuration("TICK_INTERVAL_MS", 15*time.Second),
		ReconnectBase:        getEnvDuration("RECONNECT_BASE_MS", time.Second),
		ReconnectCap:         getEnvDuration("RECONNECT_CAP_MS", 30*time.Second),
		ReconnectSustained:   getEnvDuration("RECONNECT_SUSTAINED_MS", 30*time.Second),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		GatewayClientID:      os.Getenv("GATEWAY_CLIENT_ID"),
		GatewayClientSecHash: os.Getenv("GATEWAY_CLIENT_SECRET_HASH"),
		Debug:                getEnv("DEBUG", "false") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
