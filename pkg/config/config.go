package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the copy-trading core.
type Config struct {
	Port   string
	DBPath string

	// Master switch for every automation rule. When false each rule
	// short-circuits with a disabled no-op summary instead of an error.
	AutomationEnabled bool

	// Trading venue endpoints
	VenueBaseURL  string
	VenueWSURL    string
	VenueAPIToken string

	// Telemetry client
	TelemetryTimeout   time.Duration
	TelemetryRateLimit float64 // requests per second against the venue
	TelemetryBurst     int

	// Orchestrator
	BatchSize          int           // concurrent telemetry fetches per batch
	RunBudget          time.Duration // wall-clock budget per automation run
	RebalanceCooldown  time.Duration // minimum gap between rebalances per account
	RulesConfigPath    string        // YAML automation defaults
	MasterAccountID    string        // terminal mirrored by the streaming manager
	NotifyWebhookURL   string        // empty means log-only notifications
	NotifyTimeout      time.Duration
	StreamHealthWindow time.Duration // no event within window marks the stream degraded

	// Streaming reconnect policy
	MaxReconnectAttempts int
	CircuitCooldown      time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/copytrading.db")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               dbPath,
		AutomationEnabled:    getEnv("AUTOMATION_ENABLED", "true") == "true",
		VenueBaseURL:         getEnv("VENUE_BASE_URL", "https://api.metaapi.dev"),
		VenueWSURL:           getEnv("VENUE_WS_URL", "wss://stream.metaapi.dev"),
		VenueAPIToken:        os.Getenv("VENUE_API_TOKEN"),
		TelemetryTimeout:     getEnvDuration("TELEMETRY_TIMEOUT", 10*time.Second),
		TelemetryRateLimit:   getEnvFloat("TELEMETRY_RATE_LIMIT", 8),
		TelemetryBurst:       getEnvInt("TELEMETRY_BURST", 4),
		BatchSize:            getEnvInt("AUTOMATION_BATCH_SIZE", 5),
		RunBudget:            getEnvDuration("AUTOMATION_RUN_BUDGET", 4*time.Minute),
		RebalanceCooldown:    getEnvDuration("REBALANCE_COOLDOWN", 30*time.Minute),
		RulesConfigPath:      getEnv("RULES_CONFIG_PATH", "automation.yaml"),
		MasterAccountID:      os.Getenv("MASTER_ACCOUNT_ID"),
		NotifyWebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyTimeout:        getEnvDuration("NOTIFY_TIMEOUT", 5*time.Second),
		StreamHealthWindow:   getEnvDuration("STREAM_HEALTH_WINDOW", 2*time.Minute),
		MaxReconnectAttempts: getEnvInt("STREAM_MAX_RECONNECTS", 5),
		CircuitCooldown:      getEnvDuration("STREAM_CIRCUIT_COOLDOWN", 10*time.Minute),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
