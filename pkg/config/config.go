package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Chain string

const (
	ChainSolana   Chain = "solana"
	ChainEthereum Chain = "ethereum"
)

// SimulatedAddrPrefix marks placeholder token addresses injected by dry-run
// tooling. They never reach the price API and never form bucket identities.
const SimulatedAddrPrefix = "SIM"

type Config struct {
	// Telegram upstream sessions (MTProto, one session file per entry)
	TelegramAPIID    int
	TelegramAPIHash  string
	TelegramSessions []string

	// Telegram bot (outbound alerts + echo identity)
	TelegramBotToken string
	BotHandle        string

	// Discord mirror (optional)
	DiscordBotToken  string
	DiscordChannelID string

	// Price API
	BirdeyeAPIKey  string
	BirdeyeBaseURL string

	// Detection defaults (per-tenant overrides live in the store)
	DefaultMinWallets    int
	DefaultWindowMinutes int

	// Queue engine
	QueueWorkers int

	// Intervals
	DirectoryRefresh time.Duration
	SweepInterval    time.Duration
	SessionProbe     time.Duration

	// Retention
	TransactionRetention time.Duration
	ConfluenceRetention  time.Duration

	// Analyzer
	AnalyzerRPS float64

	// DB
	DBPath string

	// Dashboard
	DashboardPort int

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		TelegramAPIHash:  os.Getenv("TELEGRAM_API_HASH"),
		TelegramSessions: splitTrim(os.Getenv("TELEGRAM_SESSIONS")),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		BotHandle:        strings.TrimPrefix(os.Getenv("BOT_HANDLE"), "@"),

		DiscordBotToken:  os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordChannelID: os.Getenv("DISCORD_CHANNEL_ID"),

		BirdeyeAPIKey:  os.Getenv("BIRDEYE_API_KEY"),
		BirdeyeBaseURL: envOr("BIRDEYE_BASE_URL", "https://public-api.birdeye.so"),

		DefaultMinWallets:    envInt("DEFAULT_MIN_WALLETS", 2),
		DefaultWindowMinutes: envInt("DEFAULT_WINDOW_MINUTES", 1440),

		QueueWorkers: envInt("QUEUE_WORKERS", 4),

		DirectoryRefresh: time.Duration(envInt("DIRECTORY_REFRESH_SECONDS", 60)) * time.Second,
		SweepInterval:    time.Duration(envInt("SWEEP_MINUTES", 10)) * time.Minute,
		SessionProbe:     time.Duration(envInt("SESSION_PROBE_MINUTES", 5)) * time.Minute,

		TransactionRetention: time.Duration(envInt("RETENTION_HOURS", 48)) * time.Hour,
		ConfluenceRetention:  time.Duration(envInt("CONFLUENCE_RETENTION_HOURS", 336)) * time.Hour,

		AnalyzerRPS: envFloat("ANALYZER_RPS", 5),

		DBPath:        envOr("DB_PATH", "confluence_tracker.db"),
		DashboardPort: envInt("DASHBOARD_PORT", 8080),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}

	if v := os.Getenv("TELEGRAM_API_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err == nil {
			cfg.TelegramAPIID = id
		}
	}

	// Defaults must themselves sit inside the allowed tenant ranges.
	if cfg.DefaultMinWallets < 2 || cfg.DefaultMinWallets > 10 {
		cfg.DefaultMinWallets = 2
	}
	if cfg.DefaultWindowMinutes < 60 || cfg.DefaultWindowMinutes > 2880 {
		cfg.DefaultWindowMinutes = 1440
	}
	if cfg.QueueWorkers < 1 {
		cfg.QueueWorkers = 1
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TelegramAPIID == 0 || c.TelegramAPIHash == "" {
		return fmt.Errorf("TELEGRAM_API_ID and TELEGRAM_API_HASH are required")
	}
	if len(c.TelegramSessions) == 0 {
		return fmt.Errorf("TELEGRAM_SESSIONS must name at least one session file")
	}
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required for alert delivery")
	}
	if c.BirdeyeAPIKey == "" {
		return fmt.Errorf("BIRDEYE_API_KEY is required for price history")
	}
	return nil
}

// helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
