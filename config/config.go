// Package config loads application configuration from environment variables
// and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Bot        BotConfig
	Database   DatabaseConfig
	Billing    BillingConfig
	Gateway    GatewayConfig
	Transport  TransportConfig
	Settlement SettlementConfig
}

// BotConfig holds Telegram bot tokens. AlertToken is optional; without it
// match alerts fall back to the main bot.
type BotConfig struct {
	Token        string
	AlertToken   string
	AlertBotLink string
}

// DatabaseConfig holds the sqlite path.
type DatabaseConfig struct {
	Path string
}

// BillingConfig holds tariff rates and the daily charge schedule.
type BillingConfig struct {
	BaseMonthly      float64
	ExtraChatMonthly float64
	FreeSources      int
	ChargeHourUTC    int
	MinTopup         float64
}

// GatewayConfig holds payment-gateway credentials.
type GatewayConfig struct {
	ShopID       string
	SecretKey    string
	PayoutShopID string
	PayoutSecret string
	ReturnURL    string
	PayoutMin    float64
}

// TransportConfig holds the shared MTProto application credentials and the
// directory for per-account session files.
type TransportConfig struct {
	APIID      int
	APIHash    string
	SessionDir string
}

// SettlementConfig bounds the transaction poll loop.
type SettlementConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// Load reads configuration from the environment, consulting .env if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv("BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("BOT_TOKEN is not set")
	}

	cfg := &Config{
		Bot: BotConfig{
			Token:        token,
			AlertToken:   os.Getenv("ALERT_BOT_TOKEN"),
			AlertBotLink: getEnv("ALERT_BOT_LINK", "https://t.me/leadwatch_alert_bot"),
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "leadwatch.db"),
		},
		Billing: BillingConfig{
			BaseMonthly:      getEnvFloat("BILLING_BASE_MONTHLY", 1490),
			ExtraChatMonthly: getEnvFloat("BILLING_EXTRA_CHAT_MONTHLY", 490),
			FreeSources:      getEnvInt("BILLING_FREE_SOURCES", 5),
			ChargeHourUTC:    getEnvInt("BILLING_CHARGE_HOUR_UTC", 3),
			MinTopup:         getEnvFloat("BILLING_MIN_TOPUP", 300),
		},
		Gateway: GatewayConfig{
			ShopID:       os.Getenv("KASSA_SHOP_ID"),
			SecretKey:    os.Getenv("KASSA_SECRET_KEY"),
			PayoutShopID: os.Getenv("PAYOUT_SHOP_ID"),
			PayoutSecret: os.Getenv("PAYOUT_SECRET_KEY"),
			ReturnURL:    getEnv("KASSA_RETURN_URL", "https://t.me/leadwatch_bot"),
			PayoutMin:    getEnvFloat("PAYOUT_MIN_AMOUNT", 300),
		},
		Transport: TransportConfig{
			APIID:      getEnvInt("MTPROTO_API_ID", 0),
			APIHash:    os.Getenv("MTPROTO_API_HASH"),
			SessionDir: getEnv("SESSION_DIR", "sessions"),
		},
		Settlement: SettlementConfig{
			PollInterval: getEnvDuration("SETTLEMENT_POLL_INTERVAL", 5*time.Second),
			MaxAttempts:  getEnvInt("SETTLEMENT_MAX_ATTEMPTS", 60),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
