package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/papertrade/feeds"
)

// Feed kinds
const (
	FeedBinance   = "binance"
	FeedChainlink = "chainlink"
	FeedNone      = "none"
)

// Config holds all configuration for the server
type Config struct {
	// HTTP
	ListenAddr     string
	AllowedOrigins []string

	// Logging
	Debug   bool
	LogJSON bool

	// Database
	DatabasePath    string
	StartingBalance decimal.Decimal

	// Market data
	Feed                  string
	BinanceWSURL          string
	FeedSymbols           map[string]string // "BTC-USD" -> "btcusdt"
	ChainlinkRPCURL       string
	ChainlinkFeeds        map[string]string // "BTC-USD" -> aggregator address
	ChainlinkPollInterval time.Duration

	// Engine
	EngineShards int
	StoreTimeout time.Duration

	// Websocket
	WSSendBuffer   int
	WSWriteWait    time.Duration
	WSPingInterval time.Duration

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// HTTP
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),

		// Logging
		Debug:   getEnvBool("DEBUG", false),
		LogJSON: getEnvBool("LOG_JSON", false),

		// Database
		DatabasePath:    getEnv("DATABASE_PATH", "data/papertrade.db"),
		StartingBalance: getEnvDecimal("STARTING_BALANCE", decimal.NewFromInt(10000)),

		// Market data
		Feed:                  strings.ToLower(getEnv("FEED", FeedBinance)),
		BinanceWSURL:          getEnv("BINANCE_WS_URL", feeds.DefaultBinanceURL),
		ChainlinkRPCURL:       getEnv("CHAINLINK_RPC_URL", feeds.DefaultChainlinkRPC),
		ChainlinkPollInterval: getEnvDuration("CHAINLINK_POLL_INTERVAL", time.Second),

		// Engine
		EngineShards: getEnvInt("ENGINE_SHARDS", 8),
		StoreTimeout: getEnvDuration("STORE_TIMEOUT", 5*time.Second),

		// Websocket
		WSSendBuffer:   getEnvInt("WS_SEND_BUFFER", 64),
		WSWriteWait:    getEnvDuration("WS_WRITE_WAIT", 10*time.Second),
		WSPingInterval: getEnvDuration("WS_PING_INTERVAL", 30*time.Second),

		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	var err error
	switch cfg.Feed {
	case FeedBinance:
		cfg.FeedSymbols, err = feeds.ParsePairs(getEnv("FEED_SYMBOLS", "BTC-USD=btcusdt,ETH-USD=ethusdt,SOL-USD=solusdt"))
		if err != nil {
			return nil, fmt.Errorf("invalid FEED_SYMBOLS: %w", err)
		}
	case FeedChainlink:
		cfg.ChainlinkFeeds, err = feeds.ParsePairs(getEnv("CHAINLINK_FEEDS", "BTC-USD="+feeds.BTCUSDFeedAddress))
		if err != nil {
			return nil, fmt.Errorf("invalid CHAINLINK_FEEDS: %w", err)
		}
	case FeedNone:
	default:
		return nil, fmt.Errorf("invalid FEED %q (want %s, %s or %s)", cfg.Feed, FeedBinance, FeedChainlink, FeedNone)
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}

	if !cfg.StartingBalance.IsPositive() {
		return nil, fmt.Errorf("STARTING_BALANCE must be greater than 0")
	}
	if cfg.EngineShards < 1 {
		return nil, fmt.Errorf("ENGINE_SHARDS must be at least 1")
	}

	return cfg, nil
}

// TelegramEnabled reports whether the operator bot is configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
