package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"LISTEN_ADDR", "ALLOWED_ORIGINS", "DEBUG", "LOG_JSON", "DATABASE_PATH", "STARTING_BALANCE",
	"FEED", "BINANCE_WS_URL", "FEED_SYMBOLS", "CHAINLINK_RPC_URL", "CHAINLINK_FEEDS",
	"CHAINLINK_POLL_INTERVAL", "ENGINE_SHARDS", "STORE_TIMEOUT", "WS_SEND_BUFFER",
	"WS_WRITE_WAIT", "WS_PING_INTERVAL", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "data/papertrade.db", cfg.DatabasePath)
	assert.Equal(t, FeedBinance, cfg.Feed)
	assert.Equal(t, map[string]string{
		"BTC-USD": "btcusdt",
		"ETH-USD": "ethusdt",
		"SOL-USD": "solusdt",
	}, cfg.FeedSymbols)
	assert.True(t, cfg.StartingBalance.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, 8, cfg.EngineShards)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 64, cfg.WSSendBuffer)
	assert.Equal(t, 30*time.Second, cfg.WSPingInterval)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.TelegramEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("FEED", "Chainlink")
	t.Setenv("CHAINLINK_FEEDS", "eth-usd=0xF9680D99D6C9589e2a93a78A04A279e509205945")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("STORE_TIMEOUT", "250ms")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "-1001")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, FeedChainlink, cfg.Feed)
	assert.Equal(t, "0xF9680D99D6C9589e2a93a78A04A279e509205945", cfg.ChainlinkFeeds["ETH-USD"])
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 250*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, int64(-1001), cfg.TelegramChatID)
	assert.True(t, cfg.TelegramEnabled())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown feed", map[string]string{"FEED": "kraken"}},
		{"malformed symbols", map[string]string{"FEED_SYMBOLS": "BTC-USD"}},
		{"malformed chainlink feeds", map[string]string{"FEED": "chainlink", "CHAINLINK_FEEDS": "=0x1"}},
		{"token without chat", map[string]string{"TELEGRAM_BOT_TOKEN": "tok"}},
		{"bad chat id", map[string]string{"TELEGRAM_CHAT_ID": "abc"}},
		{"zero balance", map[string]string{"STARTING_BALANCE": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
