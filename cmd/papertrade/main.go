package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/web3guy0/papertrade/api"
	"github.com/web3guy0/papertrade/bot"
	"github.com/web3guy0/papertrade/core"
	"github.com/web3guy0/papertrade/feeds"
	"github.com/web3guy0/papertrade/gateway"
	"github.com/web3guy0/papertrade/internal/config"
	"github.com/web3guy0/papertrade/storage"
)

var rootCmd = &cobra.Command{
	Use:   "papertrade",
	Short: "Paper-trading bracket engine",
	Long:  `Simulated positions with take-profit / stop-loss brackets, closed against a live market feed and pushed to clients over websockets.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Str("file", envFile).Msg("No .env file found")
		}
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine, HTTP API and event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			cfg.Debug = true
		}
		setupLogging(cfg)
		return serve(cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		store, err := storage.New(cfg.DatabasePath, storage.Options{StartingBalance: cfg.StartingBalance, Debug: cfg.Debug})
		if err != nil {
			return err
		}
		defer store.Close()

		open, err := store.CountOpen(cmd.Context())
		if err != nil {
			return err
		}
		log.Info().Int64("open_positions", open).Msg("✅ Schema up to date")
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Path to a .env file to load before reading the environment")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging (same as DEBUG=true)")

	rootCmd.AddCommand(serveCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Exiting")
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !cfg.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func serve(cfg *config.Config) error {
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("                 PAPERTRADE - BRACKET ENGINE")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════

	// 1. Storage
	store, err := storage.New(cfg.DatabasePath, storage.Options{
		StartingBalance: cfg.StartingBalance,
		Debug:           cfg.Debug,
	})
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()
	log.Info().Msg("✅ Storage layer initialized")

	// 2. In-memory state shared by the engine and the API
	index := core.NewIndex()
	prices := core.NewPriceBook()
	locks := core.NewKeyedMutex()

	// 3. Event sinks
	gw := gateway.New(gateway.Config{
		SendBuffer:   cfg.WSSendBuffer,
		WriteWait:    cfg.WSWriteWait,
		PingInterval: cfg.WSPingInterval,
	})
	events := core.Broadcasters{gw}

	var tg *bot.TelegramBot
	if cfg.TelegramEnabled() {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			events = append(events, tg)
		}
	}

	// 4. Engine
	engineCfg := core.DefaultEngineConfig()
	engineCfg.Shards = cfg.EngineShards
	engineCfg.StoreTimeout = cfg.StoreTimeout
	engine := core.NewEngine(index, prices, store, events, locks, engineCfg)
	if err := engine.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	log.Info().Msg("✅ Engine initialized")

	// 5. Position lifecycle + operator bot
	positions := core.NewPositionService(store, index, prices, events, locks)
	if tg != nil {
		tg.SetOperator(positions)
		tg.Start()
	}

	// 6. HTTP API
	server := api.NewServer(api.Config{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, api.Deps{
		Positions: positions,
		Accounts:  store,
		Stream:    gw,
		Engine:    engine,
		Store:     store,
	})
	server.Start()

	// 7. Market data
	source, err := newSource(cfg)
	if err != nil {
		return err
	}
	if err := source.Start(ctx); err != nil {
		return fmt.Errorf("feed: %w", err)
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx, source.Ticks()); err != nil {
			log.Error().Err(err).Msg("Engine exited")
		}
	}()

	log.Info().
		Str("feed", cfg.Feed).
		Str("addr", cfg.ListenAddr).
		Msg("🚀 Papertrade running")

	// ═══════════════════════════════════════════════════════════════════════════
	// SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")

	source.Stop()
	cancel()
	<-engineDone
	gw.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	if tg != nil {
		tg.Stop()
	}

	stats := engine.Stats()
	log.Info().
		Uint64("ticks", stats.Ticks).
		Uint64("closed", stats.Closed).
		Uint64("failures", stats.Failures).
		Msg("Goodbye")
	return nil
}

func newSource(cfg *config.Config) (feeds.Source, error) {
	switch cfg.Feed {
	case config.FeedBinance:
		return feeds.NewBinanceSource(cfg.BinanceWSURL, cfg.FeedSymbols), nil
	case config.FeedChainlink:
		src, err := feeds.NewChainlinkSource(cfg.ChainlinkRPCURL, cfg.ChainlinkFeeds, cfg.ChainlinkPollInterval)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return feeds.NewNone(), nil
	}
}
