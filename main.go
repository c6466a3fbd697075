package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/mirror"
	"execution-core/internal/orderstate"
	"execution-core/internal/stream"
	"execution-core/internal/trailing"
	"execution-core/pkg/brokerage"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	logger := zlog.Logger

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	broker := brokerage.NewClient(brokerage.Config{
		BaseURL:   cfg.BrokerBaseURL,
		StreamURL: cfg.BrokerStreamURL,
		APIKey:    cfg.BrokerAPIKey,
		Timeout:   cfg.BrokerTimeout,
	}, logger)

	m := mirror.New(database, bus, cfg.DedupWindow, logger)
	if err := m.Restore(ctx); err != nil {
		logger.Fatal().Err(err).Msg("mirror restore failed")
	}

	// Snapshot consistency check: a restored position without a persisted
	// protective order means protection was lost while we were down. The
	// trailing engine recreates it, but the gap is worth a loud log line.
	for _, p := range m.Positions() {
		recs, err := database.ActiveOrders(ctx, p.Symbol, string(brokerage.SideSell))
		if err != nil {
			logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("snapshot consistency check failed")
			continue
		}
		if len(recs) == 0 {
			logger.Warn().Str("symbol", p.Symbol).Msg("restored position has no persisted protective order")
		}
	}

	orders := orderstate.NewService(m, broker, cfg.StaleWindow, cfg.LockWait, logger)

	// The snapshot seeds the mirror but can be arbitrarily stale; the
	// brokerage is the source of truth before any automation starts.
	if err := orders.ReconcileStartup(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup reconciliation failed, mirror starts stale")
	}

	for _, channel := range []stream.Channel{stream.ChannelOrders, stream.ChannelPositions} {
		policy := stream.NewReconnectPolicy(cfg.ReconnectBase, cfg.ReconnectCap, cfg.ReconnectSustained)
		client := stream.NewClient(channel, broker.StreamEndpoint(string(channel)), broker.StreamHeader(), stream.GorillaDialer, policy, m, logger)
		go client.Run(ctx)
	}

	schedule := trailing.DefaultSchedule()
	if cfg.TierConfigPath != "" {
		schedule, err = trailing.LoadSchedule(cfg.TierConfigPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.TierConfigPath).Msg("tier config invalid")
		}
	}
	engine := trailing.NewEngine(schedule, m, orders, bus, cfg.TickInterval, logger)
	go engine.Run(ctx)

	m.StartPersistLoop(ctx, cfg.PersistInterval)

	server := gateway.NewServer(m, orders, engine, broker, cfg.JWTSecret, cfg.GatewayClientID, cfg.GatewayClientSecHash, logger)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("gateway listening")
		if err := server.Start(":" + cfg.Port); err != nil {
			logger.Fatal().Err(err).Msg("gateway stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	// Give the persist loop's final snapshot a moment to land.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	if err := m.Persist(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown persist failed")
	}
}
