package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/config"
	"futures-signal-engine/internal/api"
	"futures-signal-engine/internal/engine"
	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/exchange"
	"futures-signal-engine/internal/logging"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/store"
	"futures-signal-engine/internal/supervisor"
	"futures-signal-engine/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Pretty: cfg.LoggingConfig.Pretty,
	})
	logger.Info().Msg("starting futures signal engine")

	snapshots, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open snapshot store")
	}

	fetcher := exchange.NewClient(cfg.ExchangeConfig.RESTBaseURL, logger)

	streamOpts := exchange.StreamOptions{
		WSBaseURL:        cfg.ExchangeConfig.WSBaseURL,
		ReconnectBackoff: cfg.ExchangeConfig.ReconnectBackoff(),
	}
	newStream := func(symbol string, interval market.Interval, onCandle func(market.Candle), shouldReconnect func() bool) engine.LiveStream {
		opts := streamOpts
		opts.ShouldReconnect = shouldReconnect
		return exchange.NewKlineStream(symbol, interval, onCandle, opts, logger)
	}

	shardCfg := engine.DefaultShardConfig()
	shardCfg.BaseBufferCap = cfg.EngineConfig.BaseBufferCap
	shardCfg.DeliveryCap = cfg.EngineConfig.DeliveryCap
	shardCfg.DestroyDelay = time.Duration(cfg.EngineConfig.DestroySeconds) * time.Second
	shardCfg.PersistEvery = time.Duration(cfg.EngineConfig.PersistSeconds) * time.Second
	shardCfg.DeepFetchPages = cfg.EngineConfig.DeepFetchPages

	bus := events.NewBus()
	dataEngine := engine.New(shardCfg, fetcher, snapshots, newStream, bus, logger)

	dispatcher := webhook.NewDispatcher(time.Duration(cfg.WebhookConfig.TimeoutSeconds)*time.Second, logger)

	sup := supervisor.New(dataEngine, dispatcher, bus, snapshots, supervisor.Options{
		PrewarmSymbols: cfg.EngineConfig.PrewarmSymbols,
	}, logger)
	sup.Start()

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		ProductionMode: cfg.ServerConfig.ProductionMode,
		AllowOrigins:   cfg.ServerConfig.AllowedOrigins,
	}, sup, dataEngine, bus, logger)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start api server")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown failed")
	}

	sup.Stop()
	dataEngine.Shutdown()
	if err := snapshots.Close(); err != nil {
		logger.Error().Err(err).Msg("snapshot store close failed")
	}
	logger.Info().Msg("engine stopped")
}

// openStore selects the snapshot backend from config, falling back to the
// file store when redis is unreachable.
func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.StoreConfig.Backend == "redis" {
		rs, err := store.NewRedisStore(store.RedisConfig{
			Address:   cfg.StoreConfig.RedisAddress,
			Password:  cfg.StoreConfig.RedisPassword,
			DB:        cfg.StoreConfig.RedisDB,
			KeyPrefix: cfg.StoreConfig.RedisPrefix,
		}, logger)
		if err == nil {
			return rs, nil
		}
		logger.Warn().Err(err).Msg("redis store unavailable, falling back to file store")
	}
	return store.NewFileStore(cfg.StoreConfig.Dir, logger)
}
