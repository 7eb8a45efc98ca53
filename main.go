package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptotrack/config"
	"cryptotrack/internal/credentials"
	"cryptotrack/internal/dashboard"
	"cryptotrack/internal/metrics"
	"cryptotrack/internal/orchestrator"
	"cryptotrack/internal/store"
	"cryptotrack/logger"
	"cryptotrack/models"
	"cryptotrack/reader"
	"cryptotrack/reader/binance"
	"cryptotrack/reader/bybit"
	"cryptotrack/reader/kucoin"
	"cryptotrack/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting cryptotrack")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	if cfg.CloudWatch.Enabled {
		if err := logger.InitCloudWatch(ctx, logger.CloudWatchOptions{
			Region:          cfg.CloudWatch.Region,
			Namespace:       cfg.CloudWatch.Namespace,
			Dashboard:       cfg.CloudWatch.Dashboard,
			AccessKeyID:     cfg.CloudWatch.AccessKeyID,
			SecretAccessKey: cfg.CloudWatch.SecretAccessKey,
		}); err != nil {
			log.WithError(err).Warn("continuing without CloudWatch")
		}
	}
	if cfg.App.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.App.ReportInterval)
	}

	db := store.NewMemory()

	var publisher orchestrator.Publisher
	var kafkaWriter *writer.KafkaWriter
	if cfg.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg.Kafka, log)
		if err != nil {
			log.WithError(err).Error("Failed to create kafka writer")
			os.Exit(1)
		}
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start kafka writer")
			os.Exit(1)
		}
		publisher = kafkaWriter
	}

	orch := orchestrator.New(db, orchestrator.Options{
		BalanceResyncInterval: cfg.Orchestrator.BalanceResyncInterval,
		MarketRefreshInterval: cfg.Orchestrator.MarketRefreshInterval,
		DefaultSymbols:        cfg.Orchestrator.DefaultSymbols,
		Publisher:             publisher,
		Log:                   log,
	})

	registry := newRegistry(cfg, log)
	manager := credentials.NewManager(registry, orch, db, credentials.Options{
		DiscoverLimits: cfg.Rest.DiscoverLimits,
		Log:            log,
	})

	for _, venue := range models.AllVenues() {
		if _, ok := registry[venue]; !ok {
			continue
		}
		creds, ok := config.VenueCredentials(venue)
		if !ok {
			log.WithComponent("main").WithVenue(string(venue)).Info("no credentials in environment; venue stays disconnected")
			continue
		}
		if err := manager.Connect(ctx, venue, creds); err != nil {
			log.WithComponent("main").WithVenue(string(venue)).WithError(err).Error("venue connect failed")
		}
	}

	srv, err := dashboard.NewServer(cfg.Dashboard, log, orch, db)
	if err != nil {
		log.WithError(err).Error("Failed to create ops server")
		os.Exit(1)
	}
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Run(ctx, cfg.App.Name) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("ops server stopped")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.DisconnectAll(shutdownCtx)
	orch.Close()
	if kafkaWriter != nil {
		kafkaWriter.Stop()
	}
	log.Info("cryptotrack stopped")
}

func newRegistry(cfg *config.Config, log *logger.Log) reader.Registry {
	var adapters []reader.Adapter
	for _, venue := range models.AllVenues() {
		vc := cfg.Venue(venue)
		if !vc.Enabled {
			continue
		}
		opts := reader.AdapterOptions{
			RestURL:           vc.RestURL,
			SandboxRestURL:    vc.SandboxRestURL,
			WsURL:             vc.WsURL,
			SandboxWsURL:      vc.SandboxWsURL,
			Timeout:           cfg.Rest.Timeout,
			MaxRetries:        cfg.Rest.MaxRetries,
			RequestsPerSecond: cfg.Rest.RequestsPerSecond,
			Burst:             cfg.Rest.Burst,
			RecvWindow:        cfg.Rest.RecvWindow,
			DiscoverLimits:    cfg.Rest.DiscoverLimits,
			Stream: reader.StreamOptions{
				ConnectTimeout: cfg.Stream.ConnectTimeout,
				BaseDelay:      cfg.Stream.ReconnectBaseDelay,
				MaxDelay:       cfg.Stream.ReconnectMaxDelay,
				MaxAttempts:    cfg.Stream.MaxReconnectAttempts,
				ReadTimeout:    cfg.Stream.ReadTimeout,
				EventBuffer:    cfg.Stream.EventBuffer,
				Log:            log,
			},
			Log: log,
		}
		switch venue {
		case models.VenueBinance:
			adapters = append(adapters, binance.NewAdapter(opts))
		case models.VenueBybit:
			adapters = append(adapters, bybit.NewAdapter(opts))
		case models.VenueKucoin:
			adapters = append(adapters, kucoin.NewAdapter(opts))
		}
	}
	return reader.NewRegistry(adapters...)
}
