package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/dispensary-engine/pkg/bigquery"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db"
	"github.com/angelmondragon/dispensary-engine/pkg/kafka"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/migrate"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox/registry"
	"github.com/angelmondragon/dispensary-engine/pkg/pubsub"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "outbox-publisher"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "outbox-publisher"

	logg = logger.New(logger.Options{
		ServiceName: "outbox-publisher",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	sink, closeSink, err := buildSink(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap event sink", err)
		os.Exit(1)
	}
	defer closeSink()

	repo := outbox.NewRepository(dbClient.DB())
	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		logg.Error(context.Background(), "failed to build event registry", err)
		os.Exit(1)
	}
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Sink:          sink,
		Repository:    repo,
		Registry:      eventRegistry,
		DLQRepository: outbox.NewDLQRepository(dbClient.DB()),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox publisher", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "outbox-publisher",
		"sink":        sink.Name(),
	})
	logg.Info(ctx, "starting outbox publisher")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox publisher shutting down gracefully")
}

// buildSink connects the broker selected by DISPENSARY_OUTBOX_SINK.
func buildSink(ctx context.Context, cfg *config.Config, logg *logger.Logger) (eventSink, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Outbox.Sink)) {
	case config.OutboxSinkBigQuery:
		client, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logg.Error(ctx, "error closing bigquery client", err)
			}
		}
		return &bigQuerySink{writer: client}, closeFn, nil
	case config.OutboxSinkKafka:
		producer, err := kafka.NewProducer(cfg.Kafka, logg)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := producer.Close(); err != nil {
				logg.Error(ctx, "error closing kafka producer", err)
			}
		}
		return &kafkaSink{producer: producer}, closeFn, nil
	default:
		client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return nil, nil, err
		}
		sink := newPubSubSink(client)
		closeFn := func() {
			sink.Stop()
			if err := client.Close(); err != nil {
				logg.Error(ctx, "error closing pubsub client", err)
			}
		}
		return sink, closeFn, nil
	}
}
