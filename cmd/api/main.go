package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/dispensary-engine/api/routes"
	"github.com/angelmondragon/dispensary-engine/internal/engine"
	squarewebhook "github.com/angelmondragon/dispensary-engine/internal/webhooks/square"
	stripewebhook "github.com/angelmondragon/dispensary-engine/internal/webhooks/stripe"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/migrate"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox/idempotency"
	"github.com/angelmondragon/dispensary-engine/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	eng, err := engine.New(context.Background(), engine.Params{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Locks:      redisClient,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to wire engine", err)
		os.Exit(1)
	}

	params, err := routerParams(cfg, logg, dbClient, redisClient, eng)
	if err != nil {
		logg.Error(context.Background(), "failed to wire webhooks", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      routes.NewRouter(params),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"port":        cfg.App.Port,
	})

	serverErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logg.Info(ctx, "shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "graceful shutdown failed", err)
		}
	}
}

func routerParams(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, eng *engine.Engine) (routes.Params, error) {
	params := routes.Params{
		Config:      cfg,
		Logger:      logg,
		DB:          dbClient,
		Store:       redisClient,
		Orders:      eng.Orders,
		Ledger:      eng.Ledger,
		DeadLetters: outbox.NewDLQRepository(dbClient.DB()),
		Payments:    eng.Payments,
		GiftCards:   eng.GiftCards,
		Inventory:   eng.Inventory,
		Settlements: eng.Settlements,
		Gatherer:    prometheus.DefaultGatherer,
	}

	guard, err := idempotency.NewManager(redisClient, cfg.Eventing.OutboxIdempotencyTTL)
	if err != nil {
		return params, err
	}
	params.WebhookGuard = guard

	// Only the configured card processor gets a webhook route.
	if eng.Square != nil {
		svc, err := squarewebhook.NewService(squarewebhook.ServiceParams{Payments: eng.Payments, Orders: eng.Orders, Logger: logg})
		if err != nil {
			return params, err
		}
		params.SquareWebhooks = svc
		params.SquareSigner = eng.Square
	}
	if eng.Stripe != nil {
		svc, err := stripewebhook.NewService(stripewebhook.ServiceParams{Payments: eng.Payments, Orders: eng.Orders, Logger: logg})
		if err != nil {
			return params, err
		}
		params.StripeWebhooks = svc
		params.StripeSigner = eng.Stripe
	}
	return params, nil
}
