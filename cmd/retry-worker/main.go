package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flipstash/flipstash-backend/internal/entitlements"
	"github.com/flipstash/flipstash-backend/internal/events"
	"github.com/flipstash/flipstash-backend/internal/subscriptions"
	"github.com/flipstash/flipstash-backend/pkg/config"
	"github.com/flipstash/flipstash-backend/pkg/db"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/flipstash/flipstash-backend/pkg/metrics"
	"github.com/flipstash/flipstash-backend/pkg/migrate"
	"github.com/flipstash/flipstash-backend/pkg/pubsub"
	pkgstripe "github.com/flipstash/flipstash-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "retry-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "retry-worker",
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

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	var notifier subscriptions.ChangeNotifier
	if cfg.GCP.ProjectID != "" {
		pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub client", err)
			}
		}()
		notifier = subscriptions.NewPubSubNotifier(pubsubClient.BillingPublisher())
	} else {
		logg.Warn(context.Background(), "gcp project id not set, change notifications disabled")
	}

	reducer, err := entitlements.NewReducer(entitlements.ReducerParams{
		SubscriptionRepo: subscriptions.NewRepository(dbClient.DB()),
		StripeClient:     subscriptions.NewStripeClient(stripeClient),
		Notifier:         notifier,
		Logger:           logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reducer", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Logger:     logg,
		Events:     events.NewRepository(dbClient.DB()),
		Reducer:    reducer,
		Metrics:    metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		MaxRetries: cfg.Entitlements.MaxEventRetries,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create retry worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithField(ctx, "env", cfg.App.Env)
	logg.Info(ctx, "starting retry worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "retry worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "retry worker shutting down gracefully")
}
