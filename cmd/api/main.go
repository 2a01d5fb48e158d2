package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flipstash/flipstash-backend/api/routes"
	"github.com/flipstash/flipstash-backend/internal/billing"
	"github.com/flipstash/flipstash-backend/internal/entitlements"
	"github.com/flipstash/flipstash-backend/internal/events"
	"github.com/flipstash/flipstash-backend/internal/reconcile"
	"github.com/flipstash/flipstash-backend/internal/subscriptions"
	"github.com/flipstash/flipstash-backend/internal/users"
	stripewebhook "github.com/flipstash/flipstash-backend/internal/webhooks/stripe"
	"github.com/flipstash/flipstash-backend/pkg/config"
	"github.com/flipstash/flipstash-backend/pkg/db"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	"github.com/flipstash/flipstash-backend/pkg/metrics"
	"github.com/flipstash/flipstash-backend/pkg/migrate"
	"github.com/flipstash/flipstash-backend/pkg/pubsub"
	"github.com/flipstash/flipstash-backend/pkg/redis"
	pkgstripe "github.com/flipstash/flipstash-backend/pkg/stripe"
)

const shutdownGrace = 10 * time.Second

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

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	// The change notifier is optional: without a GCP project the pipeline
	// still converges, clients just fall back to manual refresh.
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

	billingMetrics := metrics.NewBillingMetrics(prometheus.DefaultRegisterer)

	subscriptionRepo := subscriptions.NewRepository(dbClient.DB())
	eventRepo := events.NewRepository(dbClient.DB())
	userRepo := users.NewRepository(dbClient.DB())
	subscriptionClient := subscriptions.NewStripeClient(stripeClient)

	reducer, err := entitlements.NewReducer(entitlements.ReducerParams{
		SubscriptionRepo: subscriptionRepo,
		StripeClient:     subscriptionClient,
		Notifier:         notifier,
		Logger:           logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reducer", err)
		os.Exit(1)
	}

	guard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Entitlements.WebhookDedupTTL, "stripe")
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency guard", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		EventRepo: eventRepo,
		Reducer:   reducer,
		Guard:     guard,
		Metrics:   billingMetrics,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerParams{
		SubscriptionRepo: subscriptionRepo,
		StripeClient:     subscriptionClient,
		Notifier:         notifier,
		Metrics:          billingMetrics,
		Logger:           logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciler", err)
		os.Exit(1)
	}

	portalService, err := billing.NewPortalService(billing.PortalServiceParams{
		Users:        userRepo,
		Stripe:       billing.NewStripePortalClient(),
		PortalVisits: redisClient,
		Site:         cfg.Site,
		Logger:       logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create portal service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:     cfg,
			Logger:     logg,
			DB:         dbClient,
			Redis:      redisClient,
			Stripe:     stripeClient,
			Webhooks:   webhookService,
			Reconciler: reconciler,
			Portal:     portalService,
		}),
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-runCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "error during shutdown", err)
		}
	}

	logg.Info(ctx, "api server shutting down gracefully")
}
