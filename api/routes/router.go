package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flipstash/flipstash-backend/api/controllers"
	billingcontrollers "github.com/flipstash/flipstash-backend/api/controllers/billing"
	subscriptioncontrollers "github.com/flipstash/flipstash-backend/api/controllers/subscriptions"
	webhookcontrollers "github.com/flipstash/flipstash-backend/api/controllers/webhooks"
	"github.com/flipstash/flipstash-backend/api/middleware"
	"github.com/flipstash/flipstash-backend/pkg/config"
	"github.com/flipstash/flipstash-backend/pkg/db"
	"github.com/flipstash/flipstash-backend/pkg/logger"
	pkgredis "github.com/flipstash/flipstash-backend/pkg/redis"
	pkgstripe "github.com/flipstash/flipstash-backend/pkg/stripe"
)

// RouterParams collects the wired services the HTTP surface depends on.
type RouterParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            db.Pinger
	Redis         *pkgredis.Client
	Stripe        *pkgstripe.Client
	Webhooks      webhookcontrollers.StripeWebhookService
	Reconciler    subscriptioncontrollers.Reconciler
	Portal        billingcontrollers.PortalSessionService
	MetricsGather prometheus.Gatherer
}

func NewRouter(p RouterParams) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.DB, p.Redis))
	})

	gatherer := p.MetricsGather
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(p.Webhooks, p.Stripe, logg))
	})

	syncPolicy := middleware.NewRateLimitPolicy(
		"sync",
		cfg.RateLimit.SyncWindow,
		cfg.RateLimit.SyncIPLimit,
		cfg.RateLimit.SyncUserLimit,
		"userId",
	)
	r.Route("/api/v1/subscriptions", func(r chi.Router) {
		r.With(middleware.RateLimit(syncPolicy, p.Redis, logg)).
			Post("/sync", subscriptioncontrollers.Sync(p.Reconciler, logg))
	})

	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Post("/portal-session", billingcontrollers.PortalSession(p.Portal, logg))
	})

	return r
}
