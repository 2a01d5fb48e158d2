package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "flipstash"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "FLIPSTASH_DB_DSN"
	EnvDBHost = "FLIPSTASH_DB_HOST"
	EnvDBUser = "FLIPSTASH_DB_USER"
	EnvDBName = "FLIPSTASH_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Site         SiteConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Stripe       StripeConfig
	PubSub       PubSubConfig
	GCP          GCPConfig
	Entitlements EntitlementsConfig
	RateLimit    RateLimitConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FLIPSTASH_APP_ENV" required:"true"`
	Port         string `envconfig:"FLIPSTASH_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"FLIPSTASH_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FLIPSTASH_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// SiteConfig carries the public site base URL used for default redirect construction.
type SiteConfig struct {
	BaseURL string `envconfig:"FLIPSTASH_SITE_URL" default:"http://localhost:3000"`
}

// PortalReturnURL builds the default billing portal return URL.
func (s SiteConfig) PortalReturnURL() string {
	return strings.TrimRight(s.BaseURL, "/") + "/settings/billing"
}

type DBConfig struct {
	DSN    string `envconfig:"FLIPSTASH_DB_DSN"`
	Driver string `envconfig:"FLIPSTASH_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"FLIPSTASH_DB_HOST"`
	LegacyPort     int    `envconfig:"FLIPSTASH_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"FLIPSTASH_DB_USER"`
	LegacyPassword string `envconfig:"FLIPSTASH_DB_PASSWORD"`
	LegacyName     string `envconfig:"FLIPSTASH_DB_NAME"`
	LegacySSLMode  string `envconfig:"FLIPSTASH_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"FLIPSTASH_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"FLIPSTASH_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"FLIPSTASH_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"FLIPSTASH_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"FLIPSTASH_REDIS_URL" required:"true"`
	Address      string        `envconfig:"FLIPSTASH_REDIS_ADDR"`
	Password     string        `envconfig:"FLIPSTASH_REDIS_PASSWORD"`
	DB           int           `envconfig:"FLIPSTASH_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"FLIPSTASH_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"FLIPSTASH_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"FLIPSTASH_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FLIPSTASH_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FLIPSTASH_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"FLIPSTASH_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"FLIPSTASH_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"FLIPSTASH_JWT_EXPIRATION_MINUTES" default:"60"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"FLIPSTASH_STRIPE_SECRET_KEY"`
	WebhookSecret string `envconfig:"FLIPSTASH_STRIPE_WEBHOOK_SECRET"`
	Env           string `envconfig:"FLIPSTASH_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type PubSubConfig struct {
	BillingTopic        string `envconfig:"FLIPSTASH_PUBSUB_BILLING_TOPIC" default:"fs-billing-events"`
	BillingSubscription string `envconfig:"FLIPSTASH_PUBSUB_BILLING_SUBSCRIPTION"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"FLIPSTASH_GCP_PROJECT_ID"`
}

// EntitlementsConfig tunes the client subscription cache and retry worker.
type EntitlementsConfig struct {
	FetchTimeout          time.Duration `envconfig:"FLIPSTASH_ENTITLEMENTS_FETCH_TIMEOUT" default:"10s"`
	AccessCheckTimeout    time.Duration `envconfig:"FLIPSTASH_ENTITLEMENTS_ACCESS_CHECK_TIMEOUT" default:"5s"`
	InventoryLimitTimeout time.Duration `envconfig:"FLIPSTASH_ENTITLEMENTS_INVENTORY_LIMIT_TIMEOUT" default:"5s"`
	RetryDelay            time.Duration `envconfig:"FLIPSTASH_ENTITLEMENTS_RETRY_DELAY" default:"2s"`
	DebounceWindow        time.Duration `envconfig:"FLIPSTASH_ENTITLEMENTS_DEBOUNCE_WINDOW" default:"500ms"`
	WebhookDedupTTL       time.Duration `envconfig:"FLIPSTASH_WEBHOOK_DEDUP_TTL" default:"720h"`
	MaxEventRetries       int           `envconfig:"FLIPSTASH_EVENT_MAX_RETRIES" default:"5"`
}

// RateLimitConfig throttles the manual sync endpoint, which fans out to
// Stripe on every call.
type RateLimitConfig struct {
	SyncWindow    time.Duration `envconfig:"FLIPSTASH_SYNC_RATE_WINDOW" default:"1m"`
	SyncIPLimit   int           `envconfig:"FLIPSTASH_SYNC_RATE_IP_LIMIT" default:"30"`
	SyncUserLimit int           `envconfig:"FLIPSTASH_SYNC_RATE_USER_LIMIT" default:"10"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"FLIPSTASH_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"FLIPSTASH_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
