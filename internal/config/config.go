// Package config loads the payments service configuration from the
// environment, optionally seeded from .env files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
)

// Config is the full service configuration.
type Config struct {
	Stripe   Stripe
	Firebase Firebase
	Store    Store
	Redis    Redis
	HTTP     HTTP
	Sweep    Sweep
	Log      Log

	MetricsNamespace string `env:"METRICS_NAMESPACE" env-default:"payments"`
}

// Stripe holds the live API key and one signing secret per webhook endpoint.
type Stripe struct {
	APIKey                   string `env:"LIVE_STRIPE_API_KEY"`
	CheckoutCompleteSecret   string `env:"LIVE_CHECKOUT_COMPLETE_SECRET"`
	SubscriptionUpdateSecret string `env:"LIVE_SUBSCRIPTION_UPDATE_SECRET"`
	BackendURL               string `env:"STRIPE_BACKEND_URL"`
	MaxNetworkRetries        int64  `env:"STRIPE_MAX_NETWORK_RETRIES" env-default:"2"`
}

// Firebase holds the service-account fields used to reach Firestore.
type Firebase struct {
	ProjectID         string `env:"FIREBASE_PROJECT_ID"`
	PrivateKeyID      string `env:"FIREBASE_PRIVATE_KEY_ID"`
	PrivateKey        string `env:"FIREBASE_PRIVATE_KEY"`
	ClientEmail       string `env:"FIREBASE_CLIENT_EMAIL"`
	ClientID          string `env:"FIREBASE_CLIENT_ID"`
	ClientX509CertURL string `env:"FIREBASE_CLIENT_X509_CERT_URL"`
}

// Store selects and configures the user store.
type Store struct {
	Backend          string        `env:"STORE_BACKEND" env-default:"firestore"`
	UsersCollection  string        `env:"USERS_COLLECTION" env-default:"users"`
	PostgresDSN      string        `env:"POSTGRES_DSN"`
	BreakerThreshold int           `env:"STORE_BREAKER_THRESHOLD" env-default:"5"`
	BreakerReset     time.Duration `env:"STORE_BREAKER_RESET" env-default:"30s"`
}

// Redis configures the optional product catalog cache. An empty Addr keeps
// the catalog in memory.
type Redis struct {
	Addr            string        `env:"REDIS_ADDR"`
	Password        string        `env:"REDIS_PASSWORD"`
	DB              int           `env:"REDIS_DB" env-default:"0"`
	CatalogCacheTTL time.Duration `env:"CATALOG_CACHE_TTL" env-default:"1h"`
}

// HTTP configures the listener and webhook rate limiting.
type HTTP struct {
	Addr              string        `env:"HTTP_ADDR" env-default:":8000"`
	RequestTimeout    time.Duration `env:"HTTP_REQUEST_TIMEOUT" env-default:"30s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" env-default:"100"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" env-default:"1m"`
}

// Sweep configures the full-sync sweep. A zero Interval runs it only at startup.
type Sweep struct {
	OnStart       bool          `env:"SWEEP_ON_START" env-default:"true"`
	Interval      time.Duration `env:"SWEEP_INTERVAL" env-default:"0s"`
	Concurrency   int           `env:"SWEEP_CONCURRENCY" env-default:"4"`
	RatePerSecond float64       `env:"SWEEP_RATE_PER_SECOND" env-default:"20"`
}

// Log configures zerolog.
type Log struct {
	Level  string `env:"LOG_LEVEL" env-default:"info"`
	Format string `env:"LOG_FORMAT" env-default:"json"`
}

// Load reads the given .env files (or ./.env when none are given), then the
// process environment, and validates the result. Missing .env files are
// ignored; variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Stripe.APIKey = strings.TrimSpace(c.Stripe.APIKey)
	c.Stripe.CheckoutCompleteSecret = strings.TrimSpace(c.Stripe.CheckoutCompleteSecret)
	c.Stripe.SubscriptionUpdateSecret = strings.TrimSpace(c.Stripe.SubscriptionUpdateSecret)
	c.Firebase.PrivateKey = strings.ReplaceAll(c.Firebase.PrivateKey, `\n`, "\n")
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	var errs []error
	if c.Stripe.APIKey == "" {
		errs = append(errs, errors.New("LIVE_STRIPE_API_KEY is required"))
	}

	switch c.Store.Backend {
	case BackendFirestore:
		if c.Firebase.ProjectID == "" {
			errs = append(errs, errors.New("FIREBASE_PROJECT_ID is required for the firestore backend"))
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}

	if c.Sweep.Interval < 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must not be negative"))
	}
	if c.Sweep.Concurrency < 1 {
		errs = append(errs, errors.New("SWEEP_CONCURRENCY must be at least 1"))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// HasCredentials reports whether a service-account key was provided.
// Without one, Firestore falls back to application default credentials.
func (f Firebase) HasCredentials() bool {
	return f.PrivateKey != "" && f.ClientEmail != ""
}

// CredentialsJSON renders the service-account key file Firestore expects.
func (f Firebase) CredentialsJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":                        "service_account",
		"project_id":                  f.ProjectID,
		"private_key_id":              f.PrivateKeyID,
		"private_key":                 f.PrivateKey,
		"client_email":                f.ClientEmail,
		"client_id":                   f.ClientID,
		"auth_uri":                    "https://accounts.google.com/o/oauth2/auth",
		"token_uri":                   "https://oauth2.googleapis.com/token",
		"auth_provider_x509_cert_url": "https://www.googleapis.com/oauth2/v1/certs",
		"client_x509_cert_url":        f.ClientX509CertURL,
	})
}
