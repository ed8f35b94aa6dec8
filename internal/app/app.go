// Package app builds the process-wide clients and the service graph from
// configuration, and tears them down on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/flippify/payments/internal/config"
	"github.com/flippify/payments/pkg/api"
	"github.com/flippify/payments/pkg/billing"
	billingprom "github.com/flippify/payments/pkg/billing/metrics/prometheus"
	billingstripe "github.com/flippify/payments/pkg/billing/stripe"
	"github.com/flippify/payments/pkg/subsync"
	subsyncprom "github.com/flippify/payments/pkg/subsync/metrics/prometheus"
	firestorestore "github.com/flippify/payments/storage/firestore"
	"github.com/flippify/payments/storage/memory"
	"github.com/flippify/payments/storage/postgres"
	rediscatalog "github.com/flippify/payments/storage/redis"
	"github.com/flippify/payments/storage/tiered"
)

// App is the wired service graph.
type App struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Store    subsync.Store
	Provider *billingstripe.Provider
	Service  *subsync.Service
	Sweeper  *subsync.Sweeper
	API      *api.Handler

	logger  subsync.Logger
	closers []func() error
}

// New connects the configured backends and wires the service. On error every
// client opened so far is closed. sweepCtx is the parent of sweeps started
// over HTTP.
func New(ctx, sweepCtx context.Context, cfg *config.Config, logger subsync.Logger) (*App, error) {
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	a := &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.build(ctx, sweepCtx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx, sweepCtx context.Context) error {
	cfg := a.Config
	coreMetrics := subsyncprom.NewMetrics(a.Registry, cfg.MetricsNamespace)
	billingMetrics := billingprom.NewMetrics(a.Registry, cfg.MetricsNamespace)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	breaker := subsync.NewDefaultCircuitBreaker(cfg.Store.BreakerThreshold, cfg.Store.BreakerReset,
		func(state subsync.CircuitBreakerState) {
			coreMetrics.RecordCircuitBreakerStateChange(string(state))
			a.logger.Warn("store circuit breaker state changed", subsync.F("state", string(state)))
		})
	a.Store = subsync.NewCircuitBreakerStore(store, breaker, coreMetrics)

	catalog, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}

	a.Provider, err = billingstripe.NewProvider(billingstripe.Config{
		Config: billing.Config{
			APIKey:     cfg.Stripe.APIKey,
			Metrics:    billingMetrics,
			Catalog:    catalog,
			CatalogTTL: cfg.Redis.CatalogCacheTTL,
		},
		BackendURL:        cfg.Stripe.BackendURL,
		MaxNetworkRetries: cfg.Stripe.MaxNetworkRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create stripe provider: %w", err)
	}

	a.Service, err = subsync.NewService(subsync.Config{
		Store:    a.Store,
		Provider: a.Provider,
		Logger:   a.logger,
		Metrics:  coreMetrics,
	})
	if err != nil {
		return err
	}
	a.Sweeper, err = subsync.NewSweeper(subsync.SweepConfig{
		Store:         a.Store,
		Provider:      a.Provider,
		Concurrency:   cfg.Sweep.Concurrency,
		RatePerSecond: cfg.Sweep.RatePerSecond,
		Logger:        a.logger,
		Metrics:       coreMetrics,
	})
	if err != nil {
		return err
	}

	checkout, err := a.webhook(cfg.Stripe.CheckoutCompleteSecret, "Failed to update database for checkout",
		billingMetrics, subsync.KindCheckoutCompleted)
	if err != nil {
		return err
	}
	subscription, err := a.webhook(cfg.Stripe.SubscriptionUpdateSecret, "Failed to update database for subscription",
		billingMetrics, subsync.KindSubscriptionUpdated, subsync.KindSubscriptionDeleted)
	if err != nil {
		return err
	}

	a.API, err = api.NewHandler(api.Config{
		CheckoutWebhook:     checkout,
		SubscriptionWebhook: subscription,
		Sweeper:             a.Sweeper,
		SweepContext:        sweepCtx,
		MetricsHandler:      promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}),
		RequestTimeout:      cfg.HTTP.RequestTimeout,
		Logger:              a.logger,
	})
	return err
}

func (a *App) webhook(secret, failure string, metrics billing.Metrics, kinds ...subsync.EventKind) (http.Handler, error) {
	if secret == "" {
		a.logger.Warn("webhook signing secret not set, endpoint will reject events",
			subsync.F("kinds", fmt.Sprint(kinds)))
	}
	h, err := billingstripe.NewWebhookHandler(billingstripe.WebhookConfig{
		Secret:            secret,
		Kinds:             kinds,
		Dispatcher:        a.Service,
		FailureMessage:    failure,
		RateLimitRequests: a.Config.HTTP.RateLimitRequests,
		RateLimitWindow:   a.Config.HTTP.RateLimitWindow,
		Metrics:           metrics,
		Logger:            a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook handler: %w", err)
	}
	return h.Handler(), nil
}

func (a *App) openStore(ctx context.Context) (subsync.Store, error) {
	cfg := a.Config
	switch cfg.Store.Backend {
	case config.BackendFirestore:
		var opts []option.ClientOption
		if cfg.Firebase.HasCredentials() {
			creds, err := cfg.Firebase.CredentialsJSON()
			if err != nil {
				return nil, fmt.Errorf("failed to encode firebase credentials: %w", err)
			}
			opts = append(opts, option.WithCredentialsJSON(creds))
		}
		client, err := firestore.NewClient(ctx, cfg.Firebase.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.logger.Info("user store ready", subsync.F("backend", "firestore"),
			subsync.F("collection", cfg.Store.UsersCollection))
		return firestorestore.New(client, firestorestore.Config{UsersCollection: cfg.Store.UsersCollection})

	case config.BackendPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.Store.PostgresDSN
		pgConfig.Migrate = true
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		a.logger.Info("user store ready", subsync.F("backend", "postgres"))
		return store, nil

	case config.BackendMemory:
		a.logger.Warn("using in-memory user store, data is lost on exit")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func (a *App) openCatalog(ctx context.Context) (billing.Catalog, error) {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return billing.NewMemoryCatalog(0), nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	a.closers = append(a.closers, client.Close)

	catalog, err := rediscatalog.New(client, rediscatalog.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := catalog.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}

	layered, err := tiered.New(tiered.Config{
		Hot:             billing.NewMemoryCatalog(0),
		Cold:            catalog,
		AsyncColdWrites: true,
		AsyncErrorHandler: func(err error) {
			a.logger.Warn("product catalog write failed", subsync.F("error", err.Error()))
		},
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, layered.Close)
	a.logger.Info("product catalog cache ready", subsync.F("backend", "memory+redis"), subsync.F("addr", cfg.Addr))
	return layered, nil
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.API.Routes()
}

// Close waits for HTTP-triggered sweeps and closes every client in reverse
// order of creation.
func (a *App) Close() error {
	if a.API != nil {
		a.API.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
