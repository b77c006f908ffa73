package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rezonia/peppol-exchange/internal/config"
	"github.com/rezonia/peppol-exchange/internal/events"
	"github.com/rezonia/peppol-exchange/internal/exchange"
	"github.com/rezonia/peppol-exchange/internal/llm"
	"github.com/rezonia/peppol-exchange/internal/lock"
	"github.com/rezonia/peppol-exchange/internal/logger"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
	"github.com/rezonia/peppol-exchange/internal/reconcile"
	"github.com/rezonia/peppol-exchange/internal/source"
	"github.com/rezonia/peppol-exchange/internal/store"
	"github.com/rezonia/peppol-exchange/internal/store/memory"
	"github.com/rezonia/peppol-exchange/internal/store/sqlstore"
	"github.com/rezonia/peppol-exchange/internal/webhook"
)

// app holds the wired collaborators shared by the commands
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	registry *provider.Registry
	exchange *exchange.Orchestrator
	webhooks *webhook.Normalizer
	closers  []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	l := logger.New(cfg.LogLevel)
	a := &app{cfg: cfg, logger: l}

	a.store, err = openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	a.registry, err = provider.FromConfig(cfg, l)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build provider registry: %w", err)
	}

	opts := []exchange.Option{exchange.WithLogger(l)}
	if cfg.Reconciler.BaseURL != "" {
		opts = append(opts, exchange.WithReconciler(newReconciler(cfg, l)))
	}
	if cfg.Redis.URL != "" {
		client, err := lock.Connect(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		opts = append(opts, exchange.WithLocker(lock.NewRedisLocker(client, 0, l)))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, l)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		opts = append(opts, exchange.WithListener(publisher))
	}

	src := source.NewHTTPSource(cfg.InvoiceSource.BaseURL, cfg.InvoiceSource.APIKey, cfg.InvoiceSource.Timeout)
	a.exchange = exchange.New(exchange.SettingsFromConfig(cfg), a.store, a.registry, src, opts...)
	a.webhooks = webhook.NewNormalizer(a.registry, func(id model.ProviderID) string {
		return cfg.Credentials(id).WebhookSecret
	}, l)
	return a, nil
}

// Close releases the store and broker connections
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, db config.DatabaseConfig) (store.Store, error) {
	if db.Driver == "memory" {
		return memory.New(), nil
	}
	st, err := sqlstore.Open(ctx, db.Driver, db.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func newReconciler(cfg *config.Config, l *slog.Logger) *reconcile.HTTPReconciler {
	opts := []reconcile.Option{reconcile.WithLogger(l)}
	if cfg.LLM.APIKey != "" {
		client := llm.NewClient(cfg.LLM.APIKey,
			llm.WithBaseURL(cfg.LLM.BaseURL),
			llm.WithDefaultModel(cfg.LLM.Model),
		)
		opts = append(opts, reconcile.WithCategorizer(llm.NewCategorizer(client)))
	}
	return reconcile.NewHTTPReconciler(cfg.Reconciler.BaseURL, cfg.Reconciler.APIKey, cfg.Reconciler.Timeout, opts...)
}

// withApp runs fn with a wired app and closes it afterwards
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
