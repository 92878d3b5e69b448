package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/events"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/providers"
	"github.com/jackzampolin/folio/internal/splitter"
	"github.com/jackzampolin/folio/internal/store"
	"github.com/jackzampolin/folio/internal/svcctx"
	"github.com/jackzampolin/folio/internal/tasks"
	"github.com/jackzampolin/folio/internal/workers"
)

// RuntimeConfig configures the services shared by `folio serve` and `folio convert`.
type RuntimeConfig struct {
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support.
	// Nil runs with config.DefaultConfig().
	ConfigManager *config.Manager
	Logger        *slog.Logger

	// Registry overrides the provider registry built from config.
	Registry *providers.Registry
	// SkipRecovery leaves in-flight claims of other processes alone.
	SkipRecovery bool
}

// Runtime owns the store, provider registry, event bus, task manager and
// worker pool for one process.
type Runtime struct {
	services *svcctx.Services
	redis    *events.RedisForwarder
	logger   *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRuntime opens the store and wires every service. Nothing runs until Start.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Home.EnsureExists(); err != nil {
		return nil, err
	}

	conf := config.DefaultConfig()
	if cfg.ConfigManager != nil {
		conf = cfg.ConfigManager.Get()
	}

	dsn := conf.Database.DSN
	if dsn == "" && conf.Database.Driver == string(store.DialectSQLite) {
		dsn = cfg.Home.DatabasePath()
	}
	st, err := store.Open(ctx, store.Config{Driver: conf.Database.Driver, DSN: dsn, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	registry := cfg.Registry
	if registry == nil {
		registry = providers.NewRegistry()
		registry.SetLogger(cfg.Logger)
		registry.Reload(conf.ToProviderRegistryConfig())
		if cfg.ConfigManager != nil {
			cfg.ConfigManager.OnChange(func(c *config.Config) {
				registry.Reload(c.ToProviderRegistryConfig())
				cfg.Logger.Info("provider registry reloaded from config")
			})
		}
	}

	bus := events.NewBus(conf.Events.History)

	models := make(map[string]string)
	for name, p := range conf.EnabledProviders() {
		if p.Model != "" {
			models[name] = p.Model
		}
	}
	tm, err := tasks.NewManager(tasks.Config{
		Store:           st,
		Home:            cfg.Home,
		Providers:       registry,
		Events:          bus,
		Logger:          cfg.Logger,
		DefaultProvider: conf.Defaults.Provider,
		DefaultModel:    conf.Defaults.Model,
		Models:          models,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	pool, err := workers.NewPool(workers.Config{
		Store:     st,
		Providers: registry,
		Splitters: splitter.NewFactory(splitter.Config{
			Home:   cfg.Home,
			DPI:    float64(conf.Conversion.DPI),
			Logger: cfg.Logger,
		}),
		Events:     bus,
		Logger:     cfg.Logger,
		Converters: conf.Workers.Converters,
		SplitPoll:  conf.Workers.SplitPoll(),
		MergePoll:  conf.Workers.MergePoll(),
		Converter: workers.ConverterConfig{
			Poll:             conf.Workers.ConvertPoll(),
			ClaimAttempts:    conf.Workers.ClaimAttempts,
			MaxRetries:       conf.Conversion.MaxRetries,
			RetryBase:        conf.Conversion.RetryBase(),
			MaxContentLength: conf.Conversion.MaxContentLength,
			Prompt:           conf.Conversion.Prompt,
		},
		SkipRecovery: cfg.SkipRecovery,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	rt := &Runtime{
		services: &svcctx.Services{
			Store:    st,
			Tasks:    tm,
			Pool:     pool,
			Registry: registry,
			Events:   bus,
			Config:   cfg.ConfigManager,
			Logger:   cfg.Logger,
			Home:     cfg.Home,
		},
		logger: cfg.Logger,
	}

	if conf.Events.RedisAddr != "" {
		fwd, err := events.NewRedisForwarder(ctx, events.RedisConfig{
			Addr:   conf.Events.RedisAddr,
			Prefix: conf.Events.RedisPrefix,
			Logger: cfg.Logger,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to connect event forwarder: %w", err)
		}
		rt.redis = fwd
	}

	return rt, nil
}

// Services returns the wired services.
func (r *Runtime) Services() *svcctx.Services {
	return r.services
}

// Start recovers orphaned work, launches the worker pool and, when
// configured, the Redis event forwarder.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.services.Pool.Start(ctx); err != nil {
		cancel()
		return err
	}
	if r.redis != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.redis.Run(ctx, r.services.Events)
		}()
		r.logger.Info("forwarding task events to redis", "channel", r.redis.Channel())
	}
	return nil
}

// Close stops the workers, waits for them to release their claims (bounded
// by ctx) and closes connections.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	r.services.Pool.Stop()
	if err := r.services.Pool.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workers did not stop: %w", err))
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.services.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
