// Package svcctx carries the running services through request contexts.
// It is separate from server so endpoints can import it without a cycle.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/events"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/providers"
	"github.com/jackzampolin/folio/internal/store"
	"github.com/jackzampolin/folio/internal/tasks"
	"github.com/jackzampolin/folio/internal/workers"
)

// Services holds everything a handler may need.
type Services struct {
	Store    *store.Store
	Tasks    *tasks.Manager
	Pool     *workers.Pool
	Registry *providers.Registry
	Events   *events.Bus
	Config   *config.Manager
	Logger   *slog.Logger
	Home     *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the store from context.
func StoreFrom(ctx context.Context) *store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// TasksFrom extracts the task manager from context.
func TasksFrom(ctx context.Context) *tasks.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Tasks
	}
	return nil
}

// PoolFrom extracts the worker pool from context.
func PoolFrom(ctx context.Context) *workers.Pool {
	if s := ServicesFrom(ctx); s != nil {
		return s.Pool
	}
	return nil
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// EventsFrom extracts the event bus from context.
func EventsFrom(ctx context.Context) *events.Bus {
	if s := ServicesFrom(ctx); s != nil {
		return s.Events
	}
	return nil
}

// LoggerFrom extracts the logger from context, falling back to slog.Default.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
