// Package app wires the worker together: state store, Docker client,
// framework handlers, reconciler, message bus, lease cron, and the
// optional health endpoint, all driven from one Run call.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcarata/blueprints/internal/worker/billing"
	"github.com/mcarata/blueprints/internal/worker/config"
	"github.com/mcarata/blueprints/internal/worker/dockerapi"
	"github.com/mcarata/blueprints/internal/worker/handlers"
	"github.com/mcarata/blueprints/internal/worker/leasecron"
	"github.com/mcarata/blueprints/internal/worker/locker"
	"github.com/mcarata/blueprints/internal/worker/messagebus"
	"github.com/mcarata/blueprints/internal/worker/reconciler"
	"github.com/mcarata/blueprints/internal/worker/store"
)

// App is the assembled worker.
type App struct {
	cfg        *config.Config
	store      *store.Store
	docker     *dockerapi.Client
	registry   *handlers.Registry
	reconciler *reconciler.Reconciler
	bridge     *messagebus.Bridge
	cron       *leasecron.Cron
	health     *HealthServer
}

// New builds the application from configuration. Nothing external is
// touched yet; Run establishes the Docker network and starts the loops.
func New(cfg *config.Config) (*App, error) {
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	docker, err := dockerapi.New(cfg.DockerNetwork)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := handlers.NewRegistry(handlers.Deps{
		Engine: docker,
		Store:  st,
		Locks:  locker.New(),
		Config: cfg,
	})

	var bc leasecron.Billing
	if cfg.OpenRouterManagementKey != "" {
		bc = billing.NewClient(cfg.OpenRouterBaseURL, cfg.OpenRouterManagementKey)
	}

	a := &App{
		cfg:        cfg,
		store:      st,
		docker:     docker,
		registry:   registry,
		reconciler: reconciler.New(st, docker, registry, cfg.ReconcileInterval),
		bridge:     messagebus.New(st, registry, cfg),
		cron:       leasecron.New(st, bc, cfg.LeaseExpiryInterval, cfg.UsageSyncInterval),
	}
	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, st)
	}
	return a, nil
}

// Store exposes the state store, mainly for the reconcile-once command.
func (a *App) Store() *store.Store { return a.store }

// ReconcileOnce runs a single reconciliation pass and returns.
func (a *App) ReconcileOnce(ctx context.Context) error {
	if err := a.docker.EnsureNetwork(ctx); err != nil {
		return err
	}
	a.reconciler.Tick(ctx)
	return nil
}

// Run starts every loop and blocks until a termination signal or context
// cancellation. Shutdown is immediate by design: the next start's first
// reconciliation pass resynchronizes whatever was in flight.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.docker.EnsureNetwork(ctx); err != nil {
		return fmt.Errorf("ensure docker network: %w", err)
	}
	slog.Info("docker network ready", "network", a.docker.Network())

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			return err
		}
	}

	go a.reconciler.Run(ctx)
	go a.cron.Run(ctx)
	go func() {
		if err := a.bridge.Run(ctx); err != nil {
			slog.Error("message bus exited", "error", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		slog.Info("termination signal received, shutting down", "signal", s.String())
	case <-ctx.Done():
	}
	return nil
}

// Stop releases held resources.
func (a *App) Stop() {
	if err := a.store.Close(); err != nil {
		slog.Warn("close state store", "error", err)
	}
}
