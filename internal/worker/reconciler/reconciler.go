// Package reconciler runs the control loop that converges container
// reality onto the declared desired state: one periodic tick that repairs
// drift, executes purges, and starts or stops agents as needed.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mcarata/blueprints/internal/worker/handlers"
	"github.com/mcarata/blueprints/internal/worker/store"
)

// ContainerLister supplies the once-per-tick snapshot of running containers.
type ContainerLister interface {
	RunningContainerNames(ctx context.Context) (map[string]bool, error)
}

// Registry resolves framework handlers.
type Registry interface {
	Get(framework string) (handlers.Handler, error)
}

// Store is the slice of the state store the reconciler needs.
type Store interface {
	ListAgentRecords(ctx context.Context) ([]*store.AgentRecord, error)
	MarkActualStopped(ctx context.Context, agentID string) error
	DeleteAgent(ctx context.Context, id string) error
}

// Reconciler owns the tick loop and its process-local caches: the
// re-entrancy guard and the config hash recorded at each agent's last
// successful start. The hash map is a soft cache; losing it on restart
// only costs one redundant start comparison.
type Reconciler struct {
	store    Store
	engine   ContainerLister
	registry Registry
	interval time.Duration

	busy   atomic.Bool
	hashes map[string]string
	clock  func() time.Time
}

// New builds a reconciler ticking at the given interval.
func New(st Store, engine ContainerLister, registry Registry, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:    st,
		engine:   engine,
		registry: registry,
		interval: interval,
		hashes:   make(map[string]string),
		clock:    time.Now,
	}
}

// Run ticks until the context is canceled. The first tick fires
// immediately so a restarted worker converges without waiting an interval.
func (r *Reconciler) Run(ctx context.Context) {
	slog.Info("reconciler started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass. Overlapping calls are skipped, not
// queued: a slow pass simply absorbs the ticks it covers.
func (r *Reconciler) Tick(ctx context.Context) {
	if !r.busy.CompareAndSwap(false, true) {
		slog.Debug("reconcile tick skipped, previous pass still running")
		return
	}
	defer r.busy.Store(false)

	records, err := r.store.ListAgentRecords(ctx)
	if err != nil {
		slog.Error("load agent records", "error", err)
		return
	}

	running, err := r.engine.RunningContainerNames(ctx)
	if err != nil {
		slog.Error("snapshot running containers", "error", err)
		return
	}

	for _, rec := range records {
		if err := r.reconcileAgent(ctx, rec, running); err != nil {
			// One agent's failure never aborts the rest of the tick.
			slog.Error("reconcile agent", "agent_id", rec.ID, "framework", rec.Framework, "error", err)
		}
	}
}

func (r *Reconciler) reconcileAgent(ctx context.Context, rec *store.AgentRecord, running map[string]bool) error {
	if rec.Desired == nil || rec.Actual == nil {
		return nil
	}

	projectID := rec.ProjectID.String
	containerName := handlers.ContainerName(rec.Framework, rec.ID, projectID)

	isRunning := rec.Actual.Status == store.StatusRunning
	if isRunning && !running[containerName] {
		// DB says running but the container is gone: repair the record, then
		// fall through so a still-enabled agent restarts in this same pass.
		slog.Warn("container drift detected", "agent_id", rec.ID, "container", containerName)
		if err := r.store.MarkActualStopped(ctx, rec.ID); err != nil {
			return fmt.Errorf("repair drift: %w", err)
		}
		isRunning = false
	}

	if rec.Desired.PurgeAt.Valid && !r.clock().Before(rec.Desired.PurgeAt.Time) {
		return r.purge(ctx, rec, projectID)
	}

	h, err := r.registry.Get(rec.Framework)
	if err != nil {
		return err
	}

	currentHash := handlers.HashConfig(rec.Desired.Config)
	lastHash, tracked := r.hashes[rec.ID]
	configChanged := tracked && lastHash != currentHash

	switch {
	case rec.Desired.Enabled && (!isRunning || configChanged):
		if configChanged && isRunning {
			slog.Info("config changed, restarting agent", "agent_id", rec.ID)
			if err := h.Stop(ctx, rec.ID, projectID); err != nil {
				return fmt.Errorf("stop for restart: %w", err)
			}
		}
		if err := h.Start(ctx, rec.ID, rec.Desired.Config, rec.Desired.Metadata, false, projectID); err != nil {
			return err
		}
		r.hashes[rec.ID] = currentHash

	case !rec.Desired.Enabled && isRunning:
		if err := h.Stop(ctx, rec.ID, projectID); err != nil {
			return err
		}
		delete(r.hashes, rec.ID)

	case rec.Desired.Enabled && isRunning && !tracked:
		// Process restart lost the cache; adopt the current config as the
		// last-started one instead of bouncing a healthy agent.
		r.hashes[rec.ID] = currentHash
	}

	return nil
}

func (r *Reconciler) purge(ctx context.Context, rec *store.AgentRecord, projectID string) error {
	slog.Info("purging agent", "agent_id", rec.ID, "framework", rec.Framework)

	h, err := r.registry.Get(rec.Framework)
	if err != nil {
		return err
	}
	if err := h.Purge(ctx, rec.ID, projectID); err != nil {
		return fmt.Errorf("purge agent: %w", err)
	}
	if err := r.store.DeleteAgent(ctx, rec.ID); err != nil {
		return fmt.Errorf("delete agent row: %w", err)
	}
	delete(r.hashes, rec.ID)
	return nil
}
