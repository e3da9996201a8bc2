// Package handlers implements the per-framework container lifecycle: how an
// agent of each supported framework is started, stopped, purged, and given
// terminal access. The reconciler and message bus only ever talk to the
// Handler interface; everything Docker-shaped stays in here.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcarata/blueprints/internal/worker/config"
	"github.com/mcarata/blueprints/internal/worker/dockerapi"
	"github.com/mcarata/blueprints/internal/worker/locker"
	"github.com/mcarata/blueprints/internal/worker/store"
)

// Handler drives the container lifecycle for one framework.
//
// Start is idempotent: calling it for an agent that is already running
// refreshes the actual-state row and returns. forceRestart recreates the
// runtime even when it looks healthy. projectID scopes shared-container
// frameworks; per-agent frameworks ignore it.
//
// RunCommand executes a shell command inside the agent's runtime and
// returns its output. It never fails hard: errors come back as a readable
// "Error: ..." string so the terminal bridge can relay them verbatim.
type Handler interface {
	Start(ctx context.Context, agentID string, cfg, meta json.RawMessage, forceRestart bool, projectID string) error
	Stop(ctx context.Context, agentID, projectID string) error
	Purge(ctx context.Context, agentID, projectID string) error
	RunCommand(ctx context.Context, agentID, command, projectID string) string
}

// Engine is the slice of the Docker client the handlers use. Tests swap in
// a fake; production wiring passes *dockerapi.Client.
type Engine interface {
	IsRunning(ctx context.Context, name string) (bool, error)
	CreateAndStart(ctx context.Context, spec dockerapi.ContainerSpec) (string, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	EnsureImage(ctx context.Context, ref string) error
	Exec(ctx context.Context, containerName string, opts dockerapi.ExecOptions) (string, error)
}

// StateStore is the slice of the store the handlers write through.
type StateStore interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	SetActualStatus(ctx context.Context, agentID, status string) error
	SetActualEndpoint(ctx context.Context, agentID, endpointURL string) error
	MarkActualRunning(ctx context.Context, agentID, version string) error
	MarkActualStopped(ctx context.Context, agentID string) error
	MarkActualError(ctx context.Context, agentID, message string) error
	EnabledAgentsInProject(ctx context.Context, projectID, framework, excludeAgentID string) (int, error)
}

// Deps bundles what every handler needs.
type Deps struct {
	Engine Engine
	Store  StateStore
	Locks  *locker.Keyed
	Config *config.Config
}

// Registry maps framework names to their handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds handlers for every supported framework.
func NewRegistry(deps Deps) *Registry {
	return &Registry{handlers: map[string]Handler{
		store.FrameworkElizaOS:  newElizaOSHandler(deps),
		store.FrameworkOpenClaw: newOpenClawHandler(deps),
		store.FrameworkPicoClaw: newPicoClawHandler(deps),
	}}
}

// Get returns the handler for a framework.
func (r *Registry) Get(framework string) (Handler, error) {
	h, ok := r.handlers[framework]
	if !ok {
		return nil, fmt.Errorf("unsupported framework %q", framework)
	}
	return h, nil
}
