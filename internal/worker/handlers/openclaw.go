package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mcarata/blueprints/internal/worker/dockerapi"
	"github.com/mcarata/blueprints/internal/worker/store"
)

// openClawHandler runs OpenClaw agents, one gateway container per agent.
// The gateway serves an OpenAI-compatible chat endpoint on a published
// host port; privileges follow the resolved security level.
type openClawHandler struct {
	deps Deps
}

func newOpenClawHandler(deps Deps) *openClawHandler {
	return &openClawHandler{deps: deps}
}

func (h *openClawHandler) Start(ctx context.Context, agentID string, cfg, meta json.RawMessage, forceRestart bool, projectID string) error {
	slog.Info("starting openclaw agent", "agent_id", agentID, "force", forceRestart)

	if err := h.deps.Store.SetActualStatus(ctx, agentID, store.StatusStarting); err != nil {
		return err
	}
	if err := h.start(ctx, agentID, cfg, meta, forceRestart); err != nil {
		if serr := h.deps.Store.MarkActualError(ctx, agentID, err.Error()); serr != nil {
			slog.Warn("record start error", "agent_id", agentID, "error", serr)
		}
		return err
	}
	return nil
}

func (h *openClawHandler) start(ctx context.Context, agentID string, cfg, meta json.RawMessage, forceRestart bool) error {
	name := ContainerName(store.FrameworkOpenClaw, agentID, "")

	doc, err := ParseDocument(cfg)
	if err != nil {
		return err
	}
	if err := ValidateConfig(store.FrameworkOpenClaw, doc); err != nil {
		return err
	}
	decrypted, err := doc.Decrypt(h.deps.Config.MasterKey)
	if err != nil {
		return err
	}
	metaDoc, err := ParseDocument(meta)
	if err != nil {
		return err
	}

	home := homeDir(h.deps.Config.DataDir, agentID)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("create agent home: %w", err)
	}
	chownAgentDir(home)

	gatewayConfig := shapeOpenClawConfig(decrypted)
	configJSON, err := json.MarshalIndent(gatewayConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("encode openclaw config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(home, "openclaw.json"), configJSON, 0o644); err != nil {
		return fmt.Errorf("write openclaw config: %w", err)
	}

	port := HostPort(openClawPortBase, agentID)
	endpoint := endpointURL(h.deps.Config.PublicIP, port)

	running, err := h.deps.Engine.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if running && !forceRestart {
		// Gateway reads its config from the bind mount; the rewrite above
		// is all a config refresh needs.
		if err := h.deps.Store.SetActualEndpoint(ctx, agentID, endpoint); err != nil {
			return err
		}
		return h.deps.Store.MarkActualRunning(ctx, agentID, h.detectVersion(ctx, name))
	}
	if err := h.deps.Engine.Stop(ctx, name); err != nil && !dockerapi.IsNotFound(err) {
		slog.Warn("stop openclaw container", "container", name, "error", err)
	}
	if err := h.deps.Engine.Remove(ctx, name); err != nil {
		return err
	}

	agent, err := h.deps.Store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	level := ResolveSecurityLevel(agent.Tier, metaDoc.String("security_level"))
	slog.Info("openclaw security posture", "agent_id", agentID, "tier", agent.Tier, "level", level)

	if err := h.deps.Engine.EnsureImage(ctx, h.deps.Config.OpenClawImage); err != nil {
		return err
	}

	hostHome := homeDir(h.deps.Config.HostDataDir, agentID)
	spec := dockerapi.ContainerSpec{
		Name:  name,
		Image: h.deps.Config.OpenClawImage,
		Cmd:   []string{"openclaw", "gateway", "--config", agentHomeContainerDir + "/openclaw.json"},
		Env: []string{
			"AGENT_ID=" + agentID,
			"HOME=" + agentHomeContainerDir,
			fmt.Sprintf("OPENCLAW_GATEWAY_PORT=%d", openClawGatewayPort),
		},
		Binds: []string{hostHome + ":" + agentHomeContainerDir},
		Ports: []dockerapi.PortBinding{{
			HostPort:      port,
			ContainerPort: openClawGatewayPort,
		}},
	}
	applySecurity(&spec, level)

	if _, err := h.deps.Engine.CreateAndStart(ctx, spec); err != nil {
		return err
	}
	slog.Info("openclaw container started", "container", name, "host_port", port)

	if err := h.deps.Store.SetActualEndpoint(ctx, agentID, endpoint); err != nil {
		return err
	}
	return h.deps.Store.MarkActualRunning(ctx, agentID, h.detectVersion(ctx, name))
}

// shapeOpenClawConfig pins the gateway listen address inside the container
// and leaves everything else, auth token included, as authored.
func shapeOpenClawConfig(cfg Document) Document {
	out := cfg.clone()
	gateway := out.Map("gateway")
	if gateway == nil {
		gateway = Document{}
		out["gateway"] = map[string]any(gateway)
	}
	gateway["port"] = openClawGatewayPort
	gateway["host"] = "0.0.0.0"
	return out
}

func (h *openClawHandler) detectVersion(ctx context.Context, containerName string) string {
	out, err := h.deps.Engine.Exec(ctx, containerName, dockerapi.ExecOptions{
		Cmd: []string{"openclaw", "--version"},
	})
	if err != nil {
		return "unknown"
	}
	return parseSemver(out)
}

func (h *openClawHandler) Stop(ctx context.Context, agentID, _ string) error {
	slog.Info("stopping openclaw agent", "agent_id", agentID)
	if err := h.deps.Store.SetActualStatus(ctx, agentID, store.StatusStopping); err != nil {
		return err
	}

	name := ContainerName(store.FrameworkOpenClaw, agentID, "")
	if err := h.deps.Engine.Stop(ctx, name); err != nil && !dockerapi.IsNotFound(err) {
		slog.Warn("stop openclaw container", "container", name, "error", err)
	}
	if err := h.deps.Engine.Remove(ctx, name); err != nil {
		slog.Warn("remove openclaw container", "container", name, "error", err)
	}

	return h.deps.Store.MarkActualStopped(ctx, agentID)
}

func (h *openClawHandler) Purge(ctx context.Context, agentID, projectID string) error {
	if err := h.Stop(ctx, agentID, projectID); err != nil {
		return err
	}
	if err := os.RemoveAll(dataDir(h.deps.Config.DataDir, agentID)); err != nil {
		return fmt.Errorf("purge agent data: %w", err)
	}
	return nil
}

func (h *openClawHandler) RunCommand(ctx context.Context, agentID, command, _ string) string {
	name := ContainerName(store.FrameworkOpenClaw, agentID, "")
	out, err := h.deps.Engine.Exec(ctx, name, dockerapi.ExecOptions{
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: agentHomeContainerDir,
		Tty:        true,
	})
	if err != nil {
		slog.Error("openclaw terminal error", "agent_id", agentID, "error", err)
		return "Error: " + err.Error()
	}
	return out
}
