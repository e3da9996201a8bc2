package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mcarata/blueprints/internal/worker/dockerapi"
	"github.com/mcarata/blueprints/internal/worker/store"
)

// versionProbeDelay gives a freshly started container time to come up
// before the version exec.
const versionProbeDelay = 2 * time.Second

// picoClawHandler runs PicoClaw agents, one container per agent in gateway
// mode with no published port. The agent is reachable only over the bridge
// network; privileges follow the resolved security level.
type picoClawHandler struct {
	deps Deps
}

func newPicoClawHandler(deps Deps) *picoClawHandler {
	return &picoClawHandler{deps: deps}
}

func (h *picoClawHandler) Start(ctx context.Context, agentID string, cfg, meta json.RawMessage, forceRestart bool, projectID string) error {
	slog.Info("starting picoclaw agent", "agent_id", agentID, "force", forceRestart)

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

func (h *picoClawHandler) start(ctx context.Context, agentID string, cfg, meta json.RawMessage, forceRestart bool) error {
	name := ContainerName(store.FrameworkPicoClaw, agentID, "")

	doc, err := ParseDocument(cfg)
	if err != nil {
		return err
	}
	if err := ValidateConfig(store.FrameworkPicoClaw, doc); err != nil {
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

	picoDir := filepath.Join(homeDir(h.deps.Config.DataDir, agentID), ".picoclaw")
	workspace := filepath.Join(picoDir, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create agent workspace: %w", err)
	}
	chownAgentDir(picoDir)

	picoConfig := shapePicoClawConfig(decrypted)
	configJSON, err := json.MarshalIndent(picoConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("encode picoclaw config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(picoDir, "config.json"), configJSON, 0o644); err != nil {
		return fmt.Errorf("write picoclaw config: %w", err)
	}

	if character, ok := metaDoc["character"]; ok {
		identity, err := json.MarshalIndent(character, "", "  ")
		if err != nil {
			return fmt.Errorf("encode identity: %w", err)
		}
		if err := os.WriteFile(filepath.Join(picoDir, "IDENTITY.md"), identity, 0o644); err != nil {
			return fmt.Errorf("write identity: %w", err)
		}
	}

	running, err := h.deps.Engine.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if running && !forceRestart {
		version := h.detectVersion(ctx, name, false)
		return h.deps.Store.MarkActualRunning(ctx, agentID, version)
	}
	// Forced restart or a stopped leftover: tear down before recreating.
	if err := h.deps.Engine.Stop(ctx, name); err != nil && !dockerapi.IsNotFound(err) {
		slog.Warn("stop picoclaw container", "container", name, "error", err)
	}
	if err := h.deps.Engine.Remove(ctx, name); err != nil {
		return err
	}

	agent, err := h.deps.Store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	level := ResolveSecurityLevel(agent.Tier, metaDoc.String("security_level"))
	slog.Info("picoclaw security posture", "agent_id", agentID, "tier", agent.Tier, "level", level)

	if err := h.deps.Engine.EnsureImage(ctx, h.deps.Config.PicoClawImage); err != nil {
		return err
	}

	hostPicoDir := filepath.Join(homeDir(h.deps.Config.HostDataDir, agentID), ".picoclaw")
	spec := dockerapi.ContainerSpec{
		Name:  name,
		Image: h.deps.Config.PicoClawImage,
		Cmd:   []string{"picoclaw", "gateway"},
		Env: []string{
			"PICOCLAW_HOME=" + agentHomeContainerDir + "/.picoclaw",
			"AGENT_ID=" + agentID,
			"HOME=" + agentHomeContainerDir,
		},
		Binds: []string{
			filepath.Join(hostPicoDir, "config.json") + ":" + agentHomeContainerDir + "/.picoclaw/config.json",
			filepath.Join(hostPicoDir, "workspace") + ":" + agentHomeContainerDir + "/.picoclaw/workspace",
		},
	}
	applySecurity(&spec, level)

	if _, err := h.deps.Engine.CreateAndStart(ctx, spec); err != nil {
		return err
	}

	version := h.detectVersion(ctx, name, true)
	return h.deps.Store.MarkActualRunning(ctx, agentID, version)
}

// shapePicoClawConfig accepts either the full nested schema or a legacy
// flat document and always pins the workspace inside the mounted volume.
func shapePicoClawConfig(cfg Document) Document {
	var out Document
	if cfg.Map("agents") != nil && cfg.Map("providers") != nil {
		out = cfg.clone()
	} else {
		defaults := Document{
			"workspace":             agentHomeContainerDir + "/.picoclaw/workspace",
			"restrict_to_workspace": true,
			"model":                 "openrouter/auto",
		}
		if m := cfg.String("model"); m != "" {
			defaults["model"] = m
		}
		for k, v := range cfg.clone() {
			defaults[k] = v
		}
		providers := cfg.Map("providers")
		if providers == nil {
			providers = Document{}
		}
		tools := cfg.Map("tools")
		if tools == nil {
			tools = Document{}
		}
		out = Document{
			"agents":    map[string]any{"defaults": map[string]any(defaults)},
			"providers": map[string]any(providers),
			"tools":     map[string]any(tools),
		}
	}

	agents := out.Map("agents")
	if agents == nil {
		agents = Document{}
		out["agents"] = map[string]any(agents)
	}
	defaults := agents.Map("defaults")
	if defaults == nil {
		defaults = Document{}
		agents["defaults"] = map[string]any(defaults)
	}
	defaults["workspace"] = agentHomeContainerDir + "/.picoclaw/workspace"
	defaults["restrict_to_workspace"] = true

	return out
}

func (h *picoClawHandler) detectVersion(ctx context.Context, containerName string, freshStart bool) string {
	if freshStart {
		select {
		case <-time.After(versionProbeDelay):
		case <-ctx.Done():
			return "unknown"
		}
	}
	out, err := h.deps.Engine.Exec(ctx, containerName, dockerapi.ExecOptions{
		Cmd: []string{"picoclaw", "--version"},
		Tty: true,
	})
	if err != nil {
		slog.Warn("picoclaw version probe", "container", containerName, "error", err)
		return "unknown"
	}
	return parseBuildDate(out)
}

func (h *picoClawHandler) Stop(ctx context.Context, agentID, _ string) error {
	slog.Info("stopping picoclaw agent", "agent_id", agentID)
	if err := h.deps.Store.SetActualStatus(ctx, agentID, store.StatusStopping); err != nil {
		return err
	}

	name := ContainerName(store.FrameworkPicoClaw, agentID, "")
	if err := h.deps.Engine.Stop(ctx, name); err != nil && !dockerapi.IsNotFound(err) {
		slog.Warn("stop picoclaw container", "container", name, "error", err)
	}
	if err := h.deps.Engine.Remove(ctx, name); err != nil {
		slog.Warn("remove picoclaw container", "container", name, "error", err)
	}

	return h.deps.Store.MarkActualStopped(ctx, agentID)
}

func (h *picoClawHandler) Purge(ctx context.Context, agentID, projectID string) error {
	if err := h.Stop(ctx, agentID, projectID); err != nil {
		return err
	}
	root := dataDir(h.deps.Config.DataDir, agentID)
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("purge agent data: %w", err)
	}
	slog.Info("purged picoclaw agent data", "agent_id", agentID, "path", root)
	return nil
}

func (h *picoClawHandler) RunCommand(ctx context.Context, agentID, command, _ string) string {
	name := ContainerName(store.FrameworkPicoClaw, agentID, "")
	out, err := h.deps.Engine.Exec(ctx, name, dockerapi.ExecOptions{
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: agentHomeContainerDir + "/.picoclaw",
		Tty:        true,
	})
	if err != nil {
		slog.Error("picoclaw terminal error", "agent_id", agentID, "error", err)
		return "Error: " + err.Error()
	}
	return out
}
