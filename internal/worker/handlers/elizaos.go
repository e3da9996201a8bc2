package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mcarata/blueprints/internal/worker/dockerapi"
	"github.com/mcarata/blueprints/internal/worker/store"
)

// elizaOSHandler runs ElizaOS agents. Agents in the same project share one
// container and are hot-attached to it; the per-project lock serializes
// every mutation of the shared container.
type elizaOSHandler struct {
	deps Deps
}

func newElizaOSHandler(deps Deps) *elizaOSHandler {
	return &elizaOSHandler{deps: deps}
}

func (h *elizaOSHandler) Start(ctx context.Context, agentID string, cfg, meta json.RawMessage, forceRestart bool, projectID string) error {
	slog.Info("starting elizaos agent", "agent_id", agentID, "project_id", projectID, "force", forceRestart)

	if err := h.deps.Store.SetActualStatus(ctx, agentID, store.StatusStarting); err != nil {
		return err
	}

	run := func() error { return h.start(ctx, agentID, cfg, meta, forceRestart, projectID) }
	var err error
	if projectID != "" {
		release := h.deps.Locks.Lock(projectID)
		err = run()
		release()
	} else {
		err = run()
	}
	if err != nil {
		if serr := h.deps.Store.MarkActualError(ctx, agentID, err.Error()); serr != nil {
			slog.Warn("record start error", "agent_id", agentID, "error", serr)
		}
		return err
	}
	return nil
}

func (h *elizaOSHandler) start(ctx context.Context, agentID string, cfg, meta json.RawMessage, forceRestart bool, projectID string) error {
	name := ContainerName(store.FrameworkElizaOS, agentID, projectID)
	scope := scopeID(store.FrameworkElizaOS, agentID, projectID)

	running, err := h.deps.Engine.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if running && forceRestart {
		if err := h.deps.Engine.Stop(ctx, name); err != nil && !dockerapi.IsNotFound(err) {
			return err
		}
		running = false
	}
	if !running {
		// Clear any stopped leftover so create does not collide on the name.
		if err := h.deps.Engine.Remove(ctx, name); err != nil {
			return err
		}
	}

	character, err := h.buildCharacter(agentID, cfg, meta)
	if err != nil {
		return err
	}

	home := homeDir(h.deps.Config.DataDir, scope)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("create agent home: %w", err)
	}
	chownAgentDir(home)

	characterJSON, err := json.MarshalIndent(character, "", "  ")
	if err != nil {
		return fmt.Errorf("encode character: %w", err)
	}
	characterPath := filepath.Join(home, agentID+".json")
	if err := os.WriteFile(characterPath, characterJSON, 0o644); err != nil {
		return fmt.Errorf("write character file: %w", err)
	}

	port := HostPort(elizaOSPortBase, scope)
	endpoint := endpointURL(h.deps.Config.PublicIP, port)

	if running {
		// Shared container is already up: attach this agent to it.
		out, err := h.deps.Engine.Exec(ctx, name, dockerapi.ExecOptions{
			Cmd: []string{"/usr/local/bin/elizaos", "agent", "start", "--path", agentHomeContainerDir + "/" + agentID + ".json"},
		})
		if err != nil {
			return fmt.Errorf("attach agent to %s: %w", name, err)
		}
		if strings.Contains(strings.ToLower(out), "error") {
			return fmt.Errorf("attach agent to %s: %s", name, strings.TrimSpace(out))
		}
	} else {
		if err := h.deps.Engine.EnsureImage(ctx, h.deps.Config.ElizaOSImage); err != nil {
			return err
		}
		hostHome := homeDir(h.deps.Config.HostDataDir, scope)
		_, err := h.deps.Engine.CreateAndStart(ctx, dockerapi.ContainerSpec{
			Name:  name,
			Image: h.deps.Config.ElizaOSImage,
			User:  "1000:1000",
			Cmd:   []string{"elizaos", "start", "--character", agentHomeContainerDir + "/" + agentID + ".json"},
			Env: []string{
				"AGENT_ID=" + agentID,
				"HOME=" + agentHomeContainerDir,
			},
			Binds: []string{hostHome + ":" + agentHomeContainerDir},
			Ports: []dockerapi.PortBinding{{
				HostPort:      port,
				ContainerPort: elizaOSContainerPort,
			}},
		})
		if err != nil {
			return err
		}
		slog.Info("elizaos container started", "container", name, "host_port", port)
	}

	if err := h.deps.Store.SetActualEndpoint(ctx, agentID, endpoint); err != nil {
		return err
	}

	version := h.detectVersion(ctx, name)
	return h.deps.Store.MarkActualRunning(ctx, agentID, version)
}

// buildCharacter turns the desired config into an ElizaOS character file:
// decrypts secrets, renames lore to knowledge, pins the id to the database
// uuid, folds modelProvider into a plugin, and maps loose API keys into
// settings.secrets where the provider plugins look for them.
func (h *elizaOSHandler) buildCharacter(agentID string, cfg, meta json.RawMessage) (Document, error) {
	doc, err := ParseDocument(cfg)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(store.FrameworkElizaOS, doc); err != nil {
		return nil, err
	}
	decrypted, err := doc.Decrypt(h.deps.Config.MasterKey)
	if err != nil {
		return nil, err
	}
	metaDoc, err := ParseDocument(meta)
	if err != nil {
		return nil, err
	}

	character := decrypted.clone()
	if lore, ok := character["lore"]; ok {
		if _, taken := character["knowledge"]; !taken {
			character["knowledge"] = lore
		}
		delete(character, "lore")
	}
	character["id"] = agentID

	settings := character.Map("settings")
	if settings == nil {
		settings = Document{}
	}
	character["settings"] = map[string]any(settings)

	// The character schema has no modelProvider key; express it as the
	// matching provider plugin instead.
	if provider := strings.ToLower(character.String("modelProvider")); provider != "" {
		plugin := "@elizaos/plugin-" + provider
		plugins, _ := character["plugins"].([]any)
		found := false
		for _, p := range plugins {
			if p == plugin {
				found = true
				break
			}
		}
		if !found {
			character["plugins"] = append(plugins, plugin)
		}
		if provider == "openai" && settings.String("model") == "" {
			settings["model"] = "gpt-4"
		}
		delete(character, "modelProvider")
	}

	secrets := settings.Map("secrets")
	if secrets == nil {
		secrets = Document{}
	}
	settings["secrets"] = map[string]any(secrets)

	pick := func(keys ...string) string {
		for _, k := range keys {
			if v := decrypted.String(k); v != "" {
				return v
			}
			if v := metaDoc.String(k); v != "" {
				return v
			}
		}
		return ""
	}
	if v := pick("OPENAI_API_KEY", "openai_api_key"); v != "" {
		secrets["OPENAI_API_KEY"] = v
	}
	if v := pick("ANTHROPIC_API_KEY"); v != "" {
		secrets["ANTHROPIC_API_KEY"] = v
	}
	if v := pick("GROQ_API_KEY"); v != "" {
		secrets["GROQ_API_KEY"] = v
	}
	if v := metaDoc.String("apiKey"); v != "" && secrets.String("OPENAI_API_KEY") == "" {
		secrets["OPENAI_API_KEY"] = v
	}

	return character, nil
}

func (h *elizaOSHandler) detectVersion(ctx context.Context, containerName string) string {
	out, err := h.deps.Engine.Exec(ctx, containerName, dockerapi.ExecOptions{
		Cmd: []string{"/usr/local/bin/elizaos", "--version"},
	})
	if err != nil {
		return "unknown"
	}
	return parseSemver(out)
}

func (h *elizaOSHandler) Stop(ctx context.Context, agentID, projectID string) error {
	if err := h.deps.Store.SetActualStatus(ctx, agentID, store.StatusStopping); err != nil {
		return err
	}

	if projectID != "" {
		release := h.deps.Locks.Lock(projectID)
		defer release()
	}
	return h.stop(ctx, agentID, projectID)
}

func (h *elizaOSHandler) stop(ctx context.Context, agentID, projectID string) error {
	name := ContainerName(store.FrameworkElizaOS, agentID, projectID)
	scope := scopeID(store.FrameworkElizaOS, agentID, projectID)

	running, err := h.deps.Engine.IsRunning(ctx, name)
	if err != nil && !dockerapi.IsNotFound(err) {
		slog.Warn("stop elizaos agent", "agent_id", agentID, "error", err)
		return h.deps.Store.MarkActualStopped(ctx, agentID)
	}

	if running {
		// Detach this agent first; the container only comes down when no
		// other enabled agent in the project still needs it.
		agentName := h.characterName(scope, agentID)
		if _, err := h.deps.Engine.Exec(ctx, name, dockerapi.ExecOptions{
			Cmd: []string{"/bin/bash", "-c", fmt.Sprintf(`export PATH="/root/.bun/bin:$PATH"; elizaos agent stop --name %q`, agentName)},
		}); err != nil {
			slog.Warn("detach elizaos agent", "agent_id", agentID, "error", err)
		}

		tearDown := true
		if projectID != "" {
			others, err := h.deps.Store.EnabledAgentsInProject(ctx, projectID, store.FrameworkElizaOS, agentID)
			if err != nil {
				return err
			}
			tearDown = others == 0
		}
		if tearDown {
			slog.Info("stopping elizaos container", "container", name)
			if err := h.deps.Engine.Stop(ctx, name); err != nil && !dockerapi.IsNotFound(err) {
				slog.Warn("stop elizaos container", "container", name, "error", err)
			}
			if err := h.deps.Engine.Remove(ctx, name); err != nil {
				slog.Warn("remove elizaos container", "container", name, "error", err)
			}
		}
	} else {
		if err := h.deps.Engine.Remove(ctx, name); err != nil {
			slog.Warn("remove elizaos container", "container", name, "error", err)
		}
	}

	return h.deps.Store.MarkActualStopped(ctx, agentID)
}

// characterName reads the agent's display name from its character file so
// the in-container stop targets the right agent. Falls back to the id.
func (h *elizaOSHandler) characterName(scope, agentID string) string {
	path := filepath.Join(homeDir(h.deps.Config.DataDir, scope), agentID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return agentID
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return agentID
	}
	if name := doc.String("name"); name != "" {
		return name
	}
	return agentID
}

func (h *elizaOSHandler) Purge(ctx context.Context, agentID, projectID string) error {
	if err := h.Stop(ctx, agentID, projectID); err != nil {
		return err
	}
	scope := scopeID(store.FrameworkElizaOS, agentID, projectID)
	if projectID != "" {
		// Shared scope: only this agent's files go, the project tree stays.
		path := filepath.Join(homeDir(h.deps.Config.DataDir, scope), agentID+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("purge character file: %w", err)
		}
		return nil
	}
	if err := os.RemoveAll(dataDir(h.deps.Config.DataDir, scope)); err != nil {
		return fmt.Errorf("purge agent data: %w", err)
	}
	return nil
}

func (h *elizaOSHandler) RunCommand(ctx context.Context, agentID, command, projectID string) string {
	name := ContainerName(store.FrameworkElizaOS, agentID, projectID)
	out, err := h.deps.Engine.Exec(ctx, name, dockerapi.ExecOptions{
		Cmd: []string{"/bin/bash", "-c", `export PATH="/root/.bun/bin:$PATH"; ` + command},
		Tty: true,
	})
	if err != nil {
		slog.Error("elizaos terminal error", "agent_id", agentID, "error", err)
		return "Error: " + err.Error()
	}
	return out
}
