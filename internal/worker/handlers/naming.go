package handlers

import (
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"

	"github.com/mcarata/blueprints/internal/worker/store"
)

// Host port bases. Each framework with a published endpoint gets a
// deterministic port in base..base+999 derived from its scope id, so
// restarts land on the same port and endpoints stay stable.
const (
	elizaOSPortBase  = 20000
	openClawPortBase = 18000

	elizaOSContainerPort  = 3000
	openClawGatewayPort   = 18789
	agentHomeContainerDir = "/agent-home"
)

// scopeID is the identity a container is keyed on: the project for
// shared-container frameworks, the agent otherwise.
func scopeID(framework, agentID, projectID string) string {
	if framework == store.FrameworkElizaOS && projectID != "" {
		return projectID
	}
	return agentID
}

// ContainerName returns the deterministic container name for an agent.
func ContainerName(framework, agentID, projectID string) string {
	return framework + "-" + scopeID(framework, agentID, projectID)
}

// HostPort maps a scope id onto base..base+999 by byte sum. Collisions
// between scopes are possible but rare at current fleet sizes.
func HostPort(base int, scope string) int {
	sum := 0
	for _, b := range []byte(scope) {
		sum += int(b)
	}
	return base + sum%1000
}

// dataDir is the scope's data root, homeDir the subtree bound into the
// container at /agent-home. Both exist in two coordinate systems: the
// worker's own filesystem (local) and the Docker daemon's (host).
func dataDir(root, scope string) string {
	return filepath.Join(root, scope)
}

func homeDir(root, scope string) string {
	return filepath.Join(dataDir(root, scope), "home")
}

// chownAgentDir hands the tree to the unprivileged container user. Failure
// is logged, not fatal: on hosts where the worker is unprivileged the files
// are already owned correctly.
func chownAgentDir(path string) {
	if out, err := exec.Command("chown", "-R", "1000:1000", path).CombinedOutput(); err != nil {
		slog.Warn("chown agent dir failed", "path", path, "error", err, "output", string(out))
	}
}

// endpointURL builds the externally reachable URL for a published port.
func endpointURL(publicIP string, port int) string {
	return fmt.Sprintf("http://%s:%d", publicIP, port)
}
