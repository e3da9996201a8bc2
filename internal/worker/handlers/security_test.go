package handlers_test

import (
	"testing"

	"github.com/mcarata/blueprints/internal/worker/handlers"
)

func TestResolveSecurityLevel(t *testing.T) {
	cases := []struct {
		tier, requested, want string
	}{
		{"free", "standard", "standard"},
		{"free", "root", "standard"},
		{"plus", "advanced", "advanced"},
		{"plus", "pro", "advanced"},
		{"pro", "pro", "pro"},
		{"pro", "root", "pro"},
		{"max", "root", "root"},
		{"max", "standard", "standard"},
		// Bad values can only narrow, never widen.
		{"enterprise", "root", "standard"},
		{"max", "superuser", "standard"},
		{"", "", "standard"},
	}
	for _, c := range cases {
		got := handlers.ResolveSecurityLevel(c.tier, c.requested)
		if got != c.want {
			t.Errorf("ResolveSecurityLevel(%q, %q) = %q, want %q", c.tier, c.requested, got, c.want)
		}
	}
}

func TestContainerName(t *testing.T) {
	if got := handlers.ContainerName("elizaos", "a1", "p1"); got != "elizaos-p1" {
		t.Errorf("shared scope name = %q", got)
	}
	if got := handlers.ContainerName("elizaos", "a1", ""); got != "elizaos-a1" {
		t.Errorf("legacy elizaos name = %q", got)
	}
	if got := handlers.ContainerName("openclaw", "a1", "p1"); got != "openclaw-a1" {
		t.Errorf("per-agent frameworks ignore the project: %q", got)
	}
}

func TestHostPort(t *testing.T) {
	p := handlers.HostPort(20000, "proj-1")
	if p < 20000 || p > 20999 {
		t.Errorf("port %d out of range", p)
	}
	if p != handlers.HostPort(20000, "proj-1") {
		t.Error("port must be deterministic per scope")
	}
}
