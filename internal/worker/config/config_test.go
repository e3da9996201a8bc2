package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcarata/blueprints/internal/worker/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DockerNetwork != "blueprints-network" {
		t.Errorf("network = %q", cfg.DockerNetwork)
	}
	if cfg.ReconcileInterval != 10*time.Second {
		t.Errorf("reconcile interval = %s", cfg.ReconcileInterval)
	}
	if cfg.ChatMaxAttempts != 5 {
		t.Errorf("chat attempts = %d", cfg.ChatMaxAttempts)
	}
	if !filepath.IsAbs(cfg.DataDir) {
		t.Errorf("data dir not absolute: %q", cfg.DataDir)
	}
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	body := "docker_network: from-file\nreconcile_interval: 30s\npublic_ip: 10.0.0.9\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DOCKER_NETWORK_NAME", "from-env")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DockerNetwork != "from-env" {
		t.Errorf("env should win over file: %q", cfg.DockerNetwork)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Errorf("file value lost: %s", cfg.ReconcileInterval)
	}
	if cfg.PublicIP != "10.0.0.9" {
		t.Errorf("public ip = %q", cfg.PublicIP)
	}
}

func TestLoad_MasterKey(t *testing.T) {
	t.Setenv("MASTER_KEY", "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.MasterKey) != 32 {
		t.Errorf("master key length = %d", len(cfg.MasterKey))
	}

	t.Setenv("MASTER_KEY", "not-hex")
	if _, err := config.Load(""); err == nil {
		t.Error("invalid master key should fail Load")
	}
}
