// Package config assembles the worker configuration from an optional YAML
// file and environment variables. Environment wins over the file; the
// master encryption key is environment-only so it never lands on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcarata/blueprints/common/crypto"
	"github.com/mcarata/blueprints/common/environment"
)

// Config holds every tunable the worker reads at startup.
type Config struct {
	// DatabasePath is the SQLite state store location.
	DatabasePath string

	// DataDir is the agent data root as this process sees it. HostDataDir
	// is the same tree as the Docker daemon sees it; the two differ when
	// the worker itself runs inside a container.
	DataDir     string
	HostDataDir string

	// DockerNetwork is the private bridge network agent containers join.
	DockerNetwork string

	// PublicIP builds externally reachable endpoint URLs for published ports.
	PublicIP string

	ElizaOSImage  string
	OpenClawImage string
	PicoClawImage string

	ReconcileInterval   time.Duration
	MessagePollInterval time.Duration

	// Chat relay limits (per attempted user message).
	ChatMaxAttempts int
	ChatRetryDelay  time.Duration
	ChatTimeout     time.Duration

	// Session polling fallback limits.
	SessionPollAttempts int
	SessionPollDelay    time.Duration

	LeaseExpiryInterval time.Duration
	UsageSyncInterval   time.Duration

	// OpenRouterManagementKey authorizes the billing usage sync. Empty
	// disables the sync timer's work (it logs and skips).
	OpenRouterManagementKey string
	OpenRouterBaseURL       string

	// HTTPAddr serves /health and /status when non-empty.
	HTTPAddr string

	LogLevel  string
	LogFormat string

	// MasterKey decrypts enc:v1: fields in desired-config documents.
	// Nil means encrypted fields are configuration errors.
	MasterKey []byte
}

// fileConfig mirrors the YAML document. Every field is a pointer so absent
// keys leave defaults alone; durations come in as strings ("30s") because
// yaml.v3 has no native duration scalar.
type fileConfig struct {
	DatabasePath        *string `yaml:"database_path"`
	DataDir             *string `yaml:"data_dir"`
	HostDataDir         *string `yaml:"host_data_dir"`
	DockerNetwork       *string `yaml:"docker_network"`
	PublicIP            *string `yaml:"public_ip"`
	ElizaOSImage        *string `yaml:"elizaos_image"`
	OpenClawImage       *string `yaml:"openclaw_image"`
	PicoClawImage       *string `yaml:"picoclaw_image"`
	ReconcileInterval   *string `yaml:"reconcile_interval"`
	MessagePollInterval *string `yaml:"message_poll_interval"`
	ChatMaxAttempts     *int    `yaml:"chat_max_attempts"`
	ChatRetryDelay      *string `yaml:"chat_retry_delay"`
	ChatTimeout         *string `yaml:"chat_timeout"`
	SessionPollAttempts *int    `yaml:"session_poll_attempts"`
	SessionPollDelay    *string `yaml:"session_poll_delay"`
	LeaseExpiryInterval *string `yaml:"lease_expiry_interval"`
	UsageSyncInterval   *string `yaml:"usage_sync_interval"`
	OpenRouterBaseURL   *string `yaml:"openrouter_base_url"`
	HTTPAddr            *string `yaml:"http_addr"`
	LogLevel            *string `yaml:"log_level"`
	LogFormat           *string `yaml:"log_format"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		DatabasePath:        "./blueprints.db",
		DataDir:             "./workspaces",
		HostDataDir:         "./workspaces",
		DockerNetwork:       "blueprints-network",
		PublicIP:            "127.0.0.1",
		ElizaOSImage:        "elizaos:local",
		OpenClawImage:       "openclaw:local",
		PicoClawImage:       "picoclaw:local",
		ReconcileInterval:   10 * time.Second,
		MessagePollInterval: time.Second,
		ChatMaxAttempts:     5,
		ChatRetryDelay:      time.Second,
		ChatTimeout:         120 * time.Second,
		SessionPollAttempts: 15,
		SessionPollDelay:    2 * time.Second,
		LeaseExpiryInterval: 60 * time.Second,
		UsageSyncInterval:   time.Hour,
		OpenRouterBaseURL:   "https://openrouter.ai/api/v1",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is empty, ./worker.yaml is used when present), then env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		if _, err := os.Stat("worker.yaml"); err == nil {
			path = "worker.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if err := cfg.applyFile(&fc); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if raw := os.Getenv("MASTER_KEY"); raw != "" {
		key, err := crypto.ParseMasterKey(raw)
		if err != nil {
			return nil, fmt.Errorf("MASTER_KEY: %w", err)
		}
		cfg.MasterKey = key
	}

	// Data roots must be absolute: they are baked into bind mounts.
	var err error
	if cfg.DataDir, err = filepath.Abs(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if cfg.HostDataDir, err = filepath.Abs(cfg.HostDataDir); err != nil {
		return nil, fmt.Errorf("resolve host data dir: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	var firstErr error
	setDuration := func(dst *time.Duration, src *string, key string) {
		if src == nil || firstErr != nil {
			return
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			firstErr = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = d
	}

	setString(&c.DatabasePath, fc.DatabasePath)
	setString(&c.DataDir, fc.DataDir)
	setString(&c.HostDataDir, fc.HostDataDir)
	setString(&c.DockerNetwork, fc.DockerNetwork)
	setString(&c.PublicIP, fc.PublicIP)
	setString(&c.ElizaOSImage, fc.ElizaOSImage)
	setString(&c.OpenClawImage, fc.OpenClawImage)
	setString(&c.PicoClawImage, fc.PicoClawImage)
	setDuration(&c.ReconcileInterval, fc.ReconcileInterval, "reconcile_interval")
	setDuration(&c.MessagePollInterval, fc.MessagePollInterval, "message_poll_interval")
	setInt(&c.ChatMaxAttempts, fc.ChatMaxAttempts)
	setDuration(&c.ChatRetryDelay, fc.ChatRetryDelay, "chat_retry_delay")
	setDuration(&c.ChatTimeout, fc.ChatTimeout, "chat_timeout")
	setInt(&c.SessionPollAttempts, fc.SessionPollAttempts)
	setDuration(&c.SessionPollDelay, fc.SessionPollDelay, "session_poll_delay")
	setDuration(&c.LeaseExpiryInterval, fc.LeaseExpiryInterval, "lease_expiry_interval")
	setDuration(&c.UsageSyncInterval, fc.UsageSyncInterval, "usage_sync_interval")
	setString(&c.OpenRouterBaseURL, fc.OpenRouterBaseURL)
	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	return firstErr
}

func (c *Config) applyEnv() {
	c.DatabasePath = environment.StringOr("DATABASE_PATH", c.DatabasePath)
	c.DataDir = environment.StringOr("AGENTS_DATA_CONTAINER_PATH", c.DataDir)
	c.HostDataDir = environment.StringOr("AGENTS_DATA_HOST_PATH", c.HostDataDir)
	c.DockerNetwork = environment.StringOr("DOCKER_NETWORK_NAME", c.DockerNetwork)
	c.PublicIP = environment.StringOr("VPS_PUBLIC_IP", c.PublicIP)
	c.ElizaOSImage = environment.StringOr("ELIZAOS_IMAGE", c.ElizaOSImage)
	c.OpenClawImage = environment.StringOr("OPENCLAW_IMAGE", c.OpenClawImage)
	c.PicoClawImage = environment.StringOr("PICOCLAW_IMAGE", c.PicoClawImage)
	c.ReconcileInterval = environment.DurationOr("RECONCILE_INTERVAL", c.ReconcileInterval)
	c.MessagePollInterval = environment.DurationOr("MESSAGE_POLL_INTERVAL", c.MessagePollInterval)
	c.ChatMaxAttempts = environment.IntOr("CHAT_MAX_ATTEMPTS", c.ChatMaxAttempts)
	c.ChatRetryDelay = environment.DurationOr("CHAT_RETRY_DELAY", c.ChatRetryDelay)
	c.ChatTimeout = environment.DurationOr("CHAT_TIMEOUT", c.ChatTimeout)
	c.SessionPollAttempts = environment.IntOr("SESSION_POLL_ATTEMPTS", c.SessionPollAttempts)
	c.SessionPollDelay = environment.DurationOr("SESSION_POLL_DELAY", c.SessionPollDelay)
	c.LeaseExpiryInterval = environment.DurationOr("LEASE_EXPIRY_INTERVAL", c.LeaseExpiryInterval)
	c.UsageSyncInterval = environment.DurationOr("USAGE_SYNC_INTERVAL", c.UsageSyncInterval)
	c.OpenRouterManagementKey = environment.StringOr("OPENROUTER_MANAGEMENT_KEY", c.OpenRouterManagementKey)
	c.OpenRouterBaseURL = environment.StringOr("OPENROUTER_BASE_URL", c.OpenRouterBaseURL)
	c.HTTPAddr = environment.StringOr("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = environment.StringOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = environment.StringOr("LOG_FORMAT", c.LogFormat)
}
