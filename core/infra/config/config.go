// Package config loads runtime configuration for the gateway from the
// environment, with an optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr    = ":8089"
	defaultMetricsAddr = ":9097"
	defaultStateDir    = "~/.openclaw"
	defaultAgentID     = "main"

	envConfigPath        = "OPENCLAW_CONFIG"
	envHTTPAddr          = "OPENCLAW_HTTP_ADDR"
	envMetricsAddr       = "OPENCLAW_METRICS_ADDR"
	envStateDir          = "OPENCLAW_STATE_DIR"
	envControlPlaneToken = "OPENCLAW_CONTROL_PLANE_TOKEN"
	envDefaultAgent      = "OPENCLAW_DEFAULT_AGENT"
	envSchedulerEnabled  = "OPENCLAW_SCHEDULER_ENABLED"
	envModelURL          = "OPENCLAW_MODEL_URL"
	envModelName         = "OPENCLAW_MODEL"
)

// ObjectStore holds the S3-compatible backup target. Endpoint, region and
// path-style are pass-through to the client.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	PathStyle bool   `yaml:"pathStyle"`
	Prefix    string `yaml:"prefix"`
}

// Model points at the Ollama-compatible endpoint agent runs execute on.
type Model struct {
	URL            string `yaml:"url"`
	Name           string `yaml:"name"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// Config holds runtime configuration for the gateway process.
type Config struct {
	HTTPAddr          string      `yaml:"httpAddr"`
	MetricsAddr       string      `yaml:"metricsAddr"`
	StateDir          string      `yaml:"stateDir"`
	ControlPlaneToken string      `yaml:"controlPlaneToken"`
	DefaultAgentID    string      `yaml:"defaultAgent"`
	SchedulerEnabled  bool        `yaml:"schedulerEnabled"`
	ObjectStore       ObjectStore `yaml:"objectStore"`
	Model             Model       `yaml:"model"`
}

// Load returns configuration using environment variables with sane defaults.
// When OPENCLAW_CONFIG names a YAML file it is applied first and the
// environment overrides it.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:         defaultHTTPAddr,
		MetricsAddr:      defaultMetricsAddr,
		StateDir:         defaultStateDir,
		DefaultAgentID:   defaultAgentID,
		SchedulerEnabled: true,
		Model: Model{
			URL:  "http://localhost:11434",
			Name: "llama3",
		},
	}

	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	dir, err := expandHome(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	cfg.StateDir = dir
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(envHTTPAddr)); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envMetricsAddr)); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envStateDir)); v != "" {
		cfg.StateDir = v
	}
	if v := strings.TrimSpace(os.Getenv(envControlPlaneToken)); v != "" {
		cfg.ControlPlaneToken = v
	}
	if v := strings.TrimSpace(os.Getenv(envDefaultAgent)); v != "" {
		cfg.DefaultAgentID = v
	}
	if v := strings.TrimSpace(os.Getenv(envSchedulerEnabled)); v != "" {
		cfg.SchedulerEnabled = v == "true" || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv(envModelURL)); v != "" {
		cfg.Model.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(envModelName)); v != "" {
		cfg.Model.Name = v
	}
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
