package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{envConfigPath, envHTTPAddr, envMetricsAddr, envStateDir, envControlPlaneToken, envDefaultAgent, envSchedulerEnabled} {
		t.Setenv(key, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != defaultHTTPAddr || cfg.MetricsAddr != defaultMetricsAddr {
		t.Fatalf("unexpected addrs: %+v", cfg)
	}
	if !cfg.SchedulerEnabled {
		t.Fatalf("scheduler should default to enabled")
	}
	if cfg.StateDir == defaultStateDir {
		t.Fatalf("state dir should have home expanded: %s", cfg.StateDir)
	}
}

func TestLoadYAMLThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.yaml")
	body := `
httpAddr: ":7001"
stateDir: ` + dir + `
controlPlaneToken: from-file
objectStore:
  endpoint: minio.local:9000
  bucket: backups
  pathStyle: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, path)
	t.Setenv(envHTTPAddr, ":7002")
	t.Setenv(envControlPlaneToken, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7002" {
		t.Fatalf("env should win: %s", cfg.HTTPAddr)
	}
	if cfg.ControlPlaneToken != "from-file" {
		t.Fatalf("file token lost: %q", cfg.ControlPlaneToken)
	}
	if cfg.ObjectStore.Endpoint != "minio.local:9000" || !cfg.ObjectStore.PathStyle {
		t.Fatalf("object store not parsed: %+v", cfg.ObjectStore)
	}
	if cfg.StateDir != dir {
		t.Fatalf("state dir: %s", cfg.StateDir)
	}
}
