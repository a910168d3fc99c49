package main

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetConfigPathDefault(t *testing.T) {
	original := os.Getenv("HOMEHUB_CONFIG")
	defer os.Setenv("HOMEHUB_CONFIG", original)
	os.Unsetenv("HOMEHUB_CONFIG")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

func TestGetConfigPathEnvOverride(t *testing.T) {
	original := os.Getenv("HOMEHUB_CONFIG")
	defer os.Setenv("HOMEHUB_CONFIG", original)

	os.Setenv("HOMEHUB_CONFIG", "/custom/path/config.yaml")
	if path := getConfigPath(); path != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q, want /custom/path/config.yaml", path)
	}
}

func TestRunFailsWithInvalidConfigPath(t *testing.T) {
	original := os.Getenv("HOMEHUB_CONFIG")
	defer os.Setenv("HOMEHUB_CONFIG", original)
	os.Setenv("HOMEHUB_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with a nonexistent config path")
	}
}

func TestRunStartsAndStopsCleanly(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	dbPath := filepath.Join(tmpDir, "homehub.db")
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	configContent := `
site:
  home_name: Test Home
  timezone: UTC

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

logging:
  level: error
  format: json
  output: stdout

telemetry:
  enabled: false

discovery:
  discovery_interval_ms: 50
  subscription_interval_ms: 50

security:
  encryption_key_base64: "` + key + `"

drivers:
  enabled: []
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	original := os.Getenv("HOMEHUB_CONFIG")
	defer os.Setenv("HOMEHUB_CONFIG", original)
	os.Setenv("HOMEHUB_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() = %v, want clean shutdown on context cancellation", err)
	}
}
