package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/hame-relay-core/internal/device"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("HAMERELAY_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want loading config failure", err)
	}
}

func TestRun_InvalidSchemaFile(t *testing.T) {
	schemaPath := writeFile(t, "schemas.yaml", "devices:\n  - device_type: \"\"\n")
	configPath := writeFile(t, "config.yaml", `
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
logging:
  level: error
  format: text
router:
  schema_file: "`+schemaPath+`"
  history:
    enabled: false
devices:
  - device_type: HMA-1
    device_id: ABC
`)
	t.Setenv("HAMERELAY_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "loading schema file") {
		t.Fatalf("run() error = %v, want schema file failure", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("HAMERELAY_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("HAMERELAY_CONFIG", "/custom/path/config.yaml")
	if got := getConfigPath(); got != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q, want override", got)
	}
}

func TestLoadSchemas(t *testing.T) {
	registry, err := loadSchemas("")
	if err != nil {
		t.Fatalf("loadSchemas(\"\") error = %v", err)
	}
	if _, ok := registry.Lookup("HMA-1"); !ok {
		t.Error("built-in HMA-1 missing")
	}

	extra := writeFile(t, "extra.yaml", `
devices:
  - device_type: "HMX-1"
    messages:
      - publish_path: "data"
        poll_interval: 30000
`)
	registry, err = loadSchemas(extra)
	if err != nil {
		t.Fatalf("loadSchemas(extra) error = %v", err)
	}
	if _, ok := registry.Lookup("HMX-1"); !ok {
		t.Error("HMX-1 from schema file missing")
	}
	if _, ok := registry.Lookup("HMG-50"); !ok {
		t.Error("built-ins dropped when a schema file is loaded")
	}

	if _, err := loadSchemas(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loadSchemas(missing) succeeded")
	}
}

func TestConfiguredDevices(t *testing.T) {
	got := configuredDevices([]config.DeviceConfig{
		{DeviceType: "HMA-1", DeviceID: "ABC"},
		{DeviceType: "HMG-50", DeviceID: "0011"},
	})

	want := []device.Device{
		{DeviceType: "HMA-1", DeviceID: "ABC"},
		{DeviceType: "HMG-50", DeviceID: "0011"},
	}
	if len(got) != len(want) {
		t.Fatalf("configuredDevices() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("device[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
