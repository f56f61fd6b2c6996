package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL nats://localhost:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Planner.Algorithm != "AStar" {
		t.Errorf("expected default algorithm AStar, got %s", cfg.Planner.Algorithm)
	}
	if cfg.Planner.AssignmentTimeout.Duration() != 300*time.Second {
		t.Errorf("expected assignment timeout 300s, got %v", cfg.Planner.AssignmentTimeout)
	}
	if cfg.Worker.HeartbeatInterval.Duration() != 15*time.Second {
		t.Errorf("expected heartbeat interval 15s, got %v", cfg.Worker.HeartbeatInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing nats url",
			modify:  func(c *Config) { c.NATS.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing planner id",
			modify:  func(c *Config) { c.Planner.ID = "" },
			wantErr: true,
		},
		{
			name:    "unknown algorithm",
			modify:  func(c *Config) { c.Planner.Algorithm = "Magic" },
			wantErr: true,
		},
		{
			name:    "degenerate bounds",
			modify:  func(c *Config) { c.Planner.Workspace.Bounds.MaxX = c.Planner.Workspace.Bounds.MinX },
			wantErr: true,
		},
		{
			name:    "zero tick interval",
			modify:  func(c *Config) { c.Planner.TickInterval = 0 },
			wantErr: true,
		},
		{
			name:    "unknown capability",
			modify:  func(c *Config) { c.Worker.Capabilities = []string{"Teleport"} },
			wantErr: true,
		},
		{
			name:    "case-insensitive capability",
			modify:  func(c *Config) { c.Worker.Capabilities = []string{"rrt", "astar"} },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
nats:
  url: "nats://test:4222"
planner:
  id: "depot-west"
  algorithm: "RRT"
  assignment_timeout: 30s
  tick_interval: 500ms
worker:
  planner_id: "depot-west"
  capabilities: [RRT, PRM]
  heartbeat_interval: 5s
data:
  dir: "/var/lib/planstream"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Planner.ID != "depot-west" {
		t.Errorf("expected planner id depot-west, got %s", cfg.Planner.ID)
	}
	if cfg.Planner.AssignmentTimeout.Duration() != 30*time.Second {
		t.Errorf("expected assignment timeout 30s, got %v", cfg.Planner.AssignmentTimeout)
	}
	if cfg.Planner.TickInterval.Duration() != 500*time.Millisecond {
		t.Errorf("expected tick interval 500ms, got %v", cfg.Planner.TickInterval)
	}
	if len(cfg.Worker.Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %d", len(cfg.Worker.Capabilities))
	}
	if cfg.Data.Dir != "/var/lib/planstream" {
		t.Errorf("expected data dir /var/lib/planstream, got %s", cfg.Data.Dir)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		NATS: NATSConfig{URL: "nats://prod:4222"},
		Worker: WorkerConfig{
			Capabilities: []string{"Dijkstra"},
		},
	}

	base.Merge(override)

	if base.NATS.URL != "nats://prod:4222" {
		t.Errorf("expected NATS URL nats://prod:4222, got %s", base.NATS.URL)
	}
	// Fields the override leaves zero keep their base values.
	if base.NATS.Name != "planstream" {
		t.Errorf("expected client name to remain default, got %s", base.NATS.Name)
	}
	if base.Planner.ID != "planner-1" {
		t.Errorf("expected planner id to remain default, got %s", base.Planner.ID)
	}
	if len(base.Worker.Capabilities) != 1 || base.Worker.Capabilities[0] != "Dijkstra" {
		t.Errorf("expected capabilities [Dijkstra], got %v", base.Worker.Capabilities)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Planner.ID = "saved-planner"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Planner.ID != "saved-planner" {
		t.Errorf("expected planner id saved-planner, got %s", loaded.Planner.ID)
	}
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv(EnvNATSURL, "nats://env:4222")
	t.Setenv(EnvPlannerID, "env-planner")

	cfg, err := NewLoader(nil).Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NATS.URL != "nats://env:4222" {
		t.Errorf("expected env NATS URL, got %s", cfg.NATS.URL)
	}
	if cfg.Planner.ID != "env-planner" || cfg.Worker.PlannerID != "env-planner" {
		t.Errorf("expected env planner id on both sides, got %s / %s",
			cfg.Planner.ID, cfg.Worker.PlannerID)
	}
}
