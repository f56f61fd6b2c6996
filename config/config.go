// Package config provides configuration loading and management for
// planstream services.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/planstream/dispatch"
)

// Duration wraps time.Duration so YAML configs can use strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config represents the complete planstream configuration.
type Config struct {
	NATS    NATSConfig    `yaml:"nats"`
	Planner PlannerConfig `yaml:"planner"`
	Worker  WorkerConfig  `yaml:"worker"`
	Data    DataConfig    `yaml:"data"`
}

// NATSConfig configures the NATS connection shared by planner and worker.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// Name is the client connection name reported to the server.
	Name string `yaml:"name"`
	// ConnectTimeout bounds the initial connection wait.
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// PlannerConfig configures the planner runtime.
type PlannerConfig struct {
	// ID is the planner aggregate id this process owns.
	ID string `yaml:"id"`
	// Algorithm is the planning algorithm workers must declare.
	Algorithm string `yaml:"algorithm"`
	// Workspace is the planning area with optional obstacles.
	Workspace WorkspaceConfig `yaml:"workspace"`
	// AssignmentTimeout is how long a worker has to report a result.
	AssignmentTimeout Duration `yaml:"assignment_timeout"`
	// TickInterval is the period of the timeout and heartbeat scan.
	TickInterval Duration `yaml:"tick_interval"`
	// HeartbeatTimeout marks a silent worker Offline.
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
}

// WorkerConfig configures the worker runtime.
type WorkerConfig struct {
	// ID is the worker's unique id. Empty mints a random one at startup.
	ID string `yaml:"id"`
	// PlannerID is the planner aggregate to serve.
	PlannerID string `yaml:"planner_id"`
	// Capabilities lists the algorithms this worker executes.
	Capabilities []string `yaml:"capabilities"`
	// HeartbeatInterval is the WorkerReady republish period.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	// Graph names the navigation graph served by the data store.
	Graph string `yaml:"graph"`
}

// WorkspaceConfig is the YAML shape of the planning area.
type WorkspaceConfig struct {
	Bounds    BoundsConfig     `yaml:"bounds"`
	Obstacles []ObstacleConfig `yaml:"obstacles"`
}

// BoundsConfig is an axis-aligned rectangle.
type BoundsConfig struct {
	MinX float64 `yaml:"min_x"`
	MaxX float64 `yaml:"max_x"`
	MinY float64 `yaml:"min_y"`
	MaxY float64 `yaml:"max_y"`
}

// ObstacleConfig is one rectangular obstacle.
type ObstacleConfig struct {
	MinX float64 `yaml:"min_x"`
	MaxX float64 `yaml:"max_x"`
	MinY float64 `yaml:"min_y"`
	MaxY float64 `yaml:"max_y"`
}

// ToDispatch converts the YAML shape into the domain workspace.
func (w WorkspaceConfig) ToDispatch() dispatch.Workspace {
	out := dispatch.Workspace{
		Bounds: dispatch.WorkspaceBounds{
			MinX: w.Bounds.MinX, MaxX: w.Bounds.MaxX,
			MinY: w.Bounds.MinY, MaxY: w.Bounds.MaxY,
		},
	}
	for _, o := range w.Obstacles {
		out.Obstacles = append(out.Obstacles, dispatch.Obstacle{
			MinX: o.MinX, MaxX: o.MaxX, MinY: o.MinY, MaxY: o.MaxY,
		})
	}
	return out
}

// DataConfig configures the map data store.
type DataConfig struct {
	// Dir is the directory holding GeoJSON sources and compiled graphs.
	Dir string `yaml:"dir"`
	// Watch enables hot reload of changed graph files.
	Watch bool `yaml:"watch"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "planstream",
			ConnectTimeout: Duration(10 * time.Second),
		},
		Planner: PlannerConfig{
			ID:        "planner-1",
			Algorithm: string(dispatch.AlgorithmAStar),
			Workspace: WorkspaceConfig{
				Bounds: BoundsConfig{MinX: -100, MaxX: 100, MinY: -100, MaxY: 100},
			},
			AssignmentTimeout: Duration(dispatch.DefaultAssignmentTimeoutSeconds * time.Second),
			TickInterval:      Duration(time.Second),
			HeartbeatTimeout:  Duration(60 * time.Second),
		},
		Worker: WorkerConfig{
			PlannerID:         "planner-1",
			Capabilities:      []string{string(dispatch.AlgorithmAStar)},
			HeartbeatInterval: Duration(15 * time.Second),
			Graph:             "default",
		},
		Data: DataConfig{
			Dir:   "data",
			Watch: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Planner.ID == "" {
		return fmt.Errorf("planner.id is required")
	}
	if _, err := dispatch.ParseAlgorithm(c.Planner.Algorithm); err != nil {
		return fmt.Errorf("planner.algorithm: %w", err)
	}
	b := c.Planner.Workspace.Bounds
	if b.MinX >= b.MaxX || b.MinY >= b.MaxY {
		return fmt.Errorf("planner.workspace bounds are degenerate")
	}
	if c.Planner.AssignmentTimeout <= 0 {
		return fmt.Errorf("planner.assignment_timeout must be positive")
	}
	if c.Planner.TickInterval <= 0 {
		return fmt.Errorf("planner.tick_interval must be positive")
	}
	if c.Planner.HeartbeatTimeout <= 0 {
		return fmt.Errorf("planner.heartbeat_timeout must be positive")
	}
	if c.Worker.PlannerID == "" {
		return fmt.Errorf("worker.planner_id is required")
	}
	if _, err := dispatch.ParseAlgorithms(strings.Join(c.Worker.Capabilities, ",")); err != nil {
		return fmt.Errorf("worker.capabilities: %w", err)
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Unset fields stay zero
// so the result can layer over defaults via Merge.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one; other takes precedence for
// non-zero values.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}
	if other.NATS.ConnectTimeout != 0 {
		c.NATS.ConnectTimeout = other.NATS.ConnectTimeout
	}

	if other.Planner.ID != "" {
		c.Planner.ID = other.Planner.ID
	}
	if other.Planner.Algorithm != "" {
		c.Planner.Algorithm = other.Planner.Algorithm
	}
	if other.Planner.Workspace.Bounds != (BoundsConfig{}) {
		c.Planner.Workspace = other.Planner.Workspace
	}
	if other.Planner.AssignmentTimeout != 0 {
		c.Planner.AssignmentTimeout = other.Planner.AssignmentTimeout
	}
	if other.Planner.TickInterval != 0 {
		c.Planner.TickInterval = other.Planner.TickInterval
	}
	if other.Planner.HeartbeatTimeout != 0 {
		c.Planner.HeartbeatTimeout = other.Planner.HeartbeatTimeout
	}

	if other.Worker.ID != "" {
		c.Worker.ID = other.Worker.ID
	}
	if other.Worker.PlannerID != "" {
		c.Worker.PlannerID = other.Worker.PlannerID
	}
	if len(other.Worker.Capabilities) > 0 {
		c.Worker.Capabilities = other.Worker.Capabilities
	}
	if other.Worker.HeartbeatInterval != 0 {
		c.Worker.HeartbeatInterval = other.Worker.HeartbeatInterval
	}
	if other.Worker.Graph != "" {
		c.Worker.Graph = other.Worker.Graph
	}

	if other.Data.Dir != "" {
		c.Data.Dir = other.Data.Dir
	}
	if other.Data.Watch {
		c.Data.Watch = true
	}
}
