package planworker

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/planstream/dispatch"
)

// planWorkerSchema defines the configuration schema.
var planWorkerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the plan-worker component.
type Config struct {
	// WorkerID identifies this worker to the planner.
	WorkerID string `json:"worker_id" schema:"type:string,description:Worker id announced to the planner,category:basic,default:worker-1"`

	// PlannerID is the planner aggregate this worker serves.
	PlannerID string `json:"planner_id" schema:"type:string,description:Planner aggregate this worker serves,category:basic,default:planner-1"`

	// Capabilities lists the planning algorithms this worker advertises.
	Capabilities []string `json:"capabilities" schema:"type:array,description:Planning algorithms this worker advertises,category:basic"`

	// HeartbeatInterval is the period of the WorkerReady republish.
	HeartbeatInterval string `json:"heartbeat_interval" schema:"type:string,description:Period of the WorkerReady heartbeat,category:advanced,default:15s"`

	// Graph names the compiled map graph used by the graph-search
	// capabilities.
	Graph string `json:"graph" schema:"type:string,description:Map graph name for graph-search capabilities,category:basic,default:default"`

	// DataDir is the directory holding GeoJSON sources and compiled graphs.
	DataDir string `json:"data_dir" schema:"type:string,description:Directory of GeoJSON sources and compiled graphs,category:basic,default:data"`

	// WatchGraphs enables hot reload when graph files change on disk.
	WatchGraphs bool `json:"watch_graphs,omitempty" schema:"type:bool,description:Hot-reload graphs on file changes,category:advanced,default:false"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		WorkerID:          "worker-1",
		PlannerID:         "planner-1",
		Capabilities:      []string{string(dispatch.AlgorithmAStar)},
		HeartbeatInterval: "15s",
		Graph:             "default",
		DataDir:           "data",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "assignments",
					Type:        "nats",
					Subject:     dispatch.BusSubject(dispatch.TypePlanAssigned, "planner-1"),
					Description: "Receive plan assignments from the planner",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "intents",
					Type:        "jetstream",
					Subject:     dispatch.InboundSubjectPrefix + ".planner-1.>",
					StreamName:  dispatch.InboundStreamName,
					Description: "Publish registration, heartbeat, and result intents",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	if c.PlannerID == "" {
		return fmt.Errorf("planner_id is required")
	}
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("capabilities must not be empty")
	}
	for _, cap := range c.Capabilities {
		if _, err := dispatch.ParseAlgorithm(cap); err != nil {
			return err
		}
	}
	if c.HeartbeatInterval != "" {
		if _, err := time.ParseDuration(c.HeartbeatInterval); err != nil {
			return fmt.Errorf("invalid heartbeat_interval: %w", err)
		}
	}
	return nil
}

// GetHeartbeatInterval returns the parsed heartbeat interval.
func (c *Config) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// ParsedCapabilities returns the capability set as algorithm tags.
func (c *Config) ParsedCapabilities() []dispatch.PlanningAlgorithm {
	out := make([]dispatch.PlanningAlgorithm, 0, len(c.Capabilities))
	for _, cap := range c.Capabilities {
		a, err := dispatch.ParseAlgorithm(cap)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}
