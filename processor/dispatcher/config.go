package dispatcher

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/planstream/dispatch"
)

// dispatcherSchema defines the configuration schema.
var dispatcherSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the dispatcher component.
type Config struct {
	// PlannerID is the aggregate this process owns. Exactly one dispatcher
	// may run per planner id.
	PlannerID string `json:"planner_id" schema:"type:string,description:Planner aggregate id owned by this process,category:basic,default:planner-1"`

	// Algorithm is the planning algorithm assigned workers must declare.
	Algorithm string `json:"algorithm" schema:"type:string,description:Planning algorithm required of workers,category:basic,default:AStar"`

	// Workspace bounds every requested position and carries obstacles for
	// the workers.
	Workspace dispatch.Workspace `json:"workspace" schema:"type:object,description:Planning workspace bounds and obstacles,category:basic"`

	// AssignmentTimeout is how long an assigned worker has before the tick
	// loop times the assignment out.
	AssignmentTimeout string `json:"assignment_timeout" schema:"type:string,description:Deadline for an assigned worker to report a result,category:basic,default:300s"`

	// TickInterval is the period of the timeout and heartbeat scan.
	TickInterval string `json:"tick_interval" schema:"type:string,description:Period of the timeout and heartbeat scan,category:advanced,default:1s"`

	// HeartbeatTimeout marks a worker Offline after silence.
	HeartbeatTimeout string `json:"heartbeat_timeout" schema:"type:string,description:Silence after which a worker is marked offline,category:advanced,default:60s"`

	// StreamName is the JetStream stream carrying inbound intents.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream for inbound intents,category:advanced,default:PLANSTREAM_INBOUND"`

	// ConsumerName is the durable consumer name for intent consumption.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name for intent consumption,category:advanced,default:dispatcher"`

	// DedupWindow is how many processed event ids are remembered for
	// duplicate suppression.
	DedupWindow int `json:"dedup_window" schema:"type:int,description:Processed event ids remembered for duplicate suppression,category:advanced,default:4096,min:16,max:65536"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		PlannerID: "planner-1",
		Algorithm: string(dispatch.AlgorithmAStar),
		Workspace: dispatch.Workspace{
			Bounds: dispatch.WorkspaceBounds{MinX: -100, MaxX: 100, MinY: -100, MaxY: 100},
		},
		AssignmentTimeout: "300s",
		TickInterval:      "1s",
		HeartbeatTimeout:  "60s",
		StreamName:        dispatch.InboundStreamName,
		ConsumerName:      "dispatcher",
		DedupWindow:       4096,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "intents",
					Type:        "jetstream",
					Subject:     dispatch.InboundSubjectPrefix + ".planner-1.>",
					StreamName:  dispatch.InboundStreamName,
					Description: "Receive worker and client intent envelopes",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "events",
					Type:        "nats",
					Subject:     dispatch.BusSubjectPrefix + ".>",
					Description: "Publish committed event envelopes",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.PlannerID == "" {
		return fmt.Errorf("planner_id is required")
	}
	if _, err := dispatch.ParseAlgorithm(c.Algorithm); err != nil {
		return err
	}
	b := c.Workspace.Bounds
	if b.MinX >= b.MaxX || b.MinY >= b.MaxY {
		return fmt.Errorf("workspace bounds are degenerate")
	}
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.DedupWindow < 16 {
		return fmt.Errorf("dedup_window must be at least 16")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"assignment_timeout", c.AssignmentTimeout},
		{"tick_interval", c.TickInterval},
		{"heartbeat_timeout", c.HeartbeatTimeout},
	} {
		if field.value == "" {
			continue
		}
		if d, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		} else if d <= 0 {
			return fmt.Errorf("%s must be positive", field.name)
		}
	}
	return nil
}

// GetAssignmentTimeout returns the assignment timeout duration.
// Returns default 300s if parsing fails.
func (c *Config) GetAssignmentTimeout() time.Duration {
	if c.AssignmentTimeout == "" {
		return 300 * time.Second
	}
	d, err := time.ParseDuration(c.AssignmentTimeout)
	if err != nil || d <= 0 {
		return 300 * time.Second
	}
	return d
}

// GetTickInterval returns the tick interval duration.
// Returns default 1s if parsing fails.
func (c *Config) GetTickInterval() time.Duration {
	if c.TickInterval == "" {
		return time.Second
	}
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// GetHeartbeatTimeout returns the heartbeat timeout duration.
// Returns default 60s if parsing fails.
func (c *Config) GetHeartbeatTimeout() time.Duration {
	if c.HeartbeatTimeout == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(c.HeartbeatTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}
