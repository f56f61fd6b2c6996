// Package planworker runs the worker side of the dispatch protocol. A
// worker registers with its planner, heartbeats WorkerReady, and executes
// the planning capability behind each PlanAssigned it receives, reporting
// PlanCompleted or PlanFailed back through the inbound intent stream.
package planworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/planstream/dispatch"
	"github.com/c360studio/planstream/eventbus"
	"github.com/c360studio/planstream/eventlog"
	"github.com/c360studio/planstream/mapdata"
	"github.com/c360studio/planstream/planalg"
)

// resultDeadlineFraction leaves headroom between the worker's own planning
// deadline and the planner's assignment timeout, so a slow result still
// lands before the tick loop fires.
const resultDeadlineFraction = 0.9

// intentPublisher delivers one intent envelope to the planner's inbound
// stream.
type intentPublisher func(ctx context.Context, env dispatch.EventEnvelope) error

// Component implements the plan-worker processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	js       jetstream.JetStream
	log      eventlog.Log
	bus      eventbus.Bus
	publish  intentPublisher
	registry *planalg.Registry
	store    *mapdata.Store

	// busy enforces the single in-flight plan.
	busy atomic.Bool

	// processed plan ids, for redelivered assignments.
	processedMu sync.Mutex
	processed   map[string]struct{}

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	assignmentsReceived atomic.Int64
	assignmentsRejected atomic.Int64
	plansCompleted      atomic.Int64
	plansFailed         atomic.Int64
	heartbeatsSent      atomic.Int64
	lastActivityMu      sync.RWMutex
	lastActivity        time.Time
}

// NewComponent creates a new plan-worker processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.WorkerID == "" {
		config.WorkerID = defaults.WorkerID
	}
	if config.PlannerID == "" {
		config.PlannerID = defaults.PlannerID
	}
	if len(config.Capabilities) == 0 {
		config.Capabilities = defaults.Capabilities
	}
	if config.HeartbeatInterval == "" {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.Graph == "" {
		config.Graph = defaults.Graph
	}
	if config.DataDir == "" {
		config.DataDir = defaults.DataDir
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "plan-worker",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		registry:   planalg.NewRegistry(),
		processed:  make(map[string]struct{}),
	}, nil
}

// newTestComponent wires a component directly onto log, bus, and publisher,
// bypassing NATS. Used by tests.
func newTestComponent(config Config, log eventlog.Log, bus eventbus.Bus, publish intentPublisher, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:      "plan-worker",
		config:    config,
		logger:    logger,
		log:       log,
		bus:       bus,
		publish:   publish,
		registry:  planalg.NewRegistry(),
		processed: make(map[string]struct{}),
	}
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized plan-worker",
		"worker_id", c.config.WorkerID,
		"planner_id", c.config.PlannerID,
		"capabilities", c.config.Capabilities)
	return nil
}

// Start performs the registration handshake and begins consuming
// assignments.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil && c.publish == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if c.natsClient != nil {
		js, err := c.natsClient.JetStream()
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("get jetstream: %w", err)
		}
		c.js = js
		if _, err := eventlog.EnsureStream(subCtx, js); err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("ensure log stream: %w", err)
		}
		if _, err := eventlog.EnsureInboundStream(subCtx, js); err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("ensure inbound stream: %w", err)
		}
		c.log = eventlog.NewJetStreamLog(js, c.logger)
		c.bus = eventbus.NewNATSBus(c.natsClient, c.logger)
		c.publish = c.publishJetStream
	}

	if c.store == nil {
		store, err := mapdata.NewStore(c.config.DataDir, c.logger)
		if err != nil {
			// Graph-search capabilities will fail their plans; the worker
			// itself stays up.
			c.logger.Warn("map store unavailable", "dir", c.config.DataDir, "error", err)
		} else {
			c.store = store
		}
	}
	if c.store != nil && c.config.WatchGraphs {
		if err := c.store.Watch(subCtx); err != nil {
			c.logger.Warn("graph watch unavailable", "error", err)
		}
	}

	ch, unsubscribe, err := c.bus.Subscribe(subCtx, eventbus.Filter{
		EventTypes: []dispatch.EventType{dispatch.TypePlanAssigned},
		PlannerID:  c.config.PlannerID,
		WorkerID:   c.config.WorkerID,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("subscribe assignments: %w", err)
	}

	if err := c.handshake(subCtx); err != nil {
		unsubscribe()
		c.rollbackStart(cancel)
		return fmt.Errorf("registration handshake: %w", err)
	}

	go func() {
		defer unsubscribe()
		c.runLoop(subCtx, ch)
	}()
	go c.heartbeatLoop(subCtx)

	c.logger.Info("plan-worker started",
		"worker_id", c.config.WorkerID,
		"planner_id", c.config.PlannerID,
		"capabilities", c.config.Capabilities,
		"heartbeat_interval", c.config.GetHeartbeatInterval())

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// handshake announces the worker. Re-running it after a crash is the whole
// recovery story: registration of a known worker is rejected by the planner
// and the fresh WorkerReady puts the worker back in rotation.
func (c *Component) handshake(ctx context.Context) error {
	now := time.Now().UTC()
	if err := c.publishIntent(ctx, &dispatch.WorkerRegistered{
		EventMeta:    c.eventMeta(now),
		WorkerID:     c.config.WorkerID,
		Capabilities: c.config.ParsedCapabilities(),
	}, ""); err != nil {
		return err
	}
	return c.publishIntent(ctx, &dispatch.WorkerReady{
		EventMeta: c.eventMeta(now),
		WorkerID:  c.config.WorkerID,
	}, "")
}

func (c *Component) eventMeta(at time.Time) dispatch.EventMeta {
	return dispatch.EventMeta{
		PlannerID:    c.config.PlannerID,
		Timestamp:    at,
		EventVersion: dispatch.CurrentEventVersion,
	}
}

// publishIntent wraps a domain event and sends it to the inbound stream.
func (c *Component) publishIntent(ctx context.Context, ev dispatch.Event, causationID string) error {
	env, err := dispatch.NewEnvelope(ev, dispatch.Metadata{
		CausationID: causationID,
		Source:      "planworker:" + c.config.WorkerID,
	})
	if err != nil {
		return err
	}
	return c.publish(ctx, env)
}

// publishJetStream is the production intent publisher.
func (c *Component) publishJetStream(ctx context.Context, env dispatch.EventEnvelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	subject := dispatch.InboundSubject(c.config.PlannerID, env.EventType)
	_, err = c.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.EventID))
	if err != nil {
		return fmt.Errorf("publish intent %s: %w", env.EventType, err)
	}
	return nil
}

// runLoop consumes assignment envelopes until the context ends. Plans run
// inline, so one worker executes at most one plan at a time.
func (c *Component) runLoop(ctx context.Context, ch <-chan dispatch.EventEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			c.handleAssignment(ctx, env)
		}
	}
}

// heartbeatLoop republishes WorkerReady so the planner's staleness scan
// keeps the worker in rotation.
func (c *Component) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.GetHeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := c.publishIntent(ctx, &dispatch.WorkerReady{
				EventMeta: c.eventMeta(now.UTC()),
				WorkerID:  c.config.WorkerID,
			}, ""); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("heartbeat publish failed", "error", err)
				continue
			}
			c.heartbeatsSent.Add(1)
		}
	}
}

// handleAssignment accepts and executes one PlanAssigned, or rejects it.
func (c *Component) handleAssignment(ctx context.Context, env dispatch.EventEnvelope) {
	c.assignmentsReceived.Add(1)
	c.updateLastActivity()

	ev, err := env.Event()
	if err != nil {
		c.logger.Error("undecodable assignment", "event_id", env.EventID, "error", err)
		return
	}
	assigned, ok := ev.(*dispatch.PlanAssigned)
	if !ok || assigned.WorkerID != c.config.WorkerID {
		return
	}

	if c.alreadyProcessed(assigned.PlanID) {
		c.logger.Debug("duplicate assignment suppressed", "plan_id", assigned.PlanID)
		return
	}

	if !c.busy.CompareAndSwap(false, true) {
		c.reject(ctx, assigned, env.EventID, "worker busy")
		return
	}
	defer c.busy.Store(false)

	plan, workspace, algorithm, err := c.lookupPlan(ctx, assigned.PlanID)
	if err != nil {
		c.logger.Error("plan lookup failed", "plan_id", assigned.PlanID, "error", err)
		c.reject(ctx, assigned, env.EventID, "plan lookup failed")
		return
	}

	planner, found := c.registry.Get(algorithm)
	if !found || !c.hasCapability(algorithm) {
		c.reject(ctx, assigned, env.EventID, fmt.Sprintf("capability %s not available", algorithm))
		return
	}

	if err := c.publishIntent(ctx, &dispatch.PlanAssignmentAccepted{
		EventMeta: c.eventMeta(time.Now().UTC()),
		PlanID:    assigned.PlanID,
		WorkerID:  c.config.WorkerID,
	}, env.EventID); err != nil {
		c.logger.Error("accept publish failed", "plan_id", assigned.PlanID, "error", err)
		return
	}

	c.markProcessed(assigned.PlanID)
	c.executePlan(ctx, assigned, env.EventID, planner, plan, workspace)
}

// executePlan runs the capability under a deadline inside the planner's
// assignment timeout and reports the result.
func (c *Component) executePlan(ctx context.Context, assigned *dispatch.PlanAssigned, causationID string,
	planner planalg.Planner, plan *dispatch.PathPlan, workspace dispatch.Workspace) {

	deadline := time.Duration(float64(assigned.TimeoutSeconds) * resultDeadlineFraction * float64(time.Second))
	planCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var graph *mapdata.Graph
	if c.store != nil {
		g, err := c.store.Graph(c.config.Graph)
		if err != nil {
			c.logger.Debug("map graph unavailable", "graph", c.config.Graph, "error", err)
		} else {
			graph = g
		}
	}

	started := time.Now()
	waypoints, err := planner.Plan(planCtx, planalg.Request{
		Graph:     graph,
		Workspace: workspace,
		Start:     plan.Start,
		Goal:      plan.Goal,
	})
	elapsed := time.Since(started)

	now := time.Now().UTC()
	if err != nil {
		c.plansFailed.Add(1)
		c.logger.Info("plan failed",
			"plan_id", assigned.PlanID, "algorithm", planner.Algorithm(),
			"elapsed", elapsed, "error", err)
		if perr := c.publishIntent(ctx, &dispatch.PlanFailed{
			EventMeta: c.eventMeta(now),
			PlanID:    assigned.PlanID,
			WorkerID:  c.config.WorkerID,
			Reason:    err.Error(),
		}, causationID); perr != nil {
			c.logger.Error("failure publish failed", "plan_id", assigned.PlanID, "error", perr)
		}
		return
	}

	c.plansCompleted.Add(1)
	c.logger.Info("plan completed",
		"plan_id", assigned.PlanID, "algorithm", planner.Algorithm(),
		"waypoints", len(waypoints), "elapsed", elapsed)
	if perr := c.publishIntent(ctx, &dispatch.PlanCompleted{
		EventMeta: c.eventMeta(now),
		PlanID:    assigned.PlanID,
		WorkerID:  c.config.WorkerID,
		Waypoints: waypoints,
	}, causationID); perr != nil {
		c.logger.Error("completion publish failed", "plan_id", assigned.PlanID, "error", perr)
	}
}

// lookupPlan rebuilds the planner's state from the log and extracts what
// the capability needs. Nothing is cached locally; the log is the source of
// truth across worker restarts.
func (c *Component) lookupPlan(ctx context.Context, planID string) (*dispatch.PathPlan, dispatch.Workspace, dispatch.PlanningAlgorithm, error) {
	envs, err := c.log.Load(ctx, c.config.PlannerID)
	if err != nil {
		return nil, dispatch.Workspace{}, "", err
	}
	agg, err := dispatch.Replay(envs, dispatch.DefaultAssignmentTimeoutSeconds)
	if err != nil {
		return nil, dispatch.Workspace{}, "", err
	}
	plan, ok := agg.Plans[planID]
	if !ok {
		return nil, dispatch.Workspace{}, "", fmt.Errorf("plan %s not in planner history", planID)
	}
	return plan, agg.Workspace, agg.Algorithm, nil
}

func (c *Component) reject(ctx context.Context, assigned *dispatch.PlanAssigned, causationID, reason string) {
	c.assignmentsRejected.Add(1)
	c.logger.Info("rejecting assignment",
		"plan_id", assigned.PlanID, "reason", reason)
	if err := c.publishIntent(ctx, &dispatch.PlanAssignmentRejected{
		EventMeta: c.eventMeta(time.Now().UTC()),
		PlanID:    assigned.PlanID,
		WorkerID:  c.config.WorkerID,
		Reason:    reason,
	}, causationID); err != nil {
		c.logger.Error("reject publish failed", "plan_id", assigned.PlanID, "error", err)
	}
}

func (c *Component) hasCapability(a dispatch.PlanningAlgorithm) bool {
	for _, cap := range c.config.ParsedCapabilities() {
		if cap == a {
			return true
		}
	}
	return false
}

func (c *Component) alreadyProcessed(planID string) bool {
	c.processedMu.Lock()
	defer c.processedMu.Unlock()
	_, ok := c.processed[planID]
	return ok
}

func (c *Component) markProcessed(planID string) {
	c.processedMu.Lock()
	defer c.processedMu.Unlock()
	c.processed[planID] = struct{}{}
}

// Stop halts assignment consumption and heartbeats.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("plan-worker stopped",
		"assignments_received", c.assignmentsReceived.Load(),
		"plans_completed", c.plansCompleted.Load(),
		"plans_failed", c.plansFailed.Load(),
		"assignments_rejected", c.assignmentsRejected.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "plan-worker",
		Type:        "processor",
		Description: "Executes planning capabilities for assignments from a planner",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return planWorkerSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
		if c.busy.Load() {
			status = "planning"
		}
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.plansFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesIn:  c.assignmentsReceived.Load(),
		MessagesOut: c.plansCompleted.Load() + c.plansFailed.Load() + c.assignmentsRejected.Load(),
		LastMessage: c.getLastActivity(),
	}
}

// IsRunning reports whether the component is started.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	defer c.lastActivityMu.Unlock()
	c.lastActivity = time.Now()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
