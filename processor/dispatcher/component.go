// Package dispatcher runs the planner side of the dispatch protocol. One
// component instance owns one PathPlanner aggregate: it replays the durable
// log at startup, consumes intent envelopes from the inbound stream, decides
// them through the pure aggregate, appends the committed events with
// optimistic concurrency, and republishes them on the bus. A periodic tick
// fires assignment timeouts and marks silent workers offline.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/planstream/dispatch"
	"github.com/c360studio/planstream/eventbus"
	"github.com/c360studio/planstream/eventlog"
)

const sourceName = "dispatcher"

// Component implements the dispatcher processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	log eventlog.Log
	bus eventbus.Bus

	// agg is the single-writer aggregate; aggMu serializes the consume
	// loop against the tick loop.
	agg   *dispatch.PathPlanner
	aggMu sync.Mutex

	processed *dedupRing

	// JetStream consumer
	consumer jetstream.Consumer
	stream   jetstream.Stream

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	eventsConsumed   atomic.Int64
	commandsRejected atomic.Int64
	conflictsRetried atomic.Int64
	plansAssigned    atomic.Int64
	timeoutsFired    atomic.Int64
	workersOfflined  atomic.Int64
	lastActivityMu   sync.RWMutex
	lastActivity     time.Time
}

// NewComponent creates a new dispatcher processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.PlannerID == "" {
		config.PlannerID = defaults.PlannerID
	}
	if config.Algorithm == "" {
		config.Algorithm = defaults.Algorithm
	}
	if config.Workspace.Bounds == (dispatch.WorkspaceBounds{}) {
		config.Workspace = defaults.Workspace
	}
	if config.AssignmentTimeout == "" {
		config.AssignmentTimeout = defaults.AssignmentTimeout
	}
	if config.TickInterval == "" {
		config.TickInterval = defaults.TickInterval
	}
	if config.HeartbeatTimeout == "" {
		config.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.DedupWindow == 0 {
		config.DedupWindow = defaults.DedupWindow
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "dispatcher",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		processed:  newDedupRing(config.DedupWindow),
	}, nil
}

// newTestComponent wires a component directly onto log and bus ports,
// bypassing NATS. Used by tests.
func newTestComponent(config Config, log eventlog.Log, bus eventbus.Bus, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:      "dispatcher",
		config:    config,
		logger:    logger,
		log:       log,
		bus:       bus,
		processed: newDedupRing(config.DedupWindow),
	}
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized dispatcher",
		"planner_id", c.config.PlannerID,
		"algorithm", c.config.Algorithm,
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName)
	return nil
}

// Start replays the aggregate and begins consuming intents.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil && c.log == nil {
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
		if _, err := eventlog.EnsureStream(subCtx, js); err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("ensure log stream: %w", err)
		}
		stream, err := eventlog.EnsureInboundStream(subCtx, js)
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("ensure inbound stream: %w", err)
		}
		c.stream = stream
		c.log = eventlog.NewJetStreamLog(js, c.logger)
		c.bus = eventbus.NewNATSBus(c.natsClient, c.logger)

		consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
			Durable:       c.config.ConsumerName + "-" + c.config.PlannerID,
			FilterSubject: dispatch.InboundSubjectAll(c.config.PlannerID),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    3,
		})
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("create consumer: %w", err)
		}
		c.consumer = consumer
	}

	if err := c.bootstrap(subCtx); err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("bootstrap aggregate: %w", err)
	}

	if c.consumer != nil {
		go c.consumeLoop(subCtx)
	}
	go c.tickLoop(subCtx)

	c.logger.Info("dispatcher started",
		"planner_id", c.config.PlannerID,
		"algorithm", c.config.Algorithm,
		"version", c.aggregateVersion(),
		"tick_interval", c.config.GetTickInterval())

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// bootstrap replays the aggregate from the log, creating it on first run.
func (c *Component) bootstrap(ctx context.Context) error {
	envs, err := c.log.Load(ctx, c.config.PlannerID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	timeoutSeconds := int(c.config.GetAssignmentTimeout() / time.Second)
	if len(envs) > 0 {
		agg, err := dispatch.Replay(envs, timeoutSeconds)
		if err != nil {
			return err
		}
		c.aggMu.Lock()
		c.agg = agg
		c.aggMu.Unlock()
		c.logger.Info("aggregate replayed",
			"planner_id", c.config.PlannerID,
			"events", len(envs),
			"plans", len(agg.Plans),
			"workers", len(agg.Workers))
		return nil
	}

	algorithm, err := dispatch.ParseAlgorithm(c.config.Algorithm)
	if err != nil {
		return err
	}
	c.aggMu.Lock()
	defer c.aggMu.Unlock()
	c.agg = dispatch.NewPathPlanner(timeoutSeconds)
	if err := c.runCommandLocked(ctx, dispatch.CreatePlanner{
		PlannerID: c.config.PlannerID,
		Algorithm: algorithm,
		Workspace: c.config.Workspace,
		Now:       time.Now().UTC(),
	}, dispatch.Metadata{Source: sourceName}); err != nil {
		return err
	}
	c.logger.Info("aggregate created", "planner_id", c.config.PlannerID)
	return nil
}

// consumeLoop continuously consumes intent envelopes.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleIntent(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleIntent decodes one inbound envelope and runs it through the
// aggregate. Domain rejections ACK (redelivery cannot fix them); only
// infrastructure failures NAK.
func (c *Component) handleIntent(ctx context.Context, msg jetstream.Msg) {
	c.eventsConsumed.Add(1)
	c.updateLastActivity()

	env, err := dispatch.DecodeEnvelope(msg.Data())
	if err != nil {
		c.logger.Error("dropping undecodable intent", "subject", msg.Subject(), "error", err)
		_ = msg.Ack()
		return
	}

	if err := c.ProcessEnvelope(ctx, env); err != nil {
		if dispatch.IsVersionConflict(err) {
			c.logger.Error("version conflict persisted after retry",
				"event_id", env.EventID, "error", err)
			_ = msg.Nak()
			return
		}
		c.logger.Error("intent processing failed",
			"event_id", env.EventID, "event_type", env.EventType, "error", err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// ProcessEnvelope runs one intent envelope through the aggregate: dedup,
// derive command, decide, persist, apply, republish.
func (c *Component) ProcessEnvelope(ctx context.Context, env dispatch.EventEnvelope) error {
	c.aggMu.Lock()
	defer c.aggMu.Unlock()

	if c.processed.Seen(env.EventID) {
		c.logger.Debug("duplicate intent suppressed", "event_id", env.EventID)
		return nil
	}

	cmd, ok, err := c.commandFor(&env)
	if err != nil {
		c.logger.Warn("unusable intent", "event_id", env.EventID, "error", err)
		c.processed.Add(env.EventID)
		return nil
	}
	if !ok {
		c.logger.Debug("ignoring non-intent event type",
			"event_id", env.EventID, "event_type", env.EventType)
		c.processed.Add(env.EventID)
		return nil
	}

	meta := dispatch.Metadata{
		CorrelationID: env.Metadata.CorrelationID,
		CausationID:   env.EventID,
		Source:        sourceName,
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = env.EventID
	}

	if err := c.runCommandLocked(ctx, cmd, meta); err != nil {
		return err
	}
	c.processed.Add(env.EventID)
	return nil
}

// commandFor maps an intent envelope to its aggregate command. The bool is
// false for event types that are planner outputs, not intents.
func (c *Component) commandFor(env *dispatch.EventEnvelope) (dispatch.Command, bool, error) {
	ev, err := env.Event()
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()

	switch e := ev.(type) {
	case *dispatch.PathPlanRequested:
		return dispatch.RequestPathPlan{
			Request: dispatch.PathPlanRequest{
				RequestID:        e.RequestID,
				AgentID:          e.AgentID,
				Start:            e.Start,
				Goal:             e.Goal,
				StartOrientation: e.StartOrientation,
				GoalOrientation:  e.GoalOrientation,
			},
			// Keep a client-minted plan id when present so the caller can
			// correlate; mint otherwise.
			MintID: func() string {
				if e.PlanID != "" {
					return e.PlanID
				}
				return uuid.New().String()
			},
			Now:    now,
		}, true, nil
	case *dispatch.WorkerRegistered:
		return dispatch.RegisterWorker{WorkerID: e.WorkerID, Capabilities: e.Capabilities, Now: now}, true, nil
	case *dispatch.WorkerReady:
		return dispatch.MarkWorkerReady{WorkerID: e.WorkerID, Now: now}, true, nil
	case *dispatch.WorkerOffline:
		return dispatch.MarkWorkerOffline{WorkerID: e.WorkerID, Reason: e.Reason, Now: now}, true, nil
	case *dispatch.PlanAssignmentAccepted:
		return dispatch.AcceptAssignment{WorkerID: e.WorkerID, PlanID: e.PlanID, Now: now}, true, nil
	case *dispatch.PlanAssignmentRejected:
		return dispatch.RejectAssignment{WorkerID: e.WorkerID, PlanID: e.PlanID, Reason: e.Reason, Now: now}, true, nil
	case *dispatch.PlanCompleted:
		return dispatch.CompletePlan{WorkerID: e.WorkerID, PlanID: e.PlanID, Waypoints: e.Waypoints, Now: now}, true, nil
	case *dispatch.PlanFailed:
		return dispatch.FailPlan{WorkerID: e.WorkerID, PlanID: e.PlanID, Reason: e.Reason, Now: now}, true, nil
	default:
		return nil, false, nil
	}
}

// runCommandLocked decides a command, persists the events, applies them,
// and republishes. Caller holds aggMu. A version conflict means another
// writer touched the log; the aggregate reloads and retries once.
func (c *Component) runCommandLocked(ctx context.Context, cmd dispatch.Command, meta dispatch.Metadata) error {
	attempt := func() error {
		events, err := c.agg.HandleCommand(cmd)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		envs := make([]dispatch.EventEnvelope, 0, len(events))
		for _, ev := range events {
			env, err := dispatch.NewEnvelope(ev, meta)
			if err != nil {
				return err
			}
			envs = append(envs, env)
		}

		if _, err := c.log.Append(ctx, c.config.PlannerID, c.agg.Version, envs); err != nil {
			return err
		}
		for _, ev := range events {
			c.agg.ApplyEvent(ev)
			c.noteCommitted(ev)
		}
		for _, env := range envs {
			if err := c.bus.Publish(ctx, env); err != nil {
				c.logger.Warn("bus publish failed", "event_id", env.EventID, "error", err)
			}
		}
		return nil
	}

	err := attempt()
	if err == nil {
		return nil
	}
	var derr *dispatch.DomainError
	if errors.As(err, &derr) {
		c.commandsRejected.Add(1)
		c.logger.Info("command rejected", "reason", derr.Error())
		return nil
	}
	if !dispatch.IsVersionConflict(err) {
		return err
	}

	c.conflictsRetried.Add(1)
	c.logger.Warn("version conflict, reloading aggregate", "error", err)
	if err := c.reloadLocked(ctx); err != nil {
		return err
	}
	if err := attempt(); err != nil {
		if errors.As(err, &derr) {
			c.commandsRejected.Add(1)
			c.logger.Info("command rejected after reload", "reason", derr.Error())
			return nil
		}
		return err
	}
	return nil
}

// reloadLocked rebuilds the aggregate from the full log.
func (c *Component) reloadLocked(ctx context.Context) error {
	envs, err := c.log.Load(ctx, c.config.PlannerID)
	if err != nil {
		return fmt.Errorf("reload history: %w", err)
	}
	agg, err := dispatch.Replay(envs, int(c.config.GetAssignmentTimeout()/time.Second))
	if err != nil {
		return err
	}
	c.agg = agg
	return nil
}

// noteCommitted updates per-event metrics.
func (c *Component) noteCommitted(ev dispatch.Event) {
	switch ev.Type() {
	case dispatch.TypePlanAssigned:
		c.plansAssigned.Add(1)
	case dispatch.TypePlanAssignmentTimedOut:
		c.timeoutsFired.Add(1)
	case dispatch.TypeWorkerOffline:
		c.workersOfflined.Add(1)
	}
}

// tickLoop runs the timeout scan, starting with an immediate pass.
func (c *Component) tickLoop(ctx context.Context) {
	c.Tick(ctx, time.Now().UTC())

	ticker := time.NewTicker(c.config.GetTickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Tick(ctx, now.UTC())
		}
	}
}

// Tick fires TimeoutAssignment for every assignment whose deadline has
// passed (inclusive) and marks workers offline after heartbeat silence.
func (c *Component) Tick(ctx context.Context, now time.Time) {
	c.aggMu.Lock()
	defer c.aggMu.Unlock()
	if c.agg == nil {
		return
	}

	for _, a := range c.agg.LiveAssignments() {
		if a.TimeoutAt.After(now) {
			continue
		}
		c.logger.Info("assignment timed out",
			"plan_id", a.PlanID, "worker_id", a.WorkerID, "timeout_at", a.TimeoutAt)
		if err := c.runCommandLocked(ctx, dispatch.TimeoutAssignment{
			WorkerID: a.WorkerID, PlanID: a.PlanID, Now: now,
		}, dispatch.Metadata{Source: sourceName}); err != nil {
			c.logger.Error("timeout command failed", "plan_id", a.PlanID, "error", err)
		}
	}

	cutoff := now.Add(-c.config.GetHeartbeatTimeout())
	for _, w := range c.agg.Workers {
		if w.Status == dispatch.WorkerStatusOffline {
			continue
		}
		if w.LastHeartbeat.After(cutoff) {
			continue
		}
		c.logger.Info("worker heartbeat stale",
			"worker_id", w.WorkerID, "last_heartbeat", w.LastHeartbeat)
		if err := c.runCommandLocked(ctx, dispatch.MarkWorkerOffline{
			WorkerID: w.WorkerID, Reason: "heartbeat timeout", Now: now,
		}, dispatch.Metadata{Source: sourceName}); err != nil {
			c.logger.Error("offline command failed", "worker_id", w.WorkerID, "error", err)
		}
	}
}

// Aggregate returns a snapshot copy of the aggregate for inspection.
func (c *Component) Aggregate() *dispatch.PathPlanner {
	c.aggMu.Lock()
	defer c.aggMu.Unlock()
	if c.agg == nil {
		return nil
	}
	return c.agg.Clone()
}

func (c *Component) aggregateVersion() uint64 {
	c.aggMu.Lock()
	defer c.aggMu.Unlock()
	if c.agg == nil {
		return 0
	}
	return c.agg.Version
}

// Stop halts consumption and the tick loop.
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
	c.logger.Info("dispatcher stopped",
		"events_consumed", c.eventsConsumed.Load(),
		"commands_rejected", c.commandsRejected.Load(),
		"plans_assigned", c.plansAssigned.Load(),
		"timeouts_fired", c.timeoutsFired.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "dispatcher",
		Type:        "processor",
		Description: "Owns a path-planner aggregate: decides intents, persists events, fires timeouts",
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
	return dispatcherSchema
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
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.commandsRejected.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesIn:  c.eventsConsumed.Load(),
		MessagesOut: c.plansAssigned.Load(),
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

// dedupRing remembers the last N event ids in insertion order.
type dedupRing struct {
	capacity int
	ids      map[string]struct{}
	order    []string
}

func newDedupRing(capacity int) *dedupRing {
	return &dedupRing{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
	}
}

func (r *dedupRing) Seen(id string) bool {
	_, ok := r.ids[id]
	return ok
}

func (r *dedupRing) Add(id string) {
	if _, ok := r.ids[id]; ok {
		return
	}
	if len(r.order) >= r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.ids, oldest)
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
}
