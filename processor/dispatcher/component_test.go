package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/planstream/dispatch"
	"github.com/c360studio/planstream/eventbus"
	"github.com/c360studio/planstream/eventlog"
)

func testConfig() Config {
	config := DefaultConfig()
	config.AssignmentTimeout = "1s"
	config.HeartbeatTimeout = "60s"
	return config
}

// newBootstrapped returns a component backed by in-memory ports with the
// aggregate created.
func newBootstrapped(t *testing.T, config Config) (*Component, *eventlog.MemoryLog, *eventbus.MemoryBus) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	bus := eventbus.NewMemoryBus(nil)
	c := newTestComponent(config, log, bus, nil)
	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return c, log, bus
}

func intent(t *testing.T, ev dispatch.Event) dispatch.EventEnvelope {
	t.Helper()
	env, err := dispatch.NewEnvelope(ev, dispatch.Metadata{Source: "test"})
	if err != nil {
		t.Fatalf("build intent envelope: %v", err)
	}
	return env
}

func meta(plannerID string) dispatch.EventMeta {
	return dispatch.EventMeta{
		PlannerID:    plannerID,
		Timestamp:    time.Now().UTC(),
		EventVersion: dispatch.CurrentEventVersion,
	}
}

func process(t *testing.T, c *Component, ev dispatch.Event) {
	t.Helper()
	if err := c.ProcessEnvelope(context.Background(), intent(t, ev)); err != nil {
		t.Fatalf("process %s: %v", ev.Type(), err)
	}
}

func TestBootstrapCreatesAggregate(t *testing.T) {
	c, log, _ := newBootstrapped(t, testConfig())

	agg := c.Aggregate()
	if agg == nil {
		t.Fatal("aggregate is nil after bootstrap")
	}
	if agg.Version != 1 {
		t.Errorf("version = %d, want 1", agg.Version)
	}
	if agg.PlannerID != "planner-1" {
		t.Errorf("planner id = %q, want planner-1", agg.PlannerID)
	}

	envs, err := log.Load(context.Background(), "planner-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(envs) != 1 || envs[0].EventType != dispatch.TypePlannerCreated {
		t.Fatalf("log = %v, want one PlannerCreated", envs)
	}
}

func TestBootstrapReplaysExistingLog(t *testing.T) {
	config := testConfig()
	log := eventlog.NewMemoryLog()
	bus := eventbus.NewMemoryBus(nil)

	// First instance creates the aggregate and registers a worker.
	first := newTestComponent(config, log, bus, nil)
	if err := first.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	process(t, first, &dispatch.WorkerRegistered{
		EventMeta:    meta("planner-1"),
		WorkerID:     "w1",
		Capabilities: []dispatch.PlanningAlgorithm{dispatch.AlgorithmAStar},
	})

	// A restart replays instead of re-creating.
	second := newTestComponent(config, log, bus, nil)
	if err := second.bootstrap(context.Background()); err != nil {
		t.Fatalf("re-bootstrap: %v", err)
	}
	agg := second.Aggregate()
	if agg.Version != 2 {
		t.Errorf("replayed version = %d, want 2", agg.Version)
	}
	if _, ok := agg.Workers["w1"]; !ok {
		t.Error("replayed aggregate lost worker w1")
	}
}

func TestIntentFlowAssignsPlan(t *testing.T) {
	c, log, bus := newBootstrapped(t, testConfig())

	ch, cancel, err := bus.Subscribe(context.Background(), eventbus.Filter{
		EventTypes: []dispatch.EventType{dispatch.TypePlanAssigned},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	process(t, c, &dispatch.WorkerRegistered{
		EventMeta:    meta("planner-1"),
		WorkerID:     "w1",
		Capabilities: []dispatch.PlanningAlgorithm{dispatch.AlgorithmAStar},
	})
	process(t, c, &dispatch.WorkerReady{EventMeta: meta("planner-1"), WorkerID: "w1"})
	process(t, c, &dispatch.PathPlanRequested{
		EventMeta: meta("planner-1"),
		PlanID:    "plan-1",
		RequestID: "req-1",
		AgentID:   "agent-1",
		Start:     dispatch.Position{X: 0, Y: 0},
		Goal:      dispatch.Position{X: 10, Y: 10},
	})

	agg := c.Aggregate()
	plan := agg.Plans["plan-1"]
	if plan == nil {
		t.Fatal("plan-1 missing from aggregate")
	}
	if plan.Status != dispatch.PlanStatusAssigned {
		t.Errorf("plan status = %s, want Assigned", plan.Status)
	}
	if agg.Workers["w1"].CurrentPlanID != "plan-1" {
		t.Errorf("worker current plan = %q, want plan-1", agg.Workers["w1"].CurrentPlanID)
	}

	select {
	case env := <-ch:
		if env.EventType != dispatch.TypePlanAssigned {
			t.Errorf("bus event = %s, want PlanAssigned", env.EventType)
		}
	default:
		t.Error("PlanAssigned never reached the bus")
	}

	envs, err := log.Load(context.Background(), "planner-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// PlannerCreated, WorkerRegistered, WorkerReady, PathPlanRequested,
	// PlanAssigned.
	if len(envs) != 5 {
		t.Errorf("log length = %d, want 5", len(envs))
	}
	if c.plansAssigned.Load() != 1 {
		t.Errorf("plansAssigned = %d, want 1", c.plansAssigned.Load())
	}
}

func TestDuplicateIntentSuppressed(t *testing.T) {
	c, _, _ := newBootstrapped(t, testConfig())

	env := intent(t, &dispatch.WorkerRegistered{
		EventMeta:    meta("planner-1"),
		WorkerID:     "w1",
		Capabilities: []dispatch.PlanningAlgorithm{dispatch.AlgorithmAStar},
	})
	if err := c.ProcessEnvelope(context.Background(), env); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	before := c.Aggregate().Version

	// Redelivery of the same envelope must be a no-op, not a domain
	// rejection for a duplicate worker.
	if err := c.ProcessEnvelope(context.Background(), env); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if got := c.Aggregate().Version; got != before {
		t.Errorf("version moved from %d to %d on redelivery", before, got)
	}
	if c.commandsRejected.Load() != 0 {
		t.Errorf("commandsRejected = %d, want 0", c.commandsRejected.Load())
	}
}

func TestDomainRejectionIsNotAnError(t *testing.T) {
	c, _, _ := newBootstrapped(t, testConfig())

	// Accept for a worker that was never registered: the aggregate refuses,
	// the component absorbs the rejection so the message gets acked.
	process(t, c, &dispatch.PlanAssignmentAccepted{
		EventMeta: meta("planner-1"),
		PlanID:    "plan-1",
		WorkerID:  "ghost",
	})

	if c.commandsRejected.Load() != 1 {
		t.Errorf("commandsRejected = %d, want 1", c.commandsRejected.Load())
	}
	if got := c.Aggregate().Version; got != 1 {
		t.Errorf("version = %d, want 1", got)
	}
}

func TestTickTimesOutAssignment(t *testing.T) {
	c, _, _ := newBootstrapped(t, testConfig())

	process(t, c, &dispatch.WorkerRegistered{
		EventMeta:    meta("planner-1"),
		WorkerID:     "w1",
		Capabilities: []dispatch.PlanningAlgorithm{dispatch.AlgorithmAStar},
	})
	process(t, c, &dispatch.WorkerReady{EventMeta: meta("planner-1"), WorkerID: "w1"})
	process(t, c, &dispatch.PathPlanRequested{
		EventMeta: meta("planner-1"),
		PlanID:    "plan-1",
		RequestID: "req-1",
		AgentID:   "agent-1",
		Start:     dispatch.Position{X: 0, Y: 0},
		Goal:      dispatch.Position{X: 10, Y: 10},
	})

	// Assignment timeout is 1s; a tick 2s out fires it.
	c.Tick(context.Background(), time.Now().UTC().Add(2*time.Second))

	agg := c.Aggregate()
	if got := agg.Plans["plan-1"].Status; got != dispatch.PlanStatusPlanning {
		t.Errorf("plan status = %s, want Planning", got)
	}
	if got := agg.Workers["w1"].Status; got != dispatch.WorkerStatusOffline {
		t.Errorf("worker status = %s, want Offline", got)
	}
	if c.timeoutsFired.Load() != 1 {
		t.Errorf("timeoutsFired = %d, want 1", c.timeoutsFired.Load())
	}
}

func TestTickMarksSilentWorkerOffline(t *testing.T) {
	c, _, _ := newBootstrapped(t, testConfig())

	process(t, c, &dispatch.WorkerRegistered{
		EventMeta:    meta("planner-1"),
		WorkerID:     "w1",
		Capabilities: []dispatch.PlanningAlgorithm{dispatch.AlgorithmAStar},
	})

	// Within the heartbeat window: nothing happens.
	c.Tick(context.Background(), time.Now().UTC().Add(30*time.Second))
	if got := c.Aggregate().Workers["w1"].Status; got != dispatch.WorkerStatusIdle {
		t.Fatalf("worker status = %s after quiet tick, want Idle", got)
	}

	// Past it: the worker goes offline.
	c.Tick(context.Background(), time.Now().UTC().Add(2*time.Minute))
	if got := c.Aggregate().Workers["w1"].Status; got != dispatch.WorkerStatusOffline {
		t.Errorf("worker status = %s, want Offline", got)
	}
	if c.workersOfflined.Load() != 1 {
		t.Errorf("workersOfflined = %d, want 1", c.workersOfflined.Load())
	}
}

func TestVersionConflictReloadsAndRetries(t *testing.T) {
	c, log, _ := newBootstrapped(t, testConfig())

	// Another writer appends behind the component's back.
	foreign := intent(t, &dispatch.WorkerRegistered{
		EventMeta:    meta("planner-1"),
		WorkerID:     "w1",
		Capabilities: []dispatch.PlanningAlgorithm{dispatch.AlgorithmAStar},
	})
	if _, err := log.Append(context.Background(), "planner-1", 1, []dispatch.EventEnvelope{foreign}); err != nil {
		t.Fatalf("foreign append: %v", err)
	}

	// The component's first append hits the conflict, reloads, and
	// succeeds on retry.
	process(t, c, &dispatch.WorkerRegistered{
		EventMeta:    meta("planner-1"),
		WorkerID:     "w2",
		Capabilities: []dispatch.PlanningAlgorithm{dispatch.AlgorithmAStar},
	})

	agg := c.Aggregate()
	if _, ok := agg.Workers["w1"]; !ok {
		t.Error("reload lost the foreign worker w1")
	}
	if _, ok := agg.Workers["w2"]; !ok {
		t.Error("retry lost the component's worker w2")
	}
	if agg.Version != 3 {
		t.Errorf("version = %d, want 3", agg.Version)
	}
	if c.conflictsRetried.Load() != 1 {
		t.Errorf("conflictsRetried = %d, want 1", c.conflictsRetried.Load())
	}
}

func TestNonIntentEventTypesIgnored(t *testing.T) {
	c, _, _ := newBootstrapped(t, testConfig())

	// PlanAssigned is planner output; seeing it inbound must not feed back.
	process(t, c, &dispatch.PlanAssigned{
		EventMeta:      meta("planner-1"),
		PlanID:         "plan-1",
		WorkerID:       "w1",
		TimeoutSeconds: 1,
		AssignedAt:     time.Now().UTC(),
	})

	if got := c.Aggregate().Version; got != 1 {
		t.Errorf("version = %d, want 1", got)
	}
}

func TestDedupRingEvictsOldest(t *testing.T) {
	r := newDedupRing(2)
	r.Add("a")
	r.Add("b")
	r.Add("c")

	if r.Seen("a") {
		t.Error("oldest id survived past capacity")
	}
	if !r.Seen("b") || !r.Seen("c") {
		t.Error("recent ids evicted early")
	}

	r.Add("b") // re-add is a no-op
	if !r.Seen("c") {
		t.Error("re-adding a present id evicted another")
	}
}
