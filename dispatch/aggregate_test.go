package dispatch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWorkspace = Workspace{
	Bounds: WorkspaceBounds{MinX: -100, MaxX: 100, MinY: -100, MaxY: 100},
}

func testClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func sequentialMinter(prefix string) IDMinter {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// decide runs a command and applies the produced events, returning them.
func decide(t *testing.T, p *PathPlanner, cmd Command) []Event {
	t.Helper()
	events, err := p.HandleCommand(cmd)
	require.NoError(t, err)
	for _, ev := range events {
		p.ApplyEvent(ev)
	}
	checkInvariants(t, p)
	return events
}

// checkInvariants asserts the structural invariants that must hold after
// every apply, not just at scenario ends.
func checkInvariants(t *testing.T, p *PathPlanner) {
	t.Helper()
	seenWorker := make(map[string]string)
	for planID, a := range p.Assignments {
		require.Equal(t, planID, a.PlanID)
		prev, dup := seenWorker[a.WorkerID]
		require.False(t, dup, "worker %s holds assignments for %s and %s", a.WorkerID, prev, planID)
		seenWorker[a.WorkerID] = planID
	}
	for _, w := range p.Workers {
		if w.CurrentPlanID != "" {
			require.Equal(t, WorkerStatusBusy, w.Status, "worker %s has a current plan but is %s", w.WorkerID, w.Status)
			a := p.AssignmentForPlan(w.CurrentPlanID)
			require.NotNil(t, a, "worker %s points at plan %s with no assignment", w.WorkerID, w.CurrentPlanID)
			require.Equal(t, w.WorkerID, a.WorkerID)
		}
	}
	for _, plan := range p.Plans {
		switch plan.Status {
		case PlanStatusAssigned, PlanStatusInProgress:
			a := p.AssignmentForPlan(plan.PlanID)
			require.NotNil(t, a, "plan %s is %s with no assignment", plan.PlanID, plan.Status)
			if plan.Status == PlanStatusInProgress {
				require.Equal(t, WorkerStatusBusy, p.Workers[a.WorkerID].Status)
			}
		default:
			require.Nil(t, p.AssignmentForPlan(plan.PlanID),
				"plan %s is %s but still has a live assignment", plan.PlanID, plan.Status)
		}
	}
}

func newTestPlanner(t *testing.T, now func() time.Time) *PathPlanner {
	t.Helper()
	p := NewPathPlanner(0)
	decide(t, p, CreatePlanner{
		PlannerID: "p1",
		Algorithm: AlgorithmAStar,
		Workspace: testWorkspace,
		Now:       now(),
	})
	return p
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type()
	}
	return out
}

func TestHappyPath(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mint := sequentialMinter("plan")
	p := newTestPlanner(t, clock)

	var all []Event
	all = append(all, decide(t, p, RegisterWorker{
		WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock(),
	})...)
	all = append(all, decide(t, p, MarkWorkerReady{WorkerID: "w1", Now: clock()})...)
	all = append(all, decide(t, p, RequestPathPlan{
		Request: PathPlanRequest{
			RequestID: "req-1", AgentID: "agent-1",
			Start: Position{X: 10, Y: 20}, Goal: Position{X: 50, Y: 80},
		},
		MintID: mint,
		Now:    clock(),
	})...)

	assert.Equal(t, []EventType{
		TypeWorkerRegistered,
		TypeWorkerReady,
		TypePathPlanRequested,
		TypePlanAssigned,
	}, eventTypes(all))

	plan := p.Plans["plan-1"]
	require.NotNil(t, plan)
	assert.Equal(t, PlanStatusAssigned, plan.Status)
	assert.Equal(t, "plan-1", p.Workers["w1"].CurrentPlanID)
	assert.Equal(t, WorkerStatusBusy, p.Workers["w1"].Status)
	assert.Equal(t, uint64(5), p.Version)
}

func TestCompletionCycle(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	decide(t, p, RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})
	decide(t, p, MarkWorkerReady{WorkerID: "w1", Now: clock()})
	decide(t, p, RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: 10, Y: 20}, Goal: Position{X: 50, Y: 80}},
		MintID:  sequentialMinter("plan"),
		Now:     clock(),
	})

	accepted := decide(t, p, AcceptAssignment{WorkerID: "w1", PlanID: "plan-1", Now: clock()})
	assert.Equal(t, []EventType{TypePlanAssignmentAccepted}, eventTypes(accepted))
	assert.Equal(t, PlanStatusInProgress, p.Plans["plan-1"].Status)

	waypoints := []Position{{X: 20, Y: 30}, {X: 35, Y: 55}, {X: 50, Y: 80}}
	completed := decide(t, p, CompletePlan{WorkerID: "w1", PlanID: "plan-1", Waypoints: waypoints, Now: clock()})
	assert.Equal(t, []EventType{TypePlanCompleted, TypeWorkerReady}, eventTypes(completed))

	plan := p.Plans["plan-1"]
	assert.Equal(t, PlanStatusComplete, plan.Status)
	assert.Equal(t, waypoints, plan.Waypoints)
	worker := p.Workers["w1"]
	assert.Equal(t, WorkerStatusIdle, worker.Status)
	assert.Empty(t, worker.CurrentPlanID)
	assert.Nil(t, p.AssignmentForPlan("plan-1"))
}

func TestOutOfBoundsRejected(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	before := p.Clone()

	_, err := p.HandleCommand(RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: -200, Y: 20}, Goal: Position{X: 50, Y: 80}},
		MintID:  sequentialMinter("plan"),
		Now:     clock(),
	})
	require.Error(t, err)
	require.True(t, IsDomainError(err, ErrKindPositionOutOfBounds))
	var derr *DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "start", derr.Which)
	assert.Equal(t, before, p, "rejected command must leave the aggregate untouched")
}

func TestBoundsEdgeIsInside(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)

	events, err := p.HandleCommand(RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: -100, Y: 100}, Goal: Position{X: 100, Y: -100}},
		MintID:  sequentialMinter("plan"),
		Now:     clock(),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TypePathPlanRequested, events[0].Type())
}

func TestDuplicateWorker(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	decide(t, p, RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})

	_, err := p.HandleCommand(RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})
	require.True(t, IsDomainError(err, ErrKindDuplicateWorker))
	assert.Equal(t, uint64(2), p.Version, "second registration must not append")
}

func TestAssignmentTimeout(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := NewPathPlanner(1)
	decide(t, p, CreatePlanner{PlannerID: "p1", Algorithm: AlgorithmAStar, Workspace: testWorkspace, Now: clock()})
	decide(t, p, RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})
	decide(t, p, MarkWorkerReady{WorkerID: "w1", Now: clock()})
	decide(t, p, RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: 0, Y: 0}, Goal: Position{X: 1, Y: 1}},
		MintID:  sequentialMinter("plan"),
		Now:     clock(),
	})

	a := p.AssignmentForPlan("plan-1")
	require.NotNil(t, a)

	// Two seconds later the one-second deadline has passed.
	events := decide(t, p, TimeoutAssignment{WorkerID: "w1", PlanID: "plan-1", Now: a.TimeoutAt.Add(2 * time.Second)})
	assert.Equal(t, []EventType{TypePlanAssignmentTimedOut}, eventTypes(events))
	assert.Equal(t, PlanStatusPlanning, p.Plans["plan-1"].Status)
	assert.Equal(t, WorkerStatusOffline, p.Workers["w1"].Status)
	assert.Nil(t, p.AssignmentForPlan("plan-1"))
}

func TestFIFOUnderContention(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := testClock(base)
	mint := sequentialMinter("plan")
	p := newTestPlanner(t, clock)
	decide(t, p, RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})

	// No idle worker yet: both requests stay Planning.
	decide(t, p, RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: 0, Y: 0}, Goal: Position{X: 1, Y: 1}},
		MintID:  mint, Now: clock(),
	})
	decide(t, p, RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: 2, Y: 2}, Goal: Position{X: 3, Y: 3}},
		MintID:  mint, Now: clock(),
	})
	require.Equal(t, PlanStatusPlanning, p.Plans["plan-1"].Status)
	require.Equal(t, PlanStatusPlanning, p.Plans["plan-2"].Status)

	events := decide(t, p, MarkWorkerReady{WorkerID: "w1", Now: clock()})
	require.Len(t, events, 2)
	assigned, ok := events[1].(*PlanAssigned)
	require.True(t, ok)
	assert.Equal(t, "plan-1", assigned.PlanID, "older plan must win")
	assert.Equal(t, "w1", assigned.WorkerID)
	assert.Equal(t, PlanStatusPlanning, p.Plans["plan-2"].Status)
}

func TestCapabilityMismatchNeverAssigned(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	decide(t, p, RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmRRT}, Now: clock()})
	decide(t, p, MarkWorkerReady{WorkerID: "w1", Now: clock()})

	events := decide(t, p, RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: 0, Y: 0}, Goal: Position{X: 1, Y: 1}},
		MintID:  sequentialMinter("plan"),
		Now:     clock(),
	})
	assert.Equal(t, []EventType{TypePathPlanRequested}, eventTypes(events))
	assert.Equal(t, PlanStatusPlanning, p.Plans["plan-1"].Status)
}

func TestRejectReleasesAndRedispatches(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	decide(t, p, RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})
	decide(t, p, RegisterWorker{WorkerID: "w2", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})
	decide(t, p, MarkWorkerReady{WorkerID: "w1", Now: clock()})
	decide(t, p, MarkWorkerReady{WorkerID: "w2", Now: clock()})
	decide(t, p, RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: 0, Y: 0}, Goal: Position{X: 1, Y: 1}},
		MintID:  sequentialMinter("plan"),
		Now:     clock(),
	})
	require.Equal(t, "w1", p.AssignmentForPlan("plan-1").WorkerID)

	events := decide(t, p, RejectAssignment{WorkerID: "w1", PlanID: "plan-1", Reason: "overloaded", Now: clock()})
	require.Equal(t, []EventType{TypePlanAssignmentRejected, TypePlanAssigned}, eventTypes(events))
	assert.Equal(t, "w2", p.AssignmentForPlan("plan-1").WorkerID)
	assert.Equal(t, WorkerStatusIdle, p.Workers["w1"].Status)
}

func TestWorkerOfflineReleasesPlan(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	decide(t, p, RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})
	decide(t, p, MarkWorkerReady{WorkerID: "w1", Now: clock()})
	decide(t, p, RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: 0, Y: 0}, Goal: Position{X: 1, Y: 1}},
		MintID:  sequentialMinter("plan"),
		Now:     clock(),
	})
	decide(t, p, AcceptAssignment{WorkerID: "w1", PlanID: "plan-1", Now: clock()})
	require.Equal(t, PlanStatusInProgress, p.Plans["plan-1"].Status)

	decide(t, p, MarkWorkerOffline{WorkerID: "w1", Reason: "heartbeat timeout", Now: clock()})
	assert.Equal(t, WorkerStatusOffline, p.Workers["w1"].Status)
	assert.Equal(t, PlanStatusPlanning, p.Plans["plan-1"].Status)
	assert.Nil(t, p.AssignmentForPlan("plan-1"))
}

func TestHeartbeatWhileBusyKeepsAssignment(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	decide(t, p, RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})
	decide(t, p, MarkWorkerReady{WorkerID: "w1", Now: clock()})
	decide(t, p, RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: 0, Y: 0}, Goal: Position{X: 1, Y: 1}},
		MintID:  sequentialMinter("plan"),
		Now:     clock(),
	})
	decide(t, p, AcceptAssignment{WorkerID: "w1", PlanID: "plan-1", Now: clock()})

	beat := clock()
	decide(t, p, MarkWorkerReady{WorkerID: "w1", Now: beat})
	worker := p.Workers["w1"]
	assert.Equal(t, WorkerStatusBusy, worker.Status, "heartbeat must not free a busy worker")
	assert.Equal(t, "plan-1", worker.CurrentPlanID)
	assert.Equal(t, beat, worker.LastHeartbeat)
	assert.Equal(t, PlanStatusInProgress, p.Plans["plan-1"].Status)
}

func TestAcceptWithoutAssignment(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	decide(t, p, RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})

	_, err := p.HandleCommand(AcceptAssignment{WorkerID: "w1", PlanID: "nope", Now: clock()})
	assert.True(t, IsDomainError(err, ErrKindNoLiveAssignment))
}

func TestCompleteTerminalPlanFails(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	decide(t, p, RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})
	decide(t, p, MarkWorkerReady{WorkerID: "w1", Now: clock()})
	decide(t, p, RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: 0, Y: 0}, Goal: Position{X: 1, Y: 1}},
		MintID:  sequentialMinter("plan"),
		Now:     clock(),
	})
	decide(t, p, AcceptAssignment{WorkerID: "w1", PlanID: "plan-1", Now: clock()})
	decide(t, p, CompletePlan{WorkerID: "w1", PlanID: "plan-1", Waypoints: []Position{{X: 1, Y: 1}}, Now: clock()})

	_, err := p.HandleCommand(CompletePlan{WorkerID: "w1", PlanID: "plan-1", Waypoints: nil, Now: clock()})
	require.True(t, IsDomainError(err, ErrKindPlanNotInState))
	var derr *DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, PlanStatusComplete, derr.Actual)
}

func TestCreatePlannerTwice(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	_, err := p.HandleCommand(CreatePlanner{PlannerID: "p1", Algorithm: AlgorithmAStar, Workspace: testWorkspace, Now: clock()})
	assert.True(t, IsDomainError(err, ErrKindInvalidCommand))
}

func TestReadyUnknownWorker(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, clock)
	_, err := p.HandleCommand(MarkWorkerReady{WorkerID: "ghost", Now: clock()})
	assert.True(t, IsDomainError(err, ErrKindUnknownWorker))
}

// TestReplayDeterminism folds the same event stream twice and through the
// envelope codec, expecting value-equal aggregates each time.
func TestReplayDeterminism(t *testing.T) {
	clock := testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := NewPathPlanner(0)

	var stream []Event
	run := func(cmd Command) {
		t.Helper()
		stream = append(stream, decide(t, p, cmd)...)
	}
	run(CreatePlanner{PlannerID: "p1", Algorithm: AlgorithmAStar, Workspace: testWorkspace, Now: clock()})
	run(RegisterWorker{WorkerID: "w1", Capabilities: []PlanningAlgorithm{AlgorithmAStar}, Now: clock()})
	run(MarkWorkerReady{WorkerID: "w1", Now: clock()})
	run(RequestPathPlan{
		Request: PathPlanRequest{Start: Position{X: 0, Y: 0}, Goal: Position{X: 9, Y: 9}},
		MintID:  sequentialMinter("plan"), Now: clock(),
	})
	run(AcceptAssignment{WorkerID: "w1", PlanID: "plan-1", Now: clock()})
	run(CompletePlan{WorkerID: "w1", PlanID: "plan-1", Waypoints: []Position{{X: 9, Y: 9}}, Now: clock()})

	replayed := NewPathPlanner(0)
	for _, ev := range stream {
		replayed.ApplyEvent(ev)
	}
	assert.Equal(t, p, replayed)

	// Through the wire codec as well.
	envs := make([]EventEnvelope, 0, len(stream))
	for _, ev := range stream {
		env, err := NewEnvelope(ev, Metadata{Source: "test"})
		require.NoError(t, err)
		data, err := env.Encode()
		require.NoError(t, err)
		decoded, err := DecodeEnvelope(data)
		require.NoError(t, err)
		envs = append(envs, decoded)
	}
	fromLog, err := Replay(envs, 0)
	require.NoError(t, err)
	assert.Equal(t, p, fromLog)
	assert.Equal(t, uint64(len(stream)), fromLog.Version)
}
