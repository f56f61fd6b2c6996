package dispatch

import (
	"fmt"
	"sort"
	"time"
)

// DefaultAssignmentTimeoutSeconds is the assignment deadline when the
// configuration does not override it.
const DefaultAssignmentTimeoutSeconds = 300

// PathPlanner is the dispatch aggregate: one logical writer owns all plans,
// workers, and assignments for one planner id. The struct is plain state;
// HandleCommand and ApplyEvent are the only ways it changes, and only
// ApplyEvent mutates. Version counts applied events and doubles as the
// optimistic-concurrency token.
type PathPlanner struct {
	PlannerID string
	Algorithm PlanningAlgorithm
	Workspace Workspace

	// Plans holds every plan ever requested, terminal ones included.
	Plans map[string]*PathPlan

	// Workers holds every worker ever registered, offline ones included.
	Workers map[string]*Worker

	// Assignments holds the live assignments, keyed by plan id. The
	// per-worker index is derived and kept in lockstep.
	Assignments map[string]*Assignment

	Version uint64

	// AssignmentTimeoutSeconds is stamped on PlanAssigned events produced by
	// auto-dispatch.
	AssignmentTimeoutSeconds int

	byWorker map[string]string // worker_id → plan_id of its live assignment
}

// NewPathPlanner returns an empty aggregate. timeoutSeconds <= 0 selects the
// default.
func NewPathPlanner(timeoutSeconds int) *PathPlanner {
	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultAssignmentTimeoutSeconds
	}
	return &PathPlanner{
		Plans:                    make(map[string]*PathPlan),
		Workers:                  make(map[string]*Worker),
		Assignments:              make(map[string]*Assignment),
		AssignmentTimeoutSeconds: timeoutSeconds,
		byWorker:                 make(map[string]string),
	}
}

// AssignmentForPlan returns the live assignment for a plan, or nil.
func (p *PathPlanner) AssignmentForPlan(planID string) *Assignment {
	return p.Assignments[planID]
}

// AssignmentForWorker returns the live assignment held by a worker, or nil.
func (p *PathPlanner) AssignmentForWorker(workerID string) *Assignment {
	if planID, ok := p.byWorker[workerID]; ok {
		return p.Assignments[planID]
	}
	return nil
}

// LiveAssignments returns the live assignments ordered by plan id, for
// deterministic iteration in the runtime's timeout scan.
func (p *PathPlanner) LiveAssignments() []Assignment {
	out := make([]Assignment, 0, len(p.Assignments))
	for _, a := range p.Assignments {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out
}

// Clone deep-copies the aggregate. HandleCommand works on a clone so the
// receiver is never mutated.
func (p *PathPlanner) Clone() *PathPlanner {
	c := &PathPlanner{
		PlannerID:                p.PlannerID,
		Algorithm:                p.Algorithm,
		Workspace:                p.Workspace,
		Plans:                    make(map[string]*PathPlan, len(p.Plans)),
		Workers:                  make(map[string]*Worker, len(p.Workers)),
		Assignments:              make(map[string]*Assignment, len(p.Assignments)),
		Version:                  p.Version,
		AssignmentTimeoutSeconds: p.AssignmentTimeoutSeconds,
		byWorker:                 make(map[string]string, len(p.byWorker)),
	}
	c.Workspace.Obstacles = append([]Obstacle(nil), p.Workspace.Obstacles...)
	for id, plan := range p.Plans {
		cp := *plan
		cp.Waypoints = append([]Position(nil), plan.Waypoints...)
		c.Plans[id] = &cp
	}
	for id, w := range p.Workers {
		cw := *w
		cw.Capabilities = append([]PlanningAlgorithm(nil), w.Capabilities...)
		c.Workers[id] = &cw
	}
	for id, a := range p.Assignments {
		ca := *a
		c.Assignments[id] = &ca
	}
	for w, pl := range p.byWorker {
		c.byWorker[w] = pl
	}
	return c
}

// ---------------------------------------------------------------------------
// Command handling
// ---------------------------------------------------------------------------

// HandleCommand validates cmd against the current state and returns the
// events it produces, without mutating the receiver. Applying the returned
// events in order yields the next state; the new version is Version + n.
func (p *PathPlanner) HandleCommand(cmd Command) ([]Event, error) {
	switch c := cmd.(type) {
	case CreatePlanner:
		return p.handleCreate(c)
	case RegisterWorker:
		return p.handleRegisterWorker(c)
	case MarkWorkerReady:
		return p.handleWorkerReady(c)
	case RequestPathPlan:
		return p.handleRequest(c)
	case AcceptAssignment:
		return p.handleAccept(c)
	case CompletePlan:
		return p.handleComplete(c)
	case FailPlan:
		return p.handleFail(c)
	case RejectAssignment:
		return p.handleReject(c)
	case TimeoutAssignment:
		return p.handleTimeout(c)
	case MarkWorkerOffline:
		return p.handleWorkerOffline(c)
	default:
		return nil, &DomainError{Kind: ErrKindInvalidCommand, Reason: fmt.Sprintf("unhandled command %T", cmd)}
	}
}

func (p *PathPlanner) handleCreate(c CreatePlanner) ([]Event, error) {
	if p.Version > 0 {
		return nil, &DomainError{Kind: ErrKindInvalidCommand, Reason: "planner already created"}
	}
	if c.PlannerID == "" {
		return nil, &DomainError{Kind: ErrKindInvalidCommand, Reason: "planner_id is required"}
	}
	if _, err := ParseAlgorithm(string(c.Algorithm)); err != nil {
		return nil, &DomainError{Kind: ErrKindInvalidCommand, Reason: err.Error()}
	}
	return []Event{&PlannerCreated{
		EventMeta: newMeta(c.PlannerID, c.Now),
		Algorithm: c.Algorithm,
		Workspace: c.Workspace,
	}}, nil
}

func (p *PathPlanner) handleRegisterWorker(c RegisterWorker) ([]Event, error) {
	if _, exists := p.Workers[c.WorkerID]; exists {
		return nil, &DomainError{Kind: ErrKindDuplicateWorker, Reason: c.WorkerID}
	}
	if len(c.Capabilities) == 0 {
		return nil, &DomainError{Kind: ErrKindInvalidCommand, Reason: "capabilities must not be empty"}
	}
	return []Event{&WorkerRegistered{
		EventMeta:    newMeta(p.PlannerID, c.Now),
		WorkerID:     c.WorkerID,
		Capabilities: c.Capabilities,
	}}, nil
}

func (p *PathPlanner) handleWorkerReady(c MarkWorkerReady) ([]Event, error) {
	if _, exists := p.Workers[c.WorkerID]; !exists {
		return nil, &DomainError{Kind: ErrKindUnknownWorker, Reason: c.WorkerID}
	}
	events := []Event{&WorkerReady{
		EventMeta: newMeta(p.PlannerID, c.Now),
		WorkerID:  c.WorkerID,
	}}
	return p.withDispatch(events, c.Now), nil
}

func (p *PathPlanner) handleRequest(c RequestPathPlan) ([]Event, error) {
	bounds := p.Workspace.Bounds
	if !bounds.Contains(c.Request.Start) {
		return nil, &DomainError{Kind: ErrKindPositionOutOfBounds, Which: "start"}
	}
	if !bounds.Contains(c.Request.Goal) {
		return nil, &DomainError{Kind: ErrKindPositionOutOfBounds, Which: "goal"}
	}
	if c.MintID == nil {
		return nil, &DomainError{Kind: ErrKindInvalidCommand, Reason: "no id minter"}
	}
	events := []Event{&PathPlanRequested{
		EventMeta:        newMeta(p.PlannerID, c.Now),
		PlanID:           c.MintID(),
		RequestID:        c.Request.RequestID,
		AgentID:          c.Request.AgentID,
		Start:            c.Request.Start,
		Goal:             c.Request.Goal,
		StartOrientation: c.Request.StartOrientation,
		GoalOrientation:  c.Request.GoalOrientation,
	}}
	return p.withDispatch(events, c.Now), nil
}

func (p *PathPlanner) handleAccept(c AcceptAssignment) ([]Event, error) {
	if err := p.requireAssignment(c.PlanID, c.WorkerID); err != nil {
		return nil, err
	}
	plan := p.Plans[c.PlanID]
	if plan.Status != PlanStatusAssigned {
		return nil, &DomainError{
			Kind: ErrKindPlanNotInState, PlanID: c.PlanID,
			Required: []PlanStatus{PlanStatusAssigned}, Actual: plan.Status,
		}
	}
	return []Event{&PlanAssignmentAccepted{
		EventMeta: newMeta(p.PlannerID, c.Now),
		PlanID:    c.PlanID,
		WorkerID:  c.WorkerID,
	}}, nil
}

func (p *PathPlanner) handleComplete(c CompletePlan) ([]Event, error) {
	if err := p.requireActivePlan(c.PlanID, c.WorkerID); err != nil {
		return nil, err
	}
	events := []Event{
		&PlanCompleted{
			EventMeta: newMeta(p.PlannerID, c.Now),
			PlanID:    c.PlanID,
			WorkerID:  c.WorkerID,
			Waypoints: c.Waypoints,
		},
		&WorkerReady{
			EventMeta: newMeta(p.PlannerID, c.Now),
			WorkerID:  c.WorkerID,
		},
	}
	return p.withDispatch(events, c.Now), nil
}

func (p *PathPlanner) handleFail(c FailPlan) ([]Event, error) {
	if err := p.requireActivePlan(c.PlanID, c.WorkerID); err != nil {
		return nil, err
	}
	events := []Event{
		&PlanFailed{
			EventMeta: newMeta(p.PlannerID, c.Now),
			PlanID:    c.PlanID,
			WorkerID:  c.WorkerID,
			Reason:    c.Reason,
		},
		&WorkerReady{
			EventMeta: newMeta(p.PlannerID, c.Now),
			WorkerID:  c.WorkerID,
		},
	}
	return p.withDispatch(events, c.Now), nil
}

func (p *PathPlanner) handleReject(c RejectAssignment) ([]Event, error) {
	if err := p.requireAssignment(c.PlanID, c.WorkerID); err != nil {
		return nil, err
	}
	events := []Event{&PlanAssignmentRejected{
		EventMeta: newMeta(p.PlannerID, c.Now),
		PlanID:    c.PlanID,
		WorkerID:  c.WorkerID,
		Reason:    c.Reason,
	}}
	return p.withDispatch(events, c.Now), nil
}

func (p *PathPlanner) handleTimeout(c TimeoutAssignment) ([]Event, error) {
	if err := p.requireAssignment(c.PlanID, c.WorkerID); err != nil {
		return nil, err
	}
	events := []Event{&PlanAssignmentTimedOut{
		EventMeta: newMeta(p.PlannerID, c.Now),
		PlanID:    c.PlanID,
		WorkerID:  c.WorkerID,
	}}
	return p.withDispatch(events, c.Now), nil
}

func (p *PathPlanner) handleWorkerOffline(c MarkWorkerOffline) ([]Event, error) {
	if _, exists := p.Workers[c.WorkerID]; !exists {
		return nil, &DomainError{Kind: ErrKindUnknownWorker, Reason: c.WorkerID}
	}
	events := []Event{&WorkerOffline{
		EventMeta: newMeta(p.PlannerID, c.Now),
		WorkerID:  c.WorkerID,
		Reason:    c.Reason,
	}}
	return p.withDispatch(events, c.Now), nil
}

func (p *PathPlanner) requireAssignment(planID, workerID string) error {
	a := p.Assignments[planID]
	if a == nil || a.WorkerID != workerID {
		return &DomainError{Kind: ErrKindNoLiveAssignment, Reason: fmt.Sprintf("plan %s / worker %s", planID, workerID)}
	}
	return nil
}

// requireActivePlan guards CompletePlan and FailPlan: the plan must be
// Assigned or InProgress and bound to the reporting worker.
func (p *PathPlanner) requireActivePlan(planID, workerID string) error {
	plan := p.Plans[planID]
	if plan == nil {
		return &DomainError{Kind: ErrKindInvalidCommand, Reason: fmt.Sprintf("unknown plan %s", planID)}
	}
	if plan.Status != PlanStatusAssigned && plan.Status != PlanStatusInProgress {
		return &DomainError{
			Kind: ErrKindPlanNotInState, PlanID: planID,
			Required: []PlanStatus{PlanStatusAssigned, PlanStatusInProgress}, Actual: plan.Status,
		}
	}
	return p.requireAssignment(planID, workerID)
}

// withDispatch applies the produced events to a scratch copy and keeps
// matching pending plans to idle workers until either side is exhausted.
// One command may therefore produce multiple PlanAssigned events.
func (p *PathPlanner) withDispatch(events []Event, now time.Time) []Event {
	scratch := p.Clone()
	for _, ev := range events {
		scratch.ApplyEvent(ev)
	}
	for {
		plan := scratch.nextPendingPlan()
		if plan == nil {
			return events
		}
		worker := scratch.nextIdleWorker()
		if worker == nil {
			return events
		}
		assigned := &PlanAssigned{
			EventMeta:      newMeta(scratch.PlannerID, now),
			PlanID:         plan.PlanID,
			WorkerID:       worker.WorkerID,
			TimeoutSeconds: scratch.AssignmentTimeoutSeconds,
			AssignedAt:     now,
		}
		events = append(events, assigned)
		scratch.ApplyEvent(assigned)
	}
}

// nextPendingPlan returns the oldest Planning plan, FIFO by created_at with
// plan id as the tiebreak.
func (p *PathPlanner) nextPendingPlan() *PathPlan {
	var best *PathPlan
	for _, plan := range p.Plans {
		if plan.Status != PlanStatusPlanning {
			continue
		}
		if best == nil ||
			plan.CreatedAt.Before(best.CreatedAt) ||
			(plan.CreatedAt.Equal(best.CreatedAt) && plan.PlanID < best.PlanID) {
			best = plan
		}
	}
	return best
}

// nextIdleWorker returns the first idle worker (by worker id) that has no
// live assignment and declares the planner's algorithm. The ordering is
// deterministic; swapping in least-recently-used would not change the
// protocol.
func (p *PathPlanner) nextIdleWorker() *Worker {
	var best *Worker
	for _, w := range p.Workers {
		if w.Status != WorkerStatusIdle || !w.HasCapability(p.Algorithm) {
			continue
		}
		if _, held := p.byWorker[w.WorkerID]; held {
			continue
		}
		if best == nil || w.WorkerID < best.WorkerID {
			best = w
		}
	}
	return best
}

// ---------------------------------------------------------------------------
// Event application
// ---------------------------------------------------------------------------

// ApplyEvent folds one event into the aggregate. It is total over the known
// variants; an unknown variant is a programming error and panics. Every
// apply increments Version, so Version always equals the number of events
// applied.
func (p *PathPlanner) ApplyEvent(ev Event) {
	switch e := ev.(type) {
	case *PlannerCreated:
		p.PlannerID = e.PlannerID
		p.Algorithm = e.Algorithm
		p.Workspace = e.Workspace

	case *PathPlanRequested:
		p.Plans[e.PlanID] = &PathPlan{
			PlanID:           e.PlanID,
			AgentID:          e.AgentID,
			Start:            e.Start,
			Goal:             e.Goal,
			StartOrientation: e.StartOrientation,
			GoalOrientation:  e.GoalOrientation,
			Status:           PlanStatusPlanning,
			CreatedAt:        e.Timestamp,
		}

	case *WorkerRegistered:
		p.Workers[e.WorkerID] = &Worker{
			WorkerID:      e.WorkerID,
			Status:        WorkerStatusIdle,
			Capabilities:  e.Capabilities,
			LastHeartbeat: e.Timestamp,
		}

	case *WorkerReady:
		if w := p.Workers[e.WorkerID]; w != nil {
			w.LastHeartbeat = e.Timestamp
			// A heartbeat while an assignment is live must not free the
			// worker mid-flight.
			if _, held := p.byWorker[e.WorkerID]; !held {
				w.Status = WorkerStatusIdle
				w.CurrentPlanID = ""
			}
		}

	case *WorkerBusy:
		if w := p.Workers[e.WorkerID]; w != nil {
			w.Status = WorkerStatusBusy
			w.CurrentPlanID = e.PlanID
		}

	case *WorkerOffline:
		if w := p.Workers[e.WorkerID]; w != nil {
			w.Status = WorkerStatusOffline
			w.CurrentPlanID = ""
		}
		p.releaseAssignmentByWorker(e.WorkerID)

	case *PlanAssigned:
		if plan := p.Plans[e.PlanID]; plan != nil {
			plan.Status = PlanStatusAssigned
		}
		if w := p.Workers[e.WorkerID]; w != nil {
			w.Status = WorkerStatusBusy
			w.CurrentPlanID = e.PlanID
		}
		p.Assignments[e.PlanID] = &Assignment{
			PlanID:     e.PlanID,
			WorkerID:   e.WorkerID,
			AssignedAt: e.AssignedAt,
			TimeoutAt:  e.AssignedAt.Add(time.Duration(e.TimeoutSeconds) * time.Second),
		}
		p.byWorker[e.WorkerID] = e.PlanID

	case *PlanAssignmentAccepted:
		if plan := p.Plans[e.PlanID]; plan != nil && plan.Status == PlanStatusAssigned {
			plan.Status = PlanStatusInProgress
		}

	case *PlanAssignmentRejected:
		p.removeAssignment(e.PlanID)
		if plan := p.Plans[e.PlanID]; plan != nil && !plan.Status.Terminal() {
			plan.Status = PlanStatusPlanning
		}
		if w := p.Workers[e.WorkerID]; w != nil && w.Status == WorkerStatusBusy {
			w.Status = WorkerStatusIdle
			w.CurrentPlanID = ""
		}

	case *PlanAssignmentTimedOut:
		p.removeAssignment(e.PlanID)
		if plan := p.Plans[e.PlanID]; plan != nil && !plan.Status.Terminal() {
			plan.Status = PlanStatusPlanning
		}
		// The worker did not even answer within the deadline; take it out
		// of rotation until it heartbeats again.
		if w := p.Workers[e.WorkerID]; w != nil {
			w.Status = WorkerStatusOffline
			w.CurrentPlanID = ""
		}

	case *PlanCompleted:
		if plan := p.Plans[e.PlanID]; plan != nil {
			plan.Status = PlanStatusComplete
			plan.Waypoints = e.Waypoints
		}
		p.removeAssignment(e.PlanID)
		if w := p.Workers[e.WorkerID]; w != nil {
			w.CurrentPlanID = ""
		}

	case *PlanFailed:
		if plan := p.Plans[e.PlanID]; plan != nil {
			plan.Status = PlanStatusFailed
			plan.FailureReason = e.Reason
		}
		p.removeAssignment(e.PlanID)
		if w := p.Workers[e.WorkerID]; w != nil {
			w.CurrentPlanID = ""
		}

	default:
		panic(fmt.Sprintf("dispatch: apply of unknown event type %T", ev))
	}

	p.Version++
}

// Replay folds a sequence of envelopes into a fresh aggregate.
func Replay(envs []EventEnvelope, timeoutSeconds int) (*PathPlanner, error) {
	p := NewPathPlanner(timeoutSeconds)
	for _, env := range envs {
		ev, err := env.Event()
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", env.EventID, err)
		}
		p.ApplyEvent(ev)
	}
	return p, nil
}

func (p *PathPlanner) removeAssignment(planID string) {
	if a, ok := p.Assignments[planID]; ok {
		delete(p.byWorker, a.WorkerID)
		delete(p.Assignments, planID)
	}
}

func (p *PathPlanner) releaseAssignmentByWorker(workerID string) {
	planID, ok := p.byWorker[workerID]
	if !ok {
		return
	}
	p.removeAssignment(planID)
	if plan := p.Plans[planID]; plan != nil && !plan.Status.Terminal() {
		plan.Status = PlanStatusPlanning
	}
}
