package dispatch

import "time"

// Command is the tagged union of planner commands. Commands are internal to
// the runtime and never serialized. Each carries the wall-clock time the
// runtime observed, so the aggregate itself stays clock-free.
type Command interface {
	commandTag() string
}

// IDMinter supplies fresh ids to commands that create entities. Injected so
// HandleCommand stays deterministic under test.
type IDMinter func() string

// CreatePlanner initializes an empty aggregate. Fails once any event has
// been applied.
type CreatePlanner struct {
	PlannerID string
	Algorithm PlanningAlgorithm
	Workspace Workspace
	Now       time.Time
}

func (CreatePlanner) commandTag() string { return "CreatePlanner" }

// RegisterWorker admits a new worker with its capability set.
type RegisterWorker struct {
	WorkerID     string
	Capabilities []PlanningAlgorithm
	Now          time.Time
}

func (RegisterWorker) commandTag() string { return "RegisterWorker" }

// MarkWorkerReady signals readiness (or a heartbeat) and triggers dispatch.
type MarkWorkerReady struct {
	WorkerID string
	Now      time.Time
}

func (MarkWorkerReady) commandTag() string { return "MarkWorkerReady" }

// RequestPathPlan validates and admits a client request, minting the plan id
// via MintID, then triggers dispatch.
type RequestPathPlan struct {
	Request PathPlanRequest
	MintID  IDMinter
	Now     time.Time
}

func (RequestPathPlan) commandTag() string { return "RequestPathPlan" }

// AcceptAssignment records the worker's acknowledgment of an assignment.
type AcceptAssignment struct {
	WorkerID string
	PlanID   string
	Now      time.Time
}

func (AcceptAssignment) commandTag() string { return "AcceptAssignment" }

// CompletePlan finishes a plan with the worker's waypoints, frees the
// worker, and triggers dispatch.
type CompletePlan struct {
	WorkerID  string
	PlanID    string
	Waypoints []Position
	Now       time.Time
}

func (CompletePlan) commandTag() string { return "CompletePlan" }

// FailPlan terminates a plan with a failure reason, frees the worker, and
// triggers dispatch.
type FailPlan struct {
	WorkerID string
	PlanID   string
	Reason   string
	Now      time.Time
}

func (FailPlan) commandTag() string { return "FailPlan" }

// RejectAssignment releases an assignment the worker refused; the plan
// returns to Planning and dispatch runs again.
type RejectAssignment struct {
	WorkerID string
	PlanID   string
	Reason   string
	Now      time.Time
}

func (RejectAssignment) commandTag() string { return "RejectAssignment" }

// TimeoutAssignment expires an assignment whose deadline passed. Issued by
// the runtime's tick loop, never by external events.
type TimeoutAssignment struct {
	WorkerID string
	PlanID   string
	Now      time.Time
}

func (TimeoutAssignment) commandTag() string { return "TimeoutAssignment" }

// MarkWorkerOffline removes a worker from rotation, releasing any plan it
// held back to Planning.
type MarkWorkerOffline struct {
	WorkerID string
	Reason   string
	Now      time.Time
}

func (MarkWorkerOffline) commandTag() string { return "MarkWorkerOffline" }
