// Package dispatch defines the path-planning dispatch domain: the planner
// aggregate, its commands and events, and the envelope that carries events
// on the wire. Everything in this package is pure — no clock, no NATS, no
// I/O. The runtimes in processor/ drive it.
package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// AggregateType is the aggregate_type recorded on every envelope.
const AggregateType = "PathPlanner"

// Position is a point in the planner's workspace.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Orientation is an angle in radians. Consumers treat it modulo 2π where
// that matters; no normalization happens here.
type Orientation struct {
	Angle float64 `json:"angle"`
}

// PlanningAlgorithm is the capability tag a worker declares and a planner
// requires. Closed set; equality is by tag.
type PlanningAlgorithm string

// The supported planning algorithms.
const (
	AlgorithmAStar         PlanningAlgorithm = "AStar"
	AlgorithmDijkstra      PlanningAlgorithm = "Dijkstra"
	AlgorithmRRT           PlanningAlgorithm = "RRT"
	AlgorithmPRM           PlanningAlgorithm = "PRM"
	AlgorithmDynamicWindow PlanningAlgorithm = "DynamicWindow"
)

// Algorithms lists every valid PlanningAlgorithm.
var Algorithms = []PlanningAlgorithm{
	AlgorithmAStar,
	AlgorithmDijkstra,
	AlgorithmRRT,
	AlgorithmPRM,
	AlgorithmDynamicWindow,
}

// ParseAlgorithm parses a PlanningAlgorithm tag (case-insensitive).
func ParseAlgorithm(s string) (PlanningAlgorithm, error) {
	for _, a := range Algorithms {
		if strings.EqualFold(string(a), s) {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown planning algorithm %q", s)
}

// ParseAlgorithms parses a comma-separated capability list.
func ParseAlgorithms(csv string) ([]PlanningAlgorithm, error) {
	parts := strings.Split(csv, ",")
	algs := make([]PlanningAlgorithm, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		a, err := ParseAlgorithm(p)
		if err != nil {
			return nil, err
		}
		algs = append(algs, a)
	}
	if len(algs) == 0 {
		return nil, fmt.Errorf("no algorithms in %q", csv)
	}
	return algs, nil
}

// PathPlanRequest is a client's ask: plan a path for an agent from start to
// goal. The planner mints the plan id; the request id correlates the client's
// submission with the resulting plan.
type PathPlanRequest struct {
	RequestID        string      `json:"request_id"`
	AgentID          string      `json:"agent_id"`
	Start            Position    `json:"start"`
	Goal             Position    `json:"goal"`
	StartOrientation Orientation `json:"start_orientation"`
	GoalOrientation  Orientation `json:"goal_orientation"`
	CreatedAt        time.Time   `json:"created_at"`
}

// PlanStatus is the lifecycle state of a PathPlan.
type PlanStatus string

// Plan lifecycle states. Complete and Failed are terminal; Assigned and
// InProgress can fall back to Planning on rejection, timeout, or worker loss.
const (
	PlanStatusPlanning   PlanStatus = "Planning"
	PlanStatusAssigned   PlanStatus = "Assigned"
	PlanStatusInProgress PlanStatus = "InProgress"
	PlanStatusComplete   PlanStatus = "Complete"
	PlanStatusFailed     PlanStatus = "Failed"
)

// Terminal reports whether the status admits no further transitions.
func (s PlanStatus) Terminal() bool {
	return s == PlanStatusComplete || s == PlanStatusFailed
}

// PathPlan is the planner-owned plan entity. Waypoints stay empty until a
// worker completes the plan. Plans are never deleted; terminal plans remain
// in the aggregate's history.
type PathPlan struct {
	PlanID           string      `json:"plan_id"`
	AgentID          string      `json:"agent_id"`
	Start            Position    `json:"start"`
	Goal             Position    `json:"goal"`
	StartOrientation Orientation `json:"start_orientation"`
	GoalOrientation  Orientation `json:"goal_orientation"`
	Waypoints        []Position  `json:"waypoints,omitempty"`
	Status           PlanStatus  `json:"status"`
	FailureReason    string      `json:"failure_reason,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

// Worker states. Offline workers keep their registration and capabilities;
// a fresh WorkerReady brings them back to Idle.
const (
	WorkerStatusIdle    WorkerStatus = "Idle"
	WorkerStatusBusy    WorkerStatus = "Busy"
	WorkerStatusOffline WorkerStatus = "Offline"
)

// Worker is the planner-owned view of a registered worker.
// Invariant: CurrentPlanID != "" exactly when Status == Busy.
type Worker struct {
	WorkerID      string              `json:"worker_id"`
	Status        WorkerStatus        `json:"status"`
	Capabilities  []PlanningAlgorithm `json:"capabilities"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	CurrentPlanID string              `json:"current_plan_id,omitempty"`
}

// HasCapability reports whether the worker declared the given algorithm.
func (w *Worker) HasCapability(a PlanningAlgorithm) bool {
	for _, c := range w.Capabilities {
		if c == a {
			return true
		}
	}
	return false
}

// Assignment is the live binding of one plan to one worker with a deadline.
// At most one live assignment exists per plan and per worker.
type Assignment struct {
	PlanID     string    `json:"plan_id"`
	WorkerID   string    `json:"worker_id"`
	AssignedAt time.Time `json:"assigned_at"`
	TimeoutAt  time.Time `json:"timeout_at"`
}

// Obstacle is an axis-aligned rectangle the core carries but does not
// evaluate. Workers may consult obstacles when planning.
type Obstacle struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// WorkspaceBounds is the axis-aligned rectangle positions must lie within.
type WorkspaceBounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// Contains reports whether p lies within the bounds. Edges are inclusive.
func (b WorkspaceBounds) Contains(p Position) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

// Workspace is the planner's configured workspace: bounds plus opaque
// obstacles.
type Workspace struct {
	Bounds    WorkspaceBounds `json:"bounds"`
	Obstacles []Obstacle      `json:"obstacles,omitempty"`
}
