package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
)

// EventType is the exact tag name of a domain event variant. It is what the
// envelope's event_type field carries on the wire.
type EventType string

// The closed set of domain event variants.
const (
	TypePlannerCreated         EventType = "PlannerCreated"
	TypePathPlanRequested      EventType = "PathPlanRequested"
	TypeWorkerRegistered       EventType = "WorkerRegistered"
	TypeWorkerReady            EventType = "WorkerReady"
	TypeWorkerBusy             EventType = "WorkerBusy"
	TypeWorkerOffline          EventType = "WorkerOffline"
	TypePlanAssigned           EventType = "PlanAssigned"
	TypePlanAssignmentAccepted EventType = "PlanAssignmentAccepted"
	TypePlanAssignmentRejected EventType = "PlanAssignmentRejected"
	TypePlanAssignmentTimedOut EventType = "PlanAssignmentTimedOut"
	TypePlanCompleted          EventType = "PlanCompleted"
	TypePlanFailed             EventType = "PlanFailed"
)

// EventTypes lists every variant, in no particular order.
var EventTypes = []EventType{
	TypePlannerCreated, TypePathPlanRequested,
	TypeWorkerRegistered, TypeWorkerReady, TypeWorkerBusy, TypeWorkerOffline,
	TypePlanAssigned, TypePlanAssignmentAccepted, TypePlanAssignmentRejected,
	TypePlanAssignmentTimedOut, TypePlanCompleted, TypePlanFailed,
}

// CurrentEventVersion is the schema version stamped on every event. Reserved
// for future evolution; nothing migrates yet.
const CurrentEventVersion uint64 = 1

// Event is the tagged-variant interface every domain event implements.
// Events are immutable once appended.
type Event interface {
	message.Payload

	// Type returns the variant tag.
	Type() EventType

	// Meta returns the fields shared by every variant.
	Meta() EventMeta
}

// EventMeta carries the fields common to all variants: the partitioning key,
// the event's logical time, and the schema version.
type EventMeta struct {
	PlannerID    string    `json:"planner_id"`
	Timestamp    time.Time `json:"timestamp"`
	EventVersion uint64    `json:"event_version"`
}

// Meta implements Event.
func (m EventMeta) Meta() EventMeta { return m }

// Validate implements the shared part of message.Payload validation.
func (m EventMeta) Validate() error {
	if m.PlannerID == "" {
		return fmt.Errorf("planner_id is required")
	}
	return nil
}

func newMeta(plannerID string, at time.Time) EventMeta {
	return EventMeta{PlannerID: plannerID, Timestamp: at, EventVersion: CurrentEventVersion}
}

func eventMessageType(category string) message.Type {
	return message.Type{Domain: "dispatch", Category: category, Version: "v1"}
}

// ---------------------------------------------------------------------------
// Planner lifecycle
// ---------------------------------------------------------------------------

// PlannerCreated is the first event of every planner log.
type PlannerCreated struct {
	EventMeta
	Algorithm PlanningAlgorithm `json:"algorithm"`
	Workspace Workspace         `json:"workspace"`
}

// Type implements Event.
func (e *PlannerCreated) Type() EventType { return TypePlannerCreated }

// Schema implements message.Payload.
func (e *PlannerCreated) Schema() message.Type { return eventMessageType("planner-created") }

// Validate implements message.Payload.
func (e *PlannerCreated) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if _, err := ParseAlgorithm(string(e.Algorithm)); err != nil {
		return err
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *PlannerCreated) MarshalJSON() ([]byte, error) {
	type Alias PlannerCreated
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *PlannerCreated) UnmarshalJSON(data []byte) error {
	type Alias PlannerCreated
	return json.Unmarshal(data, (*Alias)(e))
}

// ---------------------------------------------------------------------------
// Plan lifecycle
// ---------------------------------------------------------------------------

// PathPlanRequested records an accepted plan request with its freshly minted
// plan id. The plan starts in Planning.
type PathPlanRequested struct {
	EventMeta
	PlanID           string      `json:"plan_id"`
	RequestID        string      `json:"request_id"`
	AgentID          string      `json:"agent_id"`
	Start            Position    `json:"start"`
	Goal             Position    `json:"goal"`
	StartOrientation Orientation `json:"start_orientation"`
	GoalOrientation  Orientation `json:"goal_orientation"`
}

// Type implements Event.
func (e *PathPlanRequested) Type() EventType { return TypePathPlanRequested }

// Schema implements message.Payload.
func (e *PathPlanRequested) Schema() message.Type { return eventMessageType("path-plan-requested") }

// Validate implements message.Payload.
func (e *PathPlanRequested) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.PlanID == "" {
		return fmt.Errorf("plan_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *PathPlanRequested) MarshalJSON() ([]byte, error) {
	type Alias PathPlanRequested
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *PathPlanRequested) UnmarshalJSON(data []byte) error {
	type Alias PathPlanRequested
	return json.Unmarshal(data, (*Alias)(e))
}

// PlanAssigned binds a plan to a worker with a deadline. Applying it moves
// the plan to Assigned, marks the worker busy on the plan, and inserts the
// live assignment.
type PlanAssigned struct {
	EventMeta
	PlanID         string    `json:"plan_id"`
	WorkerID       string    `json:"worker_id"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	AssignedAt     time.Time `json:"assigned_at"`
}

// Type implements Event.
func (e *PlanAssigned) Type() EventType { return TypePlanAssigned }

// Schema implements message.Payload.
func (e *PlanAssigned) Schema() message.Type { return eventMessageType("plan-assigned") }

// Validate implements message.Payload.
func (e *PlanAssigned) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.PlanID == "" || e.WorkerID == "" {
		return fmt.Errorf("plan_id and worker_id are required")
	}
	if e.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *PlanAssigned) MarshalJSON() ([]byte, error) {
	type Alias PlanAssigned
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *PlanAssigned) UnmarshalJSON(data []byte) error {
	type Alias PlanAssigned
	return json.Unmarshal(data, (*Alias)(e))
}

// PlanAssignmentAccepted is the worker's acknowledgment; the plan moves to
// InProgress.
type PlanAssignmentAccepted struct {
	EventMeta
	PlanID   string `json:"plan_id"`
	WorkerID string `json:"worker_id"`
}

// Type implements Event.
func (e *PlanAssignmentAccepted) Type() EventType { return TypePlanAssignmentAccepted }

// Schema implements message.Payload.
func (e *PlanAssignmentAccepted) Schema() message.Type {
	return eventMessageType("plan-assignment-accepted")
}

// Validate implements message.Payload.
func (e *PlanAssignmentAccepted) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.PlanID == "" || e.WorkerID == "" {
		return fmt.Errorf("plan_id and worker_id are required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *PlanAssignmentAccepted) MarshalJSON() ([]byte, error) {
	type Alias PlanAssignmentAccepted
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *PlanAssignmentAccepted) UnmarshalJSON(data []byte) error {
	type Alias PlanAssignmentAccepted
	return json.Unmarshal(data, (*Alias)(e))
}

// PlanAssignmentRejected releases the assignment; the plan returns to
// Planning and becomes eligible for re-dispatch.
type PlanAssignmentRejected struct {
	EventMeta
	PlanID   string `json:"plan_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// Type implements Event.
func (e *PlanAssignmentRejected) Type() EventType { return TypePlanAssignmentRejected }

// Schema implements message.Payload.
func (e *PlanAssignmentRejected) Schema() message.Type {
	return eventMessageType("plan-assignment-rejected")
}

// Validate implements message.Payload.
func (e *PlanAssignmentRejected) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.PlanID == "" || e.WorkerID == "" {
		return fmt.Errorf("plan_id and worker_id are required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *PlanAssignmentRejected) MarshalJSON() ([]byte, error) {
	type Alias PlanAssignmentRejected
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *PlanAssignmentRejected) UnmarshalJSON(data []byte) error {
	type Alias PlanAssignmentRejected
	return json.Unmarshal(data, (*Alias)(e))
}

// PlanAssignmentTimedOut fires when an assignment's deadline passes without
// acceptance or completion. The plan returns to Planning; the worker is
// marked Offline by the same command (it failed to even answer).
type PlanAssignmentTimedOut struct {
	EventMeta
	PlanID   string `json:"plan_id"`
	WorkerID string `json:"worker_id"`
}

// Type implements Event.
func (e *PlanAssignmentTimedOut) Type() EventType { return TypePlanAssignmentTimedOut }

// Schema implements message.Payload.
func (e *PlanAssignmentTimedOut) Schema() message.Type {
	return eventMessageType("plan-assignment-timed-out")
}

// Validate implements message.Payload.
func (e *PlanAssignmentTimedOut) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.PlanID == "" || e.WorkerID == "" {
		return fmt.Errorf("plan_id and worker_id are required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *PlanAssignmentTimedOut) MarshalJSON() ([]byte, error) {
	type Alias PlanAssignmentTimedOut
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *PlanAssignmentTimedOut) UnmarshalJSON(data []byte) error {
	type Alias PlanAssignmentTimedOut
	return json.Unmarshal(data, (*Alias)(e))
}

// PlanCompleted carries the worker's waypoints. Terminal.
type PlanCompleted struct {
	EventMeta
	PlanID    string     `json:"plan_id"`
	WorkerID  string     `json:"worker_id"`
	Waypoints []Position `json:"waypoints"`
}

// Type implements Event.
func (e *PlanCompleted) Type() EventType { return TypePlanCompleted }

// Schema implements message.Payload.
func (e *PlanCompleted) Schema() message.Type { return eventMessageType("plan-completed") }

// Validate implements message.Payload.
func (e *PlanCompleted) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.PlanID == "" || e.WorkerID == "" {
		return fmt.Errorf("plan_id and worker_id are required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *PlanCompleted) MarshalJSON() ([]byte, error) {
	type Alias PlanCompleted
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *PlanCompleted) UnmarshalJSON(data []byte) error {
	type Alias PlanCompleted
	return json.Unmarshal(data, (*Alias)(e))
}

// PlanFailed records a worker-reported planning failure. Terminal.
type PlanFailed struct {
	EventMeta
	PlanID   string `json:"plan_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// Type implements Event.
func (e *PlanFailed) Type() EventType { return TypePlanFailed }

// Schema implements message.Payload.
func (e *PlanFailed) Schema() message.Type { return eventMessageType("plan-failed") }

// Validate implements message.Payload.
func (e *PlanFailed) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.PlanID == "" || e.WorkerID == "" {
		return fmt.Errorf("plan_id and worker_id are required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *PlanFailed) MarshalJSON() ([]byte, error) {
	type Alias PlanFailed
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *PlanFailed) UnmarshalJSON(data []byte) error {
	type Alias PlanFailed
	return json.Unmarshal(data, (*Alias)(e))
}

// ---------------------------------------------------------------------------
// Worker lifecycle
// ---------------------------------------------------------------------------

// WorkerRegistered admits a worker with its capability set.
type WorkerRegistered struct {
	EventMeta
	WorkerID     string              `json:"worker_id"`
	Capabilities []PlanningAlgorithm `json:"capabilities"`
}

// Type implements Event.
func (e *WorkerRegistered) Type() EventType { return TypeWorkerRegistered }

// Schema implements message.Payload.
func (e *WorkerRegistered) Schema() message.Type { return eventMessageType("worker-registered") }

// Validate implements message.Payload.
func (e *WorkerRegistered) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	if len(e.Capabilities) == 0 {
		return fmt.Errorf("capabilities must not be empty")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *WorkerRegistered) MarshalJSON() ([]byte, error) {
	type Alias WorkerRegistered
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *WorkerRegistered) UnmarshalJSON(data []byte) error {
	type Alias WorkerRegistered
	return json.Unmarshal(data, (*Alias)(e))
}

// WorkerReady doubles as the ready signal after registration or completion
// and as the periodic heartbeat; the planner reads Timestamp as
// last_heartbeat.
type WorkerReady struct {
	EventMeta
	WorkerID string `json:"worker_id"`
}

// Type implements Event.
func (e *WorkerReady) Type() EventType { return TypeWorkerReady }

// Schema implements message.Payload.
func (e *WorkerReady) Schema() message.Type { return eventMessageType("worker-ready") }

// Validate implements message.Payload.
func (e *WorkerReady) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *WorkerReady) MarshalJSON() ([]byte, error) {
	type Alias WorkerReady
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *WorkerReady) UnmarshalJSON(data []byte) error {
	type Alias WorkerReady
	return json.Unmarshal(data, (*Alias)(e))
}

// WorkerBusy marks a worker as occupied with a plan. The core's apply rule
// for PlanAssigned already performs this transition; the variant exists for
// replay compatibility with logs whose producers emit it explicitly.
type WorkerBusy struct {
	EventMeta
	WorkerID string `json:"worker_id"`
	PlanID   string `json:"plan_id"`
}

// Type implements Event.
func (e *WorkerBusy) Type() EventType { return TypeWorkerBusy }

// Schema implements message.Payload.
func (e *WorkerBusy) Schema() message.Type { return eventMessageType("worker-busy") }

// Validate implements message.Payload.
func (e *WorkerBusy) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *WorkerBusy) MarshalJSON() ([]byte, error) {
	type Alias WorkerBusy
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *WorkerBusy) UnmarshalJSON(data []byte) error {
	type Alias WorkerBusy
	return json.Unmarshal(data, (*Alias)(e))
}

// WorkerOffline takes a worker out of rotation. Any plan it held returns to
// Planning and the live assignment is released.
type WorkerOffline struct {
	EventMeta
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// Type implements Event.
func (e *WorkerOffline) Type() EventType { return TypeWorkerOffline }

// Schema implements message.Payload.
func (e *WorkerOffline) Schema() message.Type { return eventMessageType("worker-offline") }

// Validate implements message.Payload.
func (e *WorkerOffline) Validate() error {
	if err := e.EventMeta.Validate(); err != nil {
		return err
	}
	if e.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *WorkerOffline) MarshalJSON() ([]byte, error) {
	type Alias WorkerOffline
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *WorkerOffline) UnmarshalJSON(data []byte) error {
	type Alias WorkerOffline
	return json.Unmarshal(data, (*Alias)(e))
}

// newEventOf returns a zero value of the payload struct for a variant tag.
func newEventOf(t EventType) (Event, error) {
	switch t {
	case TypePlannerCreated:
		return &PlannerCreated{}, nil
	case TypePathPlanRequested:
		return &PathPlanRequested{}, nil
	case TypeWorkerRegistered:
		return &WorkerRegistered{}, nil
	case TypeWorkerReady:
		return &WorkerReady{}, nil
	case TypeWorkerBusy:
		return &WorkerBusy{}, nil
	case TypeWorkerOffline:
		return &WorkerOffline{}, nil
	case TypePlanAssigned:
		return &PlanAssigned{}, nil
	case TypePlanAssignmentAccepted:
		return &PlanAssignmentAccepted{}, nil
	case TypePlanAssignmentRejected:
		return &PlanAssignmentRejected{}, nil
	case TypePlanAssignmentTimedOut:
		return &PlanAssignmentTimedOut{}, nil
	case TypePlanCompleted:
		return &PlanCompleted{}, nil
	case TypePlanFailed:
		return &PlanFailed{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}
