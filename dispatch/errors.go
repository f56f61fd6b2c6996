package dispatch

import (
	"errors"
	"fmt"
)

// DomainErrorKind discriminates the reasons HandleCommand can refuse a
// command. Domain errors never change state and never produce events.
type DomainErrorKind string

// Domain error kinds.
const (
	ErrKindInvalidCommand      DomainErrorKind = "invalid_command"
	ErrKindPositionOutOfBounds DomainErrorKind = "position_out_of_bounds"
	ErrKindDuplicateWorker     DomainErrorKind = "duplicate_worker"
	ErrKindUnknownWorker       DomainErrorKind = "unknown_worker"
	ErrKindNoLiveAssignment    DomainErrorKind = "no_live_assignment"
	ErrKindPlanNotInState      DomainErrorKind = "plan_not_in_state"
)

// DomainError is the validation failure returned by HandleCommand.
type DomainError struct {
	Kind   DomainErrorKind
	Reason string

	// Which names the offending field for PositionOutOfBounds ("start" or
	// "goal").
	Which string

	// Plan-state context for PlanNotInState.
	PlanID   string
	Required []PlanStatus
	Actual   PlanStatus
}

func (e *DomainError) Error() string {
	switch e.Kind {
	case ErrKindPositionOutOfBounds:
		return fmt.Sprintf("position out of bounds: %s", e.Which)
	case ErrKindPlanNotInState:
		return fmt.Sprintf("plan %s in state %s, required one of %v", e.PlanID, e.Actual, e.Required)
	default:
		if e.Reason != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
		}
		return string(e.Kind)
	}
}

// IsDomainError reports whether err is a DomainError of the given kind.
func IsDomainError(err error, kind DomainErrorKind) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Kind == kind
}

// Infrastructure sentinels for log and bus adapters.
var (
	// ErrDuplicateAppend marks an append whose events are already durable.
	// Adapters surface it so callers can treat the append as success.
	ErrDuplicateAppend = errors.New("duplicate append")

	// ErrSerialization marks an envelope that failed to encode or decode.
	ErrSerialization = errors.New("serialization failure")
)

// VersionConflictError is returned by Log.Append when the stored length for
// the aggregate does not equal the caller's expected version. Nothing is
// written.
type VersionConflictError struct {
	AggregateID string
	Expected    uint64
	Actual      uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d", e.AggregateID, e.Expected, e.Actual)
}

// IsVersionConflict reports whether err is a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}
