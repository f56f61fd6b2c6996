package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata carries the routing and tracing context for an envelope.
// CausationID is the event_id of the event that directly produced this one.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Source        string `json:"source"`
}

// EventEnvelope is the record written to the log and published on the bus.
// EventData is the serialized domain event; it is immutable once appended.
type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventVersion  uint64          `json:"event_version"`
	EventData     json.RawMessage `json:"event_data"`
	Metadata      Metadata        `json:"metadata"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewEnvelope wraps a domain event for persistence and publication, minting
// a fresh event id. The envelope's aggregate id is the event's planner id.
func NewEnvelope(ev Event, meta Metadata) (EventEnvelope, error) {
	if err := ev.Validate(); err != nil {
		return EventEnvelope{}, fmt.Errorf("invalid %s event: %w", ev.Type(), err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: marshal %s: %v", ErrSerialization, ev.Type(), err)
	}
	m := ev.Meta()
	return EventEnvelope{
		EventID:       uuid.New().String(),
		AggregateID:   m.PlannerID,
		AggregateType: AggregateType,
		EventType:     ev.Type(),
		EventVersion:  m.EventVersion,
		EventData:     data,
		Metadata:      meta,
		OccurredAt:    m.Timestamp,
	}, nil
}

// Event decodes the envelope's payload into its typed variant.
func (e *EventEnvelope) Event() (Event, error) {
	ev, err := newEventOf(e.EventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(e.EventData, ev); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s: %v", ErrSerialization, e.EventType, err)
	}
	return ev, nil
}

// Encode serializes the envelope in the canonical wire format.
func (e *EventEnvelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal envelope %s: %v", ErrSerialization, e.EventID, err)
	}
	return data, nil
}

// DecodeEnvelope parses the canonical wire format.
func DecodeEnvelope(data []byte) (EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: unmarshal envelope: %v", ErrSerialization, err)
	}
	if env.EventID == "" || env.EventType == "" {
		return EventEnvelope{}, fmt.Errorf("%w: envelope missing event_id or event_type", ErrSerialization)
	}
	return env, nil
}

// StreamKey is the partition key for streaming adapters: all events of one
// planner land on one partition, preserving per-planner order.
func (e *EventEnvelope) StreamKey() string {
	return fmt.Sprintf("%s:%s", e.AggregateType, e.AggregateID)
}

// ---------------------------------------------------------------------------
// Subject conventions
// ---------------------------------------------------------------------------

// LogStreamName is the JetStream stream backing the durable event log.
const LogStreamName = "PLANSTREAM_LOG"

// LogSubjectPrefix roots the per-aggregate log subjects.
const LogSubjectPrefix = "planstream.log"

// BusSubjectPrefix roots the fan-out bus subjects.
const BusSubjectPrefix = "planstream.events"

// LogSubject is the append-only subject for one aggregate:
// planstream.log.PathPlanner.<planner_id>.
func LogSubject(aggregateID string) string {
	return fmt.Sprintf("%s.%s.%s", LogSubjectPrefix, AggregateType, aggregateID)
}

// BusSubject routes a published envelope by type and planner:
// planstream.events.<event_type>.<planner_id>.
func BusSubject(eventType EventType, plannerID string) string {
	return fmt.Sprintf("%s.%s.%s", BusSubjectPrefix, eventType, plannerID)
}

// BusSubjectAllTypes matches every event type for one planner.
func BusSubjectAllTypes(plannerID string) string {
	return fmt.Sprintf("%s.*.%s", BusSubjectPrefix, plannerID)
}

// InboundStreamName is the JetStream stream carrying worker and client
// intents toward a planner. It is separate from the bus so the planner
// never re-consumes what it republished.
const InboundStreamName = "PLANSTREAM_INBOUND"

// InboundSubjectPrefix roots the intent subjects.
const InboundSubjectPrefix = "planstream.inbound"

// InboundSubject routes an intent envelope to its planner:
// planstream.inbound.<planner_id>.<event_type>.
func InboundSubject(plannerID string, eventType EventType) string {
	return fmt.Sprintf("%s.%s.%s", InboundSubjectPrefix, plannerID, eventType)
}

// InboundSubjectAll matches every intent for one planner.
func InboundSubjectAll(plannerID string) string {
	return fmt.Sprintf("%s.%s.>", InboundSubjectPrefix, plannerID)
}
