// Package eventbus fans dispatch event envelopes out to live observers.
// Delivery is best effort: the log is the source of truth, the bus only
// tells running components that something new happened. A subscriber that
// cannot keep up loses events rather than stalling the publisher.
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/c360studio/planstream/dispatch"
)

// DefaultBufferSize is the per-subscriber channel depth.
const DefaultBufferSize = 256

// Filter narrows a subscription. Zero values match everything; set fields
// are conjunctive.
type Filter struct {
	// EventTypes limits delivery to the listed types. Empty means all.
	EventTypes []dispatch.EventType

	// PlannerID limits delivery to one aggregate.
	PlannerID string

	// WorkerID limits delivery to events that name this worker.
	WorkerID string
}

// Matches reports whether the envelope passes the filter.
func (f Filter) Matches(env *dispatch.EventEnvelope) bool {
	if f.PlannerID != "" && env.AggregateID != f.PlannerID {
		return false
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if t == env.EventType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.WorkerID != "" && workerIDOf(env) != f.WorkerID {
		return false
	}
	return true
}

// workerIDOf probes the serialized payload for a worker_id field without a
// full typed decode. Events that carry no worker return "".
func workerIDOf(env *dispatch.EventEnvelope) string {
	var probe struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.Unmarshal(env.EventData, &probe); err != nil {
		return ""
	}
	return probe.WorkerID
}

// Bus publishes envelopes to every matching subscriber.
type Bus interface {
	// Publish delivers env to current subscribers. It never blocks on a
	// slow subscriber.
	Publish(ctx context.Context, env dispatch.EventEnvelope) error

	// Subscribe returns a channel of matching envelopes and a cancel
	// function. The channel closes after cancel.
	Subscribe(ctx context.Context, filter Filter) (<-chan dispatch.EventEnvelope, func(), error)
}
