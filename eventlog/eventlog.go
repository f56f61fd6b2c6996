// Package eventlog persists dispatch event envelopes with optimistic
// concurrency. The Log port has two adapters: an in-memory one for tests and
// single-process use, and a JetStream one for durable deployments.
package eventlog

import (
	"context"

	"github.com/c360studio/planstream/dispatch"
)

// Log is the append-only event store for planner aggregates.
//
// Append writes envs after the given expected version and returns the new
// version. A mismatched expected version returns
// *dispatch.VersionConflictError — unless the batch is already present at
// that position, in which case the append reports success so a retry after a
// partial failure is safe.
type Log interface {
	// Append appends envs to the aggregate's stream if its current version
	// equals expectedVersion. Envelopes must carry distinct EventIDs; the id
	// is the deduplication key.
	Append(ctx context.Context, aggregateID string, expectedVersion uint64, envs []dispatch.EventEnvelope) (uint64, error)

	// Load returns the aggregate's full event history in append order. An
	// unknown aggregate yields an empty slice, not an error.
	Load(ctx context.Context, aggregateID string) ([]dispatch.EventEnvelope, error)

	// LoadByType returns all events of one type across every aggregate, in
	// global append order.
	LoadByType(ctx context.Context, eventType dispatch.EventType) ([]dispatch.EventEnvelope, error)
}
