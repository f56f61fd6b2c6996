package eventlog

import (
	"context"
	"sync"

	"github.com/c360studio/planstream/dispatch"
)

// MemoryLog is an in-memory Log. It honors the same concurrency and
// idempotency contract as the durable adapter, so aggregate and runtime
// tests exercise the real failure paths without a broker.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string][]dispatch.EventEnvelope
	order   []globalRef // global append order, for LoadByType
}

type globalRef struct {
	aggregateID string
	index       int
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: make(map[string][]dispatch.EventEnvelope)}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, aggregateID string, expectedVersion uint64, envs []dispatch.EventEnvelope) (uint64, error) {
	if len(envs) == 0 {
		l.mu.RLock()
		defer l.mu.RUnlock()
		return uint64(len(l.streams[aggregateID])), nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stream := l.streams[aggregateID]
	current := uint64(len(stream))

	if expectedVersion != current {
		if l.alreadyAppended(stream, expectedVersion, envs) {
			return current, nil
		}
		return 0, &dispatch.VersionConflictError{
			AggregateID: aggregateID,
			Expected:    expectedVersion,
			Actual:      current,
		}
	}

	for _, env := range envs {
		l.order = append(l.order, globalRef{aggregateID: aggregateID, index: len(stream)})
		stream = append(stream, env)
	}
	l.streams[aggregateID] = stream
	return uint64(len(stream)), nil
}

// alreadyAppended reports whether envs are already stored starting at
// expectedVersion, which makes a retried append a no-op success.
func (l *MemoryLog) alreadyAppended(stream []dispatch.EventEnvelope, expectedVersion uint64, envs []dispatch.EventEnvelope) bool {
	if expectedVersion+uint64(len(envs)) > uint64(len(stream)) {
		return false
	}
	for i, env := range envs {
		if stream[expectedVersion+uint64(i)].EventID != env.EventID {
			return false
		}
	}
	return true
}

// Load implements Log.
func (l *MemoryLog) Load(_ context.Context, aggregateID string) ([]dispatch.EventEnvelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stream := l.streams[aggregateID]
	out := make([]dispatch.EventEnvelope, len(stream))
	copy(out, stream)
	return out, nil
}

// LoadByType implements Log.
func (l *MemoryLog) LoadByType(_ context.Context, eventType dispatch.EventType) ([]dispatch.EventEnvelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []dispatch.EventEnvelope
	for _, ref := range l.order {
		env := l.streams[ref.aggregateID][ref.index]
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out, nil
}
