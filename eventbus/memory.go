package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360studio/planstream/dispatch"
)

// MemoryBus is an in-process Bus for tests and single-binary deployments.
type MemoryBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*memorySub
}

type memorySub struct {
	filter Filter
	ch     chan dispatch.EventEnvelope
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		logger: logger.With("component", "eventbus"),
		subs:   make(map[int]*memorySub),
	}
}

// Publish implements Bus. A subscriber with a full buffer is skipped.
func (b *MemoryBus) Publish(_ context.Context, env dispatch.EventEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !sub.filter.Matches(&env) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"subscriber", id, "event_type", env.EventType, "event_id", env.EventID)
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(_ context.Context, filter Filter) (<-chan dispatch.EventEnvelope, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &memorySub{filter: filter, ch: make(chan dispatch.EventEnvelope, DefaultBufferSize)}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}
