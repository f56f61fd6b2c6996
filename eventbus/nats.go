package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/planstream/dispatch"
)

// NATSBus is the Bus adapter over core NATS publish/subscribe. Events ride
// on planstream.events.<event_type>.<planner_id>, so the broker does the
// type and aggregate filtering; only the worker filter runs client-side.
type NATSBus struct {
	client *natsclient.Client
	logger *slog.Logger
}

// NewNATSBus wraps an already-connected client.
func NewNATSBus(client *natsclient.Client, logger *slog.Logger) *NATSBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{client: client, logger: logger.With("component", "eventbus")}
}

// Publish implements Bus.
func (b *NATSBus) Publish(ctx context.Context, env dispatch.EventEnvelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	subject := dispatch.BusSubject(env.EventType, env.AggregateID)
	if err := b.client.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe implements Bus. One NATS subscription is opened per requested
// event type (or a single wildcard when the filter names none).
func (b *NATSBus) Subscribe(_ context.Context, filter Filter) (<-chan dispatch.EventEnvelope, func(), error) {
	conn := b.client.GetConnection()
	if conn == nil {
		return nil, nil, fmt.Errorf("nats connection not established")
	}

	ch := make(chan dispatch.EventEnvelope, DefaultBufferSize)

	// A callback already in flight when cancel runs must not hit the
	// closed channel.
	var closeMu sync.RWMutex
	closed := false

	handler := func(msg *nats.Msg) {
		closeMu.RLock()
		defer closeMu.RUnlock()
		if closed {
			return
		}
		env, err := dispatch.DecodeEnvelope(msg.Data)
		if err != nil {
			b.logger.Warn("dropping undecodable bus message", "subject", msg.Subject, "error", err)
			return
		}
		if !filter.Matches(&env) {
			return
		}
		select {
		case ch <- env:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"subject", msg.Subject, "event_id", env.EventID)
		}
	}

	subs := make([]*nats.Subscription, 0, len(filter.EventTypes)+1)
	for _, subject := range subjectsFor(filter) {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			for _, s := range subs {
				if err := s.Unsubscribe(); err != nil {
					b.logger.Warn("unsubscribe failed", "error", err)
				}
			}
			closeMu.Lock()
			closed = true
			closeMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// subjectsFor maps a filter to the narrowest broker-side subjects.
func subjectsFor(filter Filter) []string {
	planner := filter.PlannerID
	if planner == "" {
		planner = "*"
	}
	if len(filter.EventTypes) == 0 {
		return []string{fmt.Sprintf("%s.*.%s", dispatch.BusSubjectPrefix, planner)}
	}
	subjects := make([]string, 0, len(filter.EventTypes))
	for _, t := range filter.EventTypes {
		subjects = append(subjects, fmt.Sprintf("%s.%s.%s", dispatch.BusSubjectPrefix, t, planner))
	}
	return subjects
}
