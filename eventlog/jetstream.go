package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/planstream/dispatch"
)

// fetchBatch is the page size for replay reads.
const fetchBatch = 256

// EnsureStream creates or updates the durable log stream. Deduplication by
// Nats-Msg-Id (the envelope's event_id) is what makes retried appends
// idempotent, so the window must comfortably exceed any retry horizon.
func EnsureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        dispatch.LogStreamName,
		Description: "Durable path-planner event log, one subject per aggregate",
		Subjects:    []string{dispatch.LogSubjectPrefix + ".>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		Duplicates:  2 * time.Minute,
	})
}

// EnsureInboundStream creates or updates the intent stream the planner
// consumes from. Intents are work-queue style: retained until consumed, with
// a cap so an offline planner cannot grow the stream without bound.
func EnsureInboundStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        dispatch.InboundStreamName,
		Description: "Worker and client intents awaiting planner processing",
		Subjects:    []string{dispatch.InboundSubjectPrefix + ".>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Duplicates:  2 * time.Minute,
	})
}

// JetStreamLog is the durable Log adapter. Each aggregate maps to one
// subject; the expected-version check rides on JetStream's
// expect-last-sequence-per-subject header, so concurrency control holds even
// against writers in other processes.
type JetStreamLog struct {
	js     jetstream.JetStream
	logger *slog.Logger

	mu    sync.Mutex
	heads map[string]streamHead // aggregate_id → cached position
}

// streamHead is the cached tail position of one aggregate's subject.
type streamHead struct {
	version uint64 // events on the subject
	lastSeq uint64 // stream sequence of the newest one, 0 if none
}

// NewJetStreamLog returns a Log backed by the given JetStream context. The
// stream itself must already exist; see EnsureStream.
func NewJetStreamLog(js jetstream.JetStream, logger *slog.Logger) *JetStreamLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamLog{
		js:     js,
		logger: logger.With("component", "eventlog"),
		heads:  make(map[string]streamHead),
	}
}

// Append implements Log.
func (l *JetStreamLog) Append(ctx context.Context, aggregateID string, expectedVersion uint64, envs []dispatch.EventEnvelope) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, ok := l.heads[aggregateID]
	if !ok {
		refreshed, _, err := l.readSubject(ctx, aggregateID)
		if err != nil {
			return 0, err
		}
		head = refreshed
		l.heads[aggregateID] = head
	}
	if len(envs) == 0 {
		return head.version, nil
	}

	if head.version != expectedVersion {
		return l.resolveConflict(ctx, aggregateID, expectedVersion, envs)
	}

	subject := dispatch.LogSubject(aggregateID)
	for i, env := range envs {
		data, err := env.Encode()
		if err != nil {
			return 0, err
		}
		ack, err := l.js.Publish(ctx, subject, data,
			jetstream.WithMsgID(env.EventID),
			jetstream.WithExpectLastSequencePerSubject(head.lastSeq),
		)
		if err != nil {
			if isWrongLastSequence(err) {
				// Another writer got in. Events already written in this
				// batch stay written; the idempotency check on retry
				// completes the suffix.
				return l.resolveConflict(ctx, aggregateID, expectedVersion+uint64(i), envs[i:])
			}
			return 0, fmt.Errorf("append %s to %s: %w", env.EventID, subject, err)
		}
		if ack.Duplicate {
			l.logger.Debug("duplicate append absorbed",
				"aggregate_id", aggregateID, "event_id", env.EventID)
		}
		head.version++
		head.lastSeq = ack.Sequence
		l.heads[aggregateID] = head
	}
	return head.version, nil
}

// resolveConflict re-reads the subject and decides between idempotent
// success (the batch is already there) and a genuine version conflict.
func (l *JetStreamLog) resolveConflict(ctx context.Context, aggregateID string, expectedVersion uint64, envs []dispatch.EventEnvelope) (uint64, error) {
	head, stored, err := l.readSubject(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	l.heads[aggregateID] = head

	if expectedVersion+uint64(len(envs)) <= head.version {
		match := true
		for i, env := range envs {
			if stored[expectedVersion+uint64(i)].EventID != env.EventID {
				match = false
				break
			}
		}
		if match {
			return head.version, nil
		}
	}
	return 0, &dispatch.VersionConflictError{
		AggregateID: aggregateID,
		Expected:    expectedVersion,
		Actual:      head.version,
	}
}

// Load implements Log.
func (l *JetStreamLog) Load(ctx context.Context, aggregateID string) ([]dispatch.EventEnvelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	head, envs, err := l.readSubject(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	l.heads[aggregateID] = head
	return envs, nil
}

// LoadByType implements Log. It scans the whole stream; the log subject
// carries the aggregate id, not the event type, so filtering happens after
// decode.
func (l *JetStreamLog) LoadByType(ctx context.Context, eventType dispatch.EventType) ([]dispatch.EventEnvelope, error) {
	all, _, err := l.readFiltered(ctx, dispatch.LogSubjectPrefix+".>")
	if err != nil {
		return nil, err
	}
	var out []dispatch.EventEnvelope
	for _, env := range all {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out, nil
}

// readSubject replays one aggregate's subject from the beginning.
func (l *JetStreamLog) readSubject(ctx context.Context, aggregateID string) (streamHead, []dispatch.EventEnvelope, error) {
	envs, lastSeq, err := l.readFiltered(ctx, dispatch.LogSubject(aggregateID))
	if err != nil {
		return streamHead{}, nil, err
	}
	return streamHead{version: uint64(len(envs)), lastSeq: lastSeq}, envs, nil
}

// readFiltered drains every message matching filter through an ephemeral
// ordered consumer and returns the decoded envelopes in stream order.
func (l *JetStreamLog) readFiltered(ctx context.Context, filter string) ([]dispatch.EventEnvelope, uint64, error) {
	stream, err := l.js.Stream(ctx, dispatch.LogStreamName)
	if err != nil {
		return nil, 0, fmt.Errorf("open stream %s: %w", dispatch.LogStreamName, err)
	}
	consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("create replay consumer: %w", err)
	}

	var (
		envs    []dispatch.EventEnvelope
		lastSeq uint64
	)
	for {
		batch, err := consumer.FetchNoWait(fetchBatch)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch replay batch: %w", err)
		}
		n := 0
		for msg := range batch.Messages() {
			env, err := dispatch.DecodeEnvelope(msg.Data())
			if err != nil {
				// A corrupt record would otherwise wedge replay forever.
				l.logger.Error("skipping undecodable log record", "subject", msg.Subject(), "error", err)
				n++
				continue
			}
			if meta, err := msg.Metadata(); err == nil {
				lastSeq = meta.Sequence.Stream
			}
			envs = append(envs, env)
			n++
		}
		if err := batch.Error(); err != nil {
			return nil, 0, fmt.Errorf("drain replay batch: %w", err)
		}
		if n < fetchBatch {
			return envs, lastSeq, nil
		}
	}
}

// isWrongLastSequence matches the JetStream wrong-last-sequence API error
// that signals a concurrent writer on the same subject.
func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
