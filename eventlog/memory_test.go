package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/planstream/dispatch"
)

func makeEnvelope(t *testing.T, plannerID, workerID string) dispatch.EventEnvelope {
	t.Helper()
	env, err := dispatch.NewEnvelope(&dispatch.WorkerRegistered{
		EventMeta: dispatch.EventMeta{
			PlannerID:    plannerID,
			Timestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			EventVersion: dispatch.CurrentEventVersion,
		},
		WorkerID:     workerID,
		Capabilities: []dispatch.PlanningAlgorithm{dispatch.AlgorithmAStar},
	}, dispatch.Metadata{Source: "test"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func TestMemoryLog_AppendAndLoad(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	e1 := makeEnvelope(t, "p1", "w1")
	e2 := makeEnvelope(t, "p1", "w2")

	v, err := log.Append(ctx, "p1", 0, []dispatch.EventEnvelope{e1})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}

	v, err = log.Append(ctx, "p1", 1, []dispatch.EventEnvelope{e2})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}

	envs, err := log.Load(ctx, "p1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("Load() returned %d envelopes, want 2", len(envs))
	}
	if envs[0].EventID != e1.EventID || envs[1].EventID != e2.EventID {
		t.Errorf("Load() order = [%s %s], want [%s %s]",
			envs[0].EventID, envs[1].EventID, e1.EventID, e2.EventID)
	}
}

func TestMemoryLog_VersionConflict(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	if _, err := log.Append(ctx, "p1", 0, []dispatch.EventEnvelope{makeEnvelope(t, "p1", "w1")}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	_, err := log.Append(ctx, "p1", 0, []dispatch.EventEnvelope{makeEnvelope(t, "p1", "w2")})
	if !dispatch.IsVersionConflict(err) {
		t.Fatalf("Append() error = %v, want version conflict", err)
	}
}

func TestMemoryLog_DuplicateAppendIsSuccess(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	batch := []dispatch.EventEnvelope{makeEnvelope(t, "p1", "w1"), makeEnvelope(t, "p1", "w2")}
	if _, err := log.Append(ctx, "p1", 0, batch); err != nil {
		t.Fatalf("first Append() error = %v", err)
	}

	// Retrying the identical batch after a lost ack must succeed without
	// writing anything.
	v, err := log.Append(ctx, "p1", 0, batch)
	if err != nil {
		t.Fatalf("retried Append() error = %v", err)
	}
	if v != 2 {
		t.Errorf("version after retry = %d, want 2", v)
	}
	envs, _ := log.Load(ctx, "p1")
	if len(envs) != 2 {
		t.Errorf("log holds %d envelopes after retry, want 2", len(envs))
	}
}

func TestMemoryLog_UnknownAggregateIsEmpty(t *testing.T) {
	envs, err := NewMemoryLog().Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("Load() returned %d envelopes, want 0", len(envs))
	}
}

func TestMemoryLog_LoadByType(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	if _, err := log.Append(ctx, "p1", 0, []dispatch.EventEnvelope{makeEnvelope(t, "p1", "w1")}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := log.Append(ctx, "p2", 0, []dispatch.EventEnvelope{makeEnvelope(t, "p2", "w1")}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	envs, err := log.LoadByType(ctx, dispatch.TypeWorkerRegistered)
	if err != nil {
		t.Fatalf("LoadByType() error = %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("LoadByType() returned %d envelopes, want 2", len(envs))
	}
	if envs[0].AggregateID != "p1" || envs[1].AggregateID != "p2" {
		t.Errorf("global order = [%s %s], want [p1 p2]", envs[0].AggregateID, envs[1].AggregateID)
	}

	none, err := log.LoadByType(ctx, dispatch.TypePlanCompleted)
	if err != nil {
		t.Fatalf("LoadByType() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("LoadByType(PlanCompleted) returned %d envelopes, want 0", len(none))
	}
}
