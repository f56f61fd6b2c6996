package dispatch

import "github.com/c360studio/semstreams/component"

// Payload factories keyed by message category, one per event variant. The
// category strings match each variant's Schema().
var payloadFactories = map[string]func() any{
	"planner-created":           func() any { return &PlannerCreated{} },
	"path-plan-requested":       func() any { return &PathPlanRequested{} },
	"worker-registered":         func() any { return &WorkerRegistered{} },
	"worker-ready":              func() any { return &WorkerReady{} },
	"worker-busy":               func() any { return &WorkerBusy{} },
	"worker-offline":            func() any { return &WorkerOffline{} },
	"plan-assigned":             func() any { return &PlanAssigned{} },
	"plan-assignment-accepted":  func() any { return &PlanAssignmentAccepted{} },
	"plan-assignment-rejected":  func() any { return &PlanAssignmentRejected{} },
	"plan-assignment-timed-out": func() any { return &PlanAssignmentTimedOut{} },
	"plan-completed":            func() any { return &PlanCompleted{} },
	"plan-failed":               func() any { return &PlanFailed{} },
}

func init() {
	for category, factory := range payloadFactories {
		if err := component.RegisterPayload(&component.PayloadRegistration{
			Domain:      "dispatch",
			Category:    category,
			Version:     "v1",
			Description: "Path-planner dispatch event: " + category,
			Factory:     factory,
		}); err != nil {
			panic("failed to register dispatch payload " + category + ": " + err.Error())
		}
	}
}
