// Package planalg implements the planning capabilities workers advertise.
// Each planner turns a (start, goal) pair into a waypoint list over a
// mapdata graph or the open workspace. Path quality is secondary to the
// contract: deterministic inputs, context-aware loops, explicit failure.
package planalg

import (
	"context"
	"fmt"

	"github.com/c360studio/planstream/dispatch"
	"github.com/c360studio/planstream/mapdata"
)

// Request carries everything a planner may need. Graph may be nil for the
// sampling planners, which work directly in the workspace.
type Request struct {
	Graph     *mapdata.Graph
	Workspace dispatch.Workspace
	Start     dispatch.Position
	Goal      dispatch.Position
}

// Planner is one planning capability.
type Planner interface {
	Algorithm() dispatch.PlanningAlgorithm
	Plan(ctx context.Context, req Request) ([]dispatch.Position, error)
}

// ErrNoPath is returned when a planner exhausts its search without reaching
// the goal.
var ErrNoPath = fmt.Errorf("no path found")

// Registry maps algorithm tags to planner implementations.
type Registry struct {
	planners map[dispatch.PlanningAlgorithm]Planner
}

// NewRegistry returns a registry with every built-in planner installed.
func NewRegistry() *Registry {
	r := &Registry{planners: make(map[dispatch.PlanningAlgorithm]Planner)}
	r.Register(NewAStar())
	r.Register(NewDijkstra())
	r.Register(NewRRT(defaultRRTSeed))
	r.Register(NewPRM(defaultPRMSeed))
	r.Register(NewDynamicWindow())
	return r
}

// Register installs or replaces a planner.
func (r *Registry) Register(p Planner) {
	r.planners[p.Algorithm()] = p
}

// Get returns the planner for an algorithm tag.
func (r *Registry) Get(a dispatch.PlanningAlgorithm) (Planner, bool) {
	p, ok := r.planners[a]
	return p, ok
}

// Algorithms lists the registered capability tags.
func (r *Registry) Algorithms() []dispatch.PlanningAlgorithm {
	out := make([]dispatch.PlanningAlgorithm, 0, len(r.planners))
	for _, a := range dispatch.Algorithms {
		if _, ok := r.planners[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

// pointBlocked reports whether p lies inside any obstacle rectangle.
func pointBlocked(ws dispatch.Workspace, p dispatch.Position) bool {
	for _, o := range ws.Obstacles {
		if p.X >= o.MinX && p.X <= o.MaxX && p.Y >= o.MinY && p.Y <= o.MaxY {
			return true
		}
	}
	return false
}

// segmentBlocked samples the segment at a fixed resolution and reports
// whether any sample is blocked or out of bounds.
func segmentBlocked(ws dispatch.Workspace, a, b dispatch.Position) bool {
	const resolution = 0.5
	dist := mapdata.Distance(a, b)
	steps := int(dist/resolution) + 1
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		p := dispatch.Position{X: a.X + (b.X-a.X)*t, Y: a.Y + (b.Y-a.Y)*t}
		if !ws.Bounds.Contains(p) || pointBlocked(ws, p) {
			return true
		}
	}
	return false
}

// checkCtx is the cancellation probe planners call inside their main loops.
func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
