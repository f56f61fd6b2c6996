package planalg

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/c360studio/planstream/dispatch"
	"github.com/c360studio/planstream/mapdata"
)

// Fixed seeds keep the sampling planners reproducible run to run; callers
// that want variety construct their own.
const (
	defaultRRTSeed = 42
	defaultPRMSeed = 1337
)

// RRT grows a rapidly-exploring random tree through the workspace until a
// branch reaches the goal region.
type RRT struct {
	mu   sync.Mutex
	rng  *rand.Rand
	step float64
	iter int
}

// NewRRT returns an RRT planner with the given random seed.
func NewRRT(seed int64) *RRT {
	return &RRT{
		rng:  rand.New(rand.NewSource(seed)),
		step: 2.0,
		iter: 20000,
	}
}

// Algorithm implements Planner.
func (*RRT) Algorithm() dispatch.PlanningAlgorithm { return dispatch.AlgorithmRRT }

// Plan implements Planner.
func (r *RRT) Plan(ctx context.Context, req Request) ([]dispatch.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pointBlocked(req.Workspace, req.Start) || pointBlocked(req.Workspace, req.Goal) {
		return nil, ErrNoPath
	}

	nodes := []dispatch.Position{req.Start}
	parent := []int{-1}

	for i := 0; i < r.iter; i++ {
		if i%256 == 0 {
			if err := checkCtx(ctx); err != nil {
				return nil, err
			}
		}

		target := r.samplePoint(req.Workspace.Bounds)
		if r.rng.Float64() < 0.05 { // goal bias
			target = req.Goal
		}

		nearest := nearestIndex(nodes, target)
		candidate := steer(nodes[nearest], target, r.step)
		if segmentBlocked(req.Workspace, nodes[nearest], candidate) {
			continue
		}
		nodes = append(nodes, candidate)
		parent = append(parent, nearest)

		if mapdata.Distance(candidate, req.Goal) <= r.step &&
			!segmentBlocked(req.Workspace, candidate, req.Goal) {
			nodes = append(nodes, req.Goal)
			parent = append(parent, len(nodes)-2)
			return traceTree(nodes, parent, len(nodes)-1), nil
		}
	}
	return nil, ErrNoPath
}

func (r *RRT) samplePoint(b dispatch.WorkspaceBounds) dispatch.Position {
	return dispatch.Position{
		X: b.MinX + r.rng.Float64()*(b.MaxX-b.MinX),
		Y: b.MinY + r.rng.Float64()*(b.MaxY-b.MinY),
	}
}

func nearestIndex(nodes []dispatch.Position, p dispatch.Position) int {
	best, bestDist := 0, math.Inf(1)
	for i, n := range nodes {
		if d := mapdata.Distance(n, p); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func steer(from, toward dispatch.Position, step float64) dispatch.Position {
	d := mapdata.Distance(from, toward)
	if d <= step {
		return toward
	}
	t := step / d
	return dispatch.Position{X: from.X + (toward.X-from.X)*t, Y: from.Y + (toward.Y-from.Y)*t}
}

func traceTree(nodes []dispatch.Position, parent []int, leaf int) []dispatch.Position {
	var rev []dispatch.Position
	for i := leaf; i >= 0; i = parent[i] {
		rev = append(rev, nodes[i])
	}
	path := make([]dispatch.Position, len(rev))
	for i, p := range rev {
		path[len(rev)-1-i] = p
	}
	return path
}

// PRM samples a probabilistic roadmap once per query, connects neighbors
// within a radius, and searches it with Dijkstra.
type PRM struct {
	mu      sync.Mutex
	rng     *rand.Rand
	samples int
	radius  float64
}

// NewPRM returns a PRM planner with the given random seed.
func NewPRM(seed int64) *PRM {
	return &PRM{
		rng:     rand.New(rand.NewSource(seed)),
		samples: 400,
		radius:  25.0,
	}
}

// Algorithm implements Planner.
func (*PRM) Algorithm() dispatch.PlanningAlgorithm { return dispatch.AlgorithmPRM }

// Plan implements Planner.
func (p *PRM) Plan(ctx context.Context, req Request) ([]dispatch.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pointBlocked(req.Workspace, req.Start) || pointBlocked(req.Workspace, req.Goal) {
		return nil, ErrNoPath
	}

	roadmap := mapdata.NewGraph()
	startID := roadmap.AddNode(req.Start)
	goalID := roadmap.AddNode(req.Goal)

	bounds := req.Workspace.Bounds
	for i := 0; i < p.samples; i++ {
		if i%128 == 0 {
			if err := checkCtx(ctx); err != nil {
				return nil, err
			}
		}
		sample := dispatch.Position{
			X: bounds.MinX + p.rng.Float64()*(bounds.MaxX-bounds.MinX),
			Y: bounds.MinY + p.rng.Float64()*(bounds.MaxY-bounds.MinY),
		}
		if pointBlocked(req.Workspace, sample) {
			continue
		}
		roadmap.AddNode(sample)
	}

	for _, a := range roadmap.Nodes {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		for _, b := range roadmap.Nodes {
			if b.ID <= a.ID {
				continue
			}
			if mapdata.Distance(a.Pos, b.Pos) > p.radius {
				continue
			}
			if segmentBlocked(req.Workspace, a.Pos, b.Pos) {
				continue
			}
			roadmap.AddEdge(a.ID, b.ID)
		}
	}

	path, err := graphSearch(ctx, Request{
		Graph: roadmap,
		Start: roadmap.Nodes[startID].Pos,
		Goal:  roadmap.Nodes[goalID].Pos,
	}, mapdata.Distance)
	if err != nil {
		return nil, err
	}
	return path, nil
}
