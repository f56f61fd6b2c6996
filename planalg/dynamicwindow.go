package planalg

import (
	"context"
	"math"

	"github.com/c360studio/planstream/dispatch"
	"github.com/c360studio/planstream/mapdata"
)

// DynamicWindow is a greedy kinematic rollout: at each step it evaluates a
// window of heading changes, scores the collision-free ones by resulting
// distance to the goal, and advances one step along the best. It is the
// simplest member of the capability set and can get trapped by concave
// obstacles, which it reports as ErrNoPath.
type DynamicWindow struct {
	step     float64
	maxTurn  float64
	headings int
	maxSteps int
}

// NewDynamicWindow returns the rollout planner.
func NewDynamicWindow() *DynamicWindow {
	return &DynamicWindow{
		step:     1.0,
		maxTurn:  math.Pi / 3,
		headings: 15,
		maxSteps: 2000,
	}
}

// Algorithm implements Planner.
func (*DynamicWindow) Algorithm() dispatch.PlanningAlgorithm { return dispatch.AlgorithmDynamicWindow }

// Plan implements Planner.
func (d *DynamicWindow) Plan(ctx context.Context, req Request) ([]dispatch.Position, error) {
	if pointBlocked(req.Workspace, req.Start) || pointBlocked(req.Workspace, req.Goal) {
		return nil, ErrNoPath
	}

	pos := req.Start
	heading := math.Atan2(req.Goal.Y-pos.Y, req.Goal.X-pos.X)
	path := []dispatch.Position{pos}

	for i := 0; i < d.maxSteps; i++ {
		if i%64 == 0 {
			if err := checkCtx(ctx); err != nil {
				return nil, err
			}
		}
		if mapdata.Distance(pos, req.Goal) <= d.step &&
			!segmentBlocked(req.Workspace, pos, req.Goal) {
			return append(path, req.Goal), nil
		}

		bestScore := math.Inf(1)
		var bestPos dispatch.Position
		var bestHeading float64
		found := false
		for h := 0; h < d.headings; h++ {
			turn := -d.maxTurn + 2*d.maxTurn*float64(h)/float64(d.headings-1)
			cand := heading + turn
			next := dispatch.Position{
				X: pos.X + d.step*math.Cos(cand),
				Y: pos.Y + d.step*math.Sin(cand),
			}
			if segmentBlocked(req.Workspace, pos, next) {
				continue
			}
			// Distance to goal plus a mild turn penalty keeps the rollout
			// from oscillating.
			score := mapdata.Distance(next, req.Goal) + 0.1*math.Abs(turn)
			if score < bestScore {
				bestScore, bestPos, bestHeading, found = score, next, cand, true
			}
		}
		if !found {
			return nil, ErrNoPath
		}
		pos, heading = bestPos, bestHeading
		path = append(path, pos)
	}
	return nil, ErrNoPath
}
