package planalg

import (
	"context"
	"testing"

	"github.com/c360studio/planstream/dispatch"
	"github.com/c360studio/planstream/mapdata"
)

func openWorkspace() dispatch.Workspace {
	return dispatch.Workspace{
		Bounds: dispatch.WorkspaceBounds{MinX: -100, MaxX: 100, MinY: -100, MaxY: 100},
	}
}

func walledWorkspace() dispatch.Workspace {
	// A vertical wall at x∈[-5,5] with a gap below y=-40.
	return dispatch.Workspace{
		Bounds: dispatch.WorkspaceBounds{MinX: -100, MaxX: 100, MinY: -100, MaxY: 100},
		Obstacles: []dispatch.Obstacle{
			{MinX: -5, MaxX: 5, MinY: -40, MaxY: 100},
		},
	}
}

// gridGraph builds a 21×21 lattice with 10-unit spacing over the workspace.
func gridGraph(t *testing.T) *mapdata.Graph {
	t.Helper()
	g := mapdata.NewGraph()
	ids := make(map[[2]int]int)
	for x := -100; x <= 100; x += 10 {
		for y := -100; y <= 100; y += 10 {
			ids[[2]int{x, y}] = g.AddNode(dispatch.Position{X: float64(x), Y: float64(y)})
		}
	}
	for key, id := range ids {
		if right, ok := ids[[2]int{key[0] + 10, key[1]}]; ok {
			g.AddEdge(id, right)
		}
		if up, ok := ids[[2]int{key[0], key[1] + 10}]; ok {
			g.AddEdge(id, up)
		}
	}
	return g
}

func checkPath(t *testing.T, path []dispatch.Position, start, goal dispatch.Position) {
	t.Helper()
	if len(path) < 2 {
		t.Fatalf("path has %d waypoints, want >= 2", len(path))
	}
	if path[0] != start {
		t.Errorf("path starts at %+v, want %+v", path[0], start)
	}
	if path[len(path)-1] != goal {
		t.Errorf("path ends at %+v, want %+v", path[len(path)-1], goal)
	}
}

func TestGraphSearchPlanners(t *testing.T) {
	g := gridGraph(t)
	start := dispatch.Position{X: -90, Y: -90}
	goal := dispatch.Position{X: 90, Y: 90}

	for _, p := range []Planner{NewAStar(), NewDijkstra()} {
		t.Run(string(p.Algorithm()), func(t *testing.T) {
			path, err := p.Plan(context.Background(), Request{
				Graph: g, Workspace: openWorkspace(), Start: start, Goal: goal,
			})
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			checkPath(t, path, start, goal)

			// Lattice distance between the snapped endpoints is 360; both
			// planners must find an optimal-length node path.
			var total float64
			for i := 1; i < len(path); i++ {
				total += mapdata.Distance(path[i-1], path[i])
			}
			if total > 361 {
				t.Errorf("path length = %.1f, want <= 361", total)
			}
		})
	}
}

func TestGraphSearchNoPath(t *testing.T) {
	g := mapdata.NewGraph()
	g.AddNode(dispatch.Position{X: 0, Y: 0})
	g.AddNode(dispatch.Position{X: 50, Y: 50}) // disconnected

	_, err := NewAStar().Plan(context.Background(), Request{
		Graph:     g,
		Workspace: openWorkspace(),
		Start:     dispatch.Position{X: 0, Y: 0},
		Goal:      dispatch.Position{X: 50, Y: 50},
	})
	if err != ErrNoPath {
		t.Fatalf("Plan() error = %v, want ErrNoPath", err)
	}
}

func TestSamplingPlannersAvoidObstacles(t *testing.T) {
	ws := walledWorkspace()
	start := dispatch.Position{X: -50, Y: 0}
	goal := dispatch.Position{X: 50, Y: 0}

	for _, p := range []Planner{NewRRT(defaultRRTSeed), NewPRM(defaultPRMSeed)} {
		t.Run(string(p.Algorithm()), func(t *testing.T) {
			path, err := p.Plan(context.Background(), Request{Workspace: ws, Start: start, Goal: goal})
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			checkPath(t, path, start, goal)
			for i := 1; i < len(path); i++ {
				if segmentBlocked(ws, path[i-1], path[i]) {
					t.Fatalf("segment %d crosses an obstacle: %+v -> %+v", i, path[i-1], path[i])
				}
			}
		})
	}
}

func TestSamplingPlannersBlockedEndpoint(t *testing.T) {
	ws := walledWorkspace()
	inWall := dispatch.Position{X: 0, Y: 0}

	for _, p := range []Planner{NewRRT(1), NewPRM(1)} {
		t.Run(string(p.Algorithm()), func(t *testing.T) {
			_, err := p.Plan(context.Background(), Request{
				Workspace: ws, Start: inWall, Goal: dispatch.Position{X: 50, Y: 0},
			})
			if err != ErrNoPath {
				t.Fatalf("Plan() error = %v, want ErrNoPath", err)
			}
		})
	}
}

func TestDynamicWindowOpenField(t *testing.T) {
	start := dispatch.Position{X: -20, Y: -20}
	goal := dispatch.Position{X: 30, Y: 10}

	path, err := NewDynamicWindow().Plan(context.Background(), Request{
		Workspace: openWorkspace(), Start: start, Goal: goal,
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	checkPath(t, path, start, goal)
}

func TestPlanCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// An unreachable goal forces the full iteration budget, so the
	// cancelled context must be what stops the search.
	ws := dispatch.Workspace{
		Bounds: dispatch.WorkspaceBounds{MinX: -100, MaxX: 100, MinY: -100, MaxY: 100},
		Obstacles: []dispatch.Obstacle{
			{MinX: 40, MaxX: 60, MinY: -100, MaxY: 100},
		},
	}
	_, err := NewRRT(defaultRRTSeed).Plan(ctx, Request{
		Workspace: ws,
		Start:     dispatch.Position{X: 0, Y: 0},
		Goal:      dispatch.Position{X: 80, Y: 0},
	})
	if err != context.Canceled {
		t.Fatalf("Plan() error = %v, want context.Canceled", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if got := len(r.Algorithms()); got != len(dispatch.Algorithms) {
		t.Fatalf("registry has %d algorithms, want %d", got, len(dispatch.Algorithms))
	}
	for _, a := range dispatch.Algorithms {
		p, ok := r.Get(a)
		if !ok {
			t.Errorf("Get(%s) missing", a)
			continue
		}
		if p.Algorithm() != a {
			t.Errorf("Get(%s) returned planner for %s", a, p.Algorithm())
		}
	}
	if _, ok := r.Get(dispatch.PlanningAlgorithm("Nope")); ok {
		t.Error("Get(Nope) unexpectedly found a planner")
	}
}
