package planalg

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/c360studio/planstream/dispatch"
	"github.com/c360studio/planstream/mapdata"
)

// AStar searches the navigation graph with a euclidean heuristic.
type AStar struct{}

// NewAStar returns the A* planner.
func NewAStar() *AStar { return &AStar{} }

// Algorithm implements Planner.
func (*AStar) Algorithm() dispatch.PlanningAlgorithm { return dispatch.AlgorithmAStar }

// Plan implements Planner.
func (*AStar) Plan(ctx context.Context, req Request) ([]dispatch.Position, error) {
	return graphSearch(ctx, req, mapdata.Distance)
}

// Dijkstra is A* with a zero heuristic.
type Dijkstra struct{}

// NewDijkstra returns the Dijkstra planner.
func NewDijkstra() *Dijkstra { return &Dijkstra{} }

// Algorithm implements Planner.
func (*Dijkstra) Algorithm() dispatch.PlanningAlgorithm { return dispatch.AlgorithmDijkstra }

// Plan implements Planner.
func (*Dijkstra) Plan(ctx context.Context, req Request) ([]dispatch.Position, error) {
	return graphSearch(ctx, req, func(dispatch.Position, dispatch.Position) float64 { return 0 })
}

type searchItem struct {
	node     int
	priority float64
	index    int
}

type searchQueue []*searchItem

func (q searchQueue) Len() int            { return len(q) }
func (q searchQueue) Less(i, j int) bool  { return q[i].priority < q[j].priority }
func (q searchQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *searchQueue) Push(x any)         { it := x.(*searchItem); it.index = len(*q); *q = append(*q, it) }
func (q *searchQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// graphSearch runs best-first search from the node nearest start to the node
// nearest goal, then brackets the node path with the exact endpoints.
func graphSearch(ctx context.Context, req Request, heuristic func(a, b dispatch.Position) float64) ([]dispatch.Position, error) {
	g := req.Graph
	if g == nil || len(g.Nodes) == 0 {
		return nil, fmt.Errorf("empty navigation graph")
	}
	startNode, _ := g.Nearest(req.Start)
	goalNode, _ := g.Nearest(req.Goal)
	goalPos := g.Nodes[goalNode].Pos

	dist := make(map[int]float64, len(g.Nodes))
	prev := make(map[int]int, len(g.Nodes))
	dist[startNode] = 0

	q := &searchQueue{}
	heap.Init(q)
	heap.Push(q, &searchItem{node: startNode, priority: heuristic(g.Nodes[startNode].Pos, goalPos)})

	visited := make(map[int]bool, len(g.Nodes))
	for q.Len() > 0 {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		current := heap.Pop(q).(*searchItem).node
		if current == goalNode {
			return assemblePath(req, g, prev, startNode, goalNode), nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		for _, e := range g.Neighbors(current) {
			candidate := dist[current] + e.Weight
			if d, seen := dist[e.To]; seen && candidate >= d {
				continue
			}
			dist[e.To] = candidate
			prev[e.To] = current
			heap.Push(q, &searchItem{
				node:     e.To,
				priority: candidate + heuristic(g.Nodes[e.To].Pos, goalPos),
			})
		}
	}
	return nil, ErrNoPath
}

func assemblePath(req Request, g *mapdata.Graph, prev map[int]int, startNode, goalNode int) []dispatch.Position {
	var nodes []int
	for n := goalNode; ; {
		nodes = append(nodes, n)
		if n == startNode {
			break
		}
		n = prev[n]
	}

	path := make([]dispatch.Position, 0, len(nodes)+2)
	if g.Nodes[startNode].Pos != req.Start {
		path = append(path, req.Start)
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		path = append(path, g.Nodes[nodes[i]].Pos)
	}
	if g.Nodes[goalNode].Pos != req.Goal {
		path = append(path, req.Goal)
	}
	return path
}
