// Package mapdata supplies workers with the navigation graphs they plan
// over. Graphs are built from GeoJSON road/corridor data and cached on disk
// in a small binary container so workers start without re-parsing source
// data.
package mapdata

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/c360studio/planstream/dispatch"
)

// Node is one graph vertex at a fixed position.
type Node struct {
	ID  int               `json:"id"`
	Pos dispatch.Position `json:"pos"`
}

// Edge is one directed half of an undirected connection.
type Edge struct {
	To     int     `json:"to"`
	Weight float64 `json:"weight"`
}

// Graph is an undirected weighted graph indexed by node id. Ids are dense:
// node i lives at Nodes[i] and its edges at Adjacency[i].
type Graph struct {
	Nodes     []Node   `json:"nodes"`
	Adjacency [][]Edge `json:"adjacency"`

	index map[string]int // coordinate key → node id, build-time only
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

func coordKey(p dispatch.Position) string {
	return fmt.Sprintf("%.9f,%.9f", p.X, p.Y)
}

// AddNode returns the id for a position, inserting it on first sight.
func (g *Graph) AddNode(p dispatch.Position) int {
	if g.index == nil {
		g.rebuildIndex()
	}
	key := coordKey(p)
	if id, ok := g.index[key]; ok {
		return id
	}
	id := len(g.Nodes)
	g.Nodes = append(g.Nodes, Node{ID: id, Pos: p})
	g.Adjacency = append(g.Adjacency, nil)
	g.index[key] = id
	return id
}

// AddEdge connects two nodes both ways, weighted by euclidean distance.
// Self-loops and duplicate edges are ignored.
func (g *Graph) AddEdge(a, b int) {
	if a == b || a < 0 || b < 0 || a >= len(g.Nodes) || b >= len(g.Nodes) {
		return
	}
	for _, e := range g.Adjacency[a] {
		if e.To == b {
			return
		}
	}
	w := Distance(g.Nodes[a].Pos, g.Nodes[b].Pos)
	g.Adjacency[a] = append(g.Adjacency[a], Edge{To: b, Weight: w})
	g.Adjacency[b] = append(g.Adjacency[b], Edge{To: a, Weight: w})
}

// Neighbors returns the edges leaving a node.
func (g *Graph) Neighbors(id int) []Edge {
	if id < 0 || id >= len(g.Adjacency) {
		return nil
	}
	return g.Adjacency[id]
}

// Nearest returns the node closest to p, or false on an empty graph.
func (g *Graph) Nearest(p dispatch.Position) (int, bool) {
	best, bestDist := -1, math.Inf(1)
	for _, n := range g.Nodes {
		if d := Distance(n.Pos, p); d < bestDist {
			best, bestDist = n.ID, d
		}
	}
	return best, best >= 0
}

func (g *Graph) rebuildIndex() {
	g.index = make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		g.index[coordKey(n.Pos)] = n.ID
	}
}

// Distance is the euclidean distance between two positions.
func Distance(a, b dispatch.Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// geojson subset: only the feature geometry shapes that carry paths.
type geoFeatureCollection struct {
	Type     string       `json:"type"`
	Features []geoFeature `json:"features"`
}

type geoFeature struct {
	Type     string      `json:"type"`
	Geometry geoGeometry `json:"geometry"`
}

type geoGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// BuildGraph parses a GeoJSON FeatureCollection and folds every LineString
// and MultiLineString into one graph. Coincident endpoints merge into a
// single node, which is what stitches separate features into a connected
// network. Other geometry types are skipped.
func BuildGraph(text string) (*Graph, error) {
	var fc geoFeatureCollection
	if err := json.Unmarshal([]byte(text), &fc); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("expected FeatureCollection, got %q", fc.Type)
	}

	g := NewGraph()
	for i, f := range fc.Features {
		switch f.Geometry.Type {
		case "LineString":
			var coords [][]float64
			if err := json.Unmarshal(f.Geometry.Coordinates, &coords); err != nil {
				return nil, fmt.Errorf("feature %d: %w", i, err)
			}
			g.addLine(coords)
		case "MultiLineString":
			var lines [][][]float64
			if err := json.Unmarshal(f.Geometry.Coordinates, &lines); err != nil {
				return nil, fmt.Errorf("feature %d: %w", i, err)
			}
			for _, coords := range lines {
				g.addLine(coords)
			}
		}
	}
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("no usable LineString features")
	}
	return g, nil
}

func (g *Graph) addLine(coords [][]float64) {
	prev := -1
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		id := g.AddNode(dispatch.Position{X: c[0], Y: c[1]})
		if prev >= 0 {
			g.AddEdge(prev, id)
		}
		prev = id
	}
}
