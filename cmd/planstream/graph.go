package main

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/c360studio/planstream/mapdata"
)

func graphCmd(configPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Manage compiled navigation graphs",
	}
	cmd.AddCommand(graphBuildCmd(configPath, logLevel))
	cmd.AddCommand(graphInfoCmd(configPath, logLevel))
	return cmd
}

func graphBuildCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "build <name>",
		Short: "Compile a GeoJSON source into a navigation graph",
		Long: `Compile <data-dir>/<name>.geojson into <data-dir>/<name>.pgph.

LineString and MultiLineString features become graph edges; shared
coordinates merge into single nodes. Workers load the compiled graph for
the graph-search capabilities.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			store, err := mapdata.NewStore(cfg.Data.Dir, logger)
			if err != nil {
				return err
			}
			g, err := store.Compile(args[0])
			if err != nil {
				return fmt.Errorf("compile %s: %w", args[0], err)
			}
			fmt.Printf("compiled %s: %d nodes, %d edges -> %s\n",
				args[0], len(g.Nodes), edgeCount(g), store.GraphPath(args[0]))
			return nil
		},
	}
}

func graphInfoCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Describe a compiled navigation graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			store, err := mapdata.NewStore(cfg.Data.Dir, logger)
			if err != nil {
				return err
			}
			g, err := store.Graph(args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}

			minX, minY := math.Inf(1), math.Inf(1)
			maxX, maxY := math.Inf(-1), math.Inf(-1)
			for _, n := range g.Nodes {
				minX = math.Min(minX, n.Pos.X)
				maxX = math.Max(maxX, n.Pos.X)
				minY = math.Min(minY, n.Pos.Y)
				maxY = math.Max(maxY, n.Pos.Y)
			}

			fmt.Printf("graph:  %s\n", args[0])
			fmt.Printf("nodes:  %d\n", len(g.Nodes))
			fmt.Printf("edges:  %d\n", edgeCount(g))
			if len(g.Nodes) > 0 {
				fmt.Printf("bounds: x [%.2f, %.2f], y [%.2f, %.2f]\n", minX, maxX, minY, maxY)
			}
			return nil
		},
	}
}

// edgeCount counts undirected edges once.
func edgeCount(g *mapdata.Graph) int {
	total := 0
	for _, adj := range g.Adjacency {
		total += len(adj)
	}
	return total / 2
}
