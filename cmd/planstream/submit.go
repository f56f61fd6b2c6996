package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/planstream/dispatch"
	"github.com/c360studio/planstream/eventlog"
)

func submitCmd(configPath, logLevel *string) *cobra.Command {
	var (
		plannerID  string
		agentID    string
		startFlag  string
		goalFlag   string
		startTheta float64
		goalTheta  float64
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a path-plan request to a planner",
		Long: `Submit a path-plan request and print the minted plan id.

The request becomes a PathPlanRequested intent on the planner's inbound
stream; the planner validates it against its workspace and dispatches it to
an idle worker. Watch the bus subjects planstream.events.> for the outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if plannerID == "" {
				plannerID = cfg.Planner.ID
			}

			start, err := parsePosition(startFlag)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			goal, err := parsePosition(goalFlag)
			if err != nil {
				return fmt.Errorf("invalid --goal: %w", err)
			}

			planID := uuid.New().String()
			ev := &dispatch.PathPlanRequested{
				EventMeta: dispatch.EventMeta{
					PlannerID:    plannerID,
					Timestamp:    time.Now().UTC(),
					EventVersion: dispatch.CurrentEventVersion,
				},
				PlanID:           planID,
				RequestID:        uuid.New().String(),
				AgentID:          agentID,
				Start:            start,
				Goal:             goal,
				StartOrientation: dispatch.Orientation{Angle: startTheta},
				GoalOrientation:  dispatch.Orientation{Angle: goalTheta},
			}
			env, err := dispatch.NewEnvelope(ev, dispatch.Metadata{Source: "cli"})
			if err != nil {
				return fmt.Errorf("build request envelope: %w", err)
			}

			ctx := context.Background()
			client, err := connectToNATS(ctx, cfg, logger)
			if err != nil {
				return infraError(err)
			}
			defer client.Close(ctx)

			js, err := client.JetStream()
			if err != nil {
				return infraError(fmt.Errorf("get jetstream: %w", err))
			}
			if _, err := eventlog.EnsureInboundStream(ctx, js); err != nil {
				return infraError(fmt.Errorf("ensure inbound stream: %w", err))
			}

			data, err := env.Encode()
			if err != nil {
				return fmt.Errorf("encode envelope: %w", err)
			}
			subject := dispatch.InboundSubject(plannerID, env.EventType)
			if _, err := js.Publish(ctx, subject, data, jetstream.WithMsgID(env.EventID)); err != nil {
				return infraError(fmt.Errorf("publish request: %w", err))
			}

			fmt.Printf("plan_id: %s\n", planID)
			return nil
		},
	}

	cmd.Flags().StringVar(&plannerID, "planner", "", "Planner aggregate id (defaults to config)")
	cmd.Flags().StringVar(&agentID, "agent", "agent-1", "Agent the plan is for")
	cmd.Flags().StringVar(&startFlag, "start", "", "Start position as x,y")
	cmd.Flags().StringVar(&goalFlag, "goal", "", "Goal position as x,y")
	cmd.Flags().Float64Var(&startTheta, "start-theta", 0, "Start orientation in radians")
	cmd.Flags().Float64Var(&goalTheta, "goal-theta", 0, "Goal orientation in radians")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

// parsePosition parses "x,y" into a position.
func parsePosition(s string) (dispatch.Position, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return dispatch.Position{}, fmt.Errorf("want x,y, got %q", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return dispatch.Position{}, fmt.Errorf("bad x: %w", err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return dispatch.Position{}, fmt.Errorf("bad y: %w", err)
	}
	return dispatch.Position{X: x, Y: y}, nil
}
