package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fjogeleit/event-store/core/es"
)

func (a *app) projectionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "projection", Short: "Inspect and control projections"}

	named := func(use, short string, fn func(ctx context.Context, m *es.ProjectionManager, name string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <name>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
					return fn(ctx, store.ProjectionManager(), args[0])
				})
			},
		}
	}

	var emitted bool
	deleteCmd := named("delete", "Request deletion of a projection", func(ctx context.Context, m *es.ProjectionManager, name string) error {
		return m.DeleteProjection(ctx, name, emitted)
	})
	deleteCmd.Flags().BoolVar(&emitted, "emitted", false, "delete the emitted events as well")

	var keepRunning bool
	runCmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a registered projection in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
				p, err := store.Projection(args[0])
				if err != nil {
					return err
				}
				return p.Run(ctx, keepRunning)
			})
		},
	}
	runCmd.Flags().BoolVar(&keepRunning, "keep-running", false, "poll for new events until interrupted")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered and stored projections",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
					names, err := store.ProjectionManager().FetchAllProjectionNames(ctx)
					if err != nil {
						return err
					}
					for _, n := range names {
						fmt.Fprintln(a.out, n)
					}
					return nil
				})
			},
		},
		named("status", "Print the stored status", func(ctx context.Context, m *es.ProjectionManager, name string) error {
			status, err := m.FetchProjectionStatus(ctx, name)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, status)
			return err
		}),
		named("state", "Print the stored state", func(ctx context.Context, m *es.ProjectionManager, name string) error {
			state, err := m.FetchProjectionState(ctx, name)
			if err != nil {
				return err
			}
			if state == nil {
				state = json.RawMessage("null")
			}
			return a.printJSON(state)
		}),
		named("positions", "Print the stored stream positions", func(ctx context.Context, m *es.ProjectionManager, name string) error {
			positions, err := m.FetchProjectionStreamPositions(ctx, name)
			if err != nil {
				return err
			}
			return a.printJSON(positions)
		}),
		named("stop", "Request a running projection to stop", func(ctx context.Context, m *es.ProjectionManager, name string) error {
			return m.StopProjection(ctx, name)
		}),
		named("reset", "Request a projection to rebuild from the start", func(ctx context.Context, m *es.ProjectionManager, name string) error {
			return m.ResetProjection(ctx, name)
		}),
		deleteCmd,
		runCmd,
	)
	return cmd
}
