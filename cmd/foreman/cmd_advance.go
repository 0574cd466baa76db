package main

import (
	"errors"
	"fmt"

	"foreman/pkg/orchestrator"

	"github.com/spf13/cobra"
)

// newAdvanceCmd creates the "foreman advance" subcommand.
func newAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <ticket-id>",
		Short: "Run the ticket's next pipeline stage",
		Long:  "Dispatches the current stage to its agent and blocks until the agent\nsignals completion. Staged file mutations commit through the write\nprotocol on success.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := rootPaths(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(paths)
			if err != nil {
				return err
			}
			defer rt.Close()

			o, err := rt.newOrchestratorQuiet()
			if err != nil {
				return err
			}

			snap, err := o.Advance(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, orchestrator.ErrNoCapacity) {
					return fmt.Errorf("%s: %w (check `foreman status`)", args[0], err)
				}
				if snap != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s stage failed (retry %d, status %s)\n",
						snap.TicketID, snap.RetryCount, snap.Status)
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s advanced to %s\n", snap.TicketID, snap.Status)
			return nil
		},
	}
}
