package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newLocksCmd creates the "foreman locks" command group.
func newLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Manage file locks",
	}

	cmd.AddCommand(
		newLocksCleanupCmd(),
		newLocksReleaseCmd(),
	)

	return cmd
}

// newLocksCleanupCmd creates the "foreman locks cleanup" subcommand.
func newLocksCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired locks",
		Args:  cobra.NoArgs,
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

			n, err := rt.reg.CleanupExpiredLocks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired locks\n", n)
			return nil
		},
	}
}

// newLocksReleaseCmd creates the "foreman locks release" subcommand.
func newLocksReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <ticket-id>",
		Short: "Release every lock held by a ticket",
		Long:  "Force-releases a ticket's locks. Only for recovering from a crashed\nstage; a live stage holding these locks will fail its next commit.",
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

			n, err := rt.reg.ReleaseTicketLocks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d locks held by %s\n", n, args[0])
			return nil
		},
	}
}
