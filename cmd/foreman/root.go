package main

import (
	"fmt"

	"foreman/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Durable task pipeline orchestrator",
		Long:          "foreman drives tickets through an agent pipeline.\nAll state derives from an append-only event log under .foreman/.",
		Version:       fmt.Sprintf("foreman %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().String("root", "", "workspace root (default: $FOREMAN_ROOT or the current directory)")

	cmd.AddCommand(
		newInitCmd(),
		newDaemonCmd(),
		newStopCmd(),
		newTicketCmd(),
		newAdvanceCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newRebuildCmd(),
		newVerifyCmd(),
		newLocksCmd(),
	)

	return cmd
}

// rootPaths resolves Paths from the persistent --root flag.
func rootPaths(cmd *cobra.Command) (Paths, error) {
	root, err := cmd.Flags().GetString("root")
	if err != nil {
		return Paths{}, err
	}
	return ResolvePaths(root)
}
