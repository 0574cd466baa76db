package main

import (
	"fmt"
	"os"
	"path/filepath"

	"foreman/pkg/config"
	"foreman/pkg/orchestrator"
	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "foreman init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the .foreman state directory",
		Long:  "Creates the .foreman state tree with a default config and pipeline\nmapping. Projections are created lazily on first use.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := rootPaths(cmd)
			if err != nil {
				return err
			}

			if _, err := os.Stat(paths.StateDir); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to rewrite config)", paths.StateDir)
			}

			for _, dir := range []string{
				paths.StateDir,
				filepath.Join(paths.StateDir, protocol.ArchiveDir),
				filepath.Join(paths.StateDir, protocol.WorkspacesDir),
			} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			if err := config.WriteDefault(paths.ConfigPath); err != nil {
				return err
			}
			if err := os.WriteFile(paths.PipelinesPath, []byte(orchestrator.DefaultPipelinesYAML), 0o644); err != nil { //nolint:gosec // operator config
				return fmt.Errorf("write %s: %w", paths.PipelinesPath, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", paths.StateDir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "rewrite config and pipelines in an existing state directory")

	return cmd
}
