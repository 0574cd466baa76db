package main

import (
	"fmt"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/eventlog"
	"foreman/pkg/rebuild"

	"github.com/spf13/cobra"
)

// newRebuildCmd creates the "foreman rebuild" subcommand.
func newRebuildCmd() *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild projections from the event log",
		Long:  "Replays the event log into a staging copy of the registry and\nsnapshot table, then atomically swaps it in. Already-applied events\nare skipped; delete the projections first for a full replay.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := rootPaths(cmd)
			if err != nil {
				return err
			}
			if err := paths.RequireInit(); err != nil {
				return err
			}

			var fromTS int64
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("parse --from: %w", err)
				}
				fromTS = t.UnixMilli()
			}

			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return err
			}
			log, err := eventlog.Open(paths.StateDir, eventlog.Config{
				MaxBytes:  cfg.Log.MaxBytes,
				MaxAge:    time.Duration(cfg.Log.MaxAgeDays) * 24 * time.Hour,
				Retention: time.Duration(cfg.Log.RetentionDays) * 24 * time.Hour,
			})
			if err != nil {
				return err
			}
			defer log.Close()

			res, err := rebuild.New(log, paths.Root).Rebuild(cmd.Context(), fromTS)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "rebuild %s: %d events applied, %d skipped (%.0f events/s)\n",
				res.Status, res.EventsProcessed, res.EventsSkipped, res.EventsPerSecond)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "only replay events at or after this RFC3339 timestamp")

	return cmd
}
