package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	ticket string
	tail   int
	follow bool
}

// newLogsCmd creates the "foreman logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail the event log",
		Long:  "Replays events from the append-only log in order.\nOptionally filter by ticket and follow new events.",
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

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followEvents(cmd.Context(), rt.log, w, cfg)
			}
			return printEvents(cmd.Context(), rt.log, w, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.ticket, "ticket", "", "only show events for this ticket")
	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")

	return cmd
}

// printEvents displays the last N events, optionally filtered by ticket.
func printEvents(ctx context.Context, log *eventlog.Log, w io.Writer, cfg logsConfig) error {
	events, err := log.ReplayAll(ctx, eventlog.Filter{TicketID: cfg.ticket})
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	start := 0
	if cfg.tail > 0 && len(events) > cfg.tail {
		start = len(events) - cfg.tail
	}
	for i := start; i < len(events); i++ {
		formatLogEvent(w, &events[i])
	}
	return nil
}

// followEvents displays the initial tail, then polls for new events.
// Event IDs are fixed-width and time-ordered, so string comparison
// detects what is new.
func followEvents(ctx context.Context, log *eventlog.Log, w io.Writer, cfg logsConfig) error {
	events, err := log.ReplayAll(ctx, eventlog.Filter{TicketID: cfg.ticket})
	if err != nil {
		return err
	}

	var lastID string
	start := 0
	if cfg.tail > 0 && len(events) > cfg.tail {
		start = len(events) - cfg.tail
	}
	for i := start; i < len(events); i++ {
		formatLogEvent(w, &events[i])
	}
	if len(events) > 0 {
		lastID = events[len(events)-1].EventID
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			events, err := log.ReplayAll(ctx, eventlog.Filter{TicketID: cfg.ticket})
			if err != nil {
				return err
			}
			for i := range events {
				if events[i].EventID <= lastID {
					continue
				}
				formatLogEvent(w, &events[i])
				lastID = events[i].EventID
			}
		}
	}
}

// formatLogEvent writes a single event in a human-readable format.
func formatLogEvent(w io.Writer, ev *protocol.Event) {
	ts := time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339)
	agent := ev.Agent
	if agent == "" {
		agent = "-"
	}
	fmt.Fprintf(w, "%s | %-12s | %-20s | %-12s | %s\n",
		ts, ev.TicketID, ev.Type, agent, ev.EventID)
}
