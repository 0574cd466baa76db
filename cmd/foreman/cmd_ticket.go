package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"foreman/pkg/orchestrator"
	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

// newTicketCmd creates the "foreman ticket" command group.
func newTicketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Create and inspect tickets",
	}

	cmd.AddCommand(
		newTicketCreateCmd(),
		newTicketListCmd(),
		newTicketShowCmd(),
		newTicketFailCmd(),
	)

	return cmd
}

// ticketCreateConfig holds flags for "ticket create".
type ticketCreateConfig struct {
	id           string
	paths        []string
	verification []string
}

// newTicketCreateCmd creates the "foreman ticket create" subcommand.
func newTicketCreateCmd() *cobra.Command {
	var cfg ticketCreateConfig

	cmd := &cobra.Command{
		Use:   "create <request>",
		Short: "Create a ticket and its job workspace",
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

			snap, err := o.CreateTicket(cmd.Context(), ticketCreateParams(cfg, args[0]))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "created %s (job %s)\n", snap.TicketID, snap.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.id, "id", "", "explicit ticket ID (generated when omitted)")
	cmd.Flags().StringSliceVar(&cfg.paths, "path", nil, "file the pipeline may modify (repeatable)")
	cmd.Flags().StringSliceVar(&cfg.verification, "verify", nil, "verification step for the tester stage (repeatable)")

	return cmd
}

// newTicketListCmd creates the "foreman ticket list" subcommand.
func newTicketListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets and their pipeline stage",
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

			snaps := rt.store.All()
			sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt < snaps[j].CreatedAt })

			w := cmd.OutOrStdout()
			shown := 0
			for _, snap := range snaps {
				if !all && snap.Status.Terminal() {
					continue
				}
				formatSnapshot(w, &snap)
				shown++
			}
			if shown == 0 {
				fmt.Fprintln(w, "no tickets")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include completed and failed tickets")

	return cmd
}

// newTicketShowCmd creates the "foreman ticket show" subcommand.
func newTicketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show one ticket in detail",
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

			snap, err := rt.store.Get(args[0])
			if err != nil {
				return err
			}

			owned, err := rt.reg.ByTicket(cmd.Context(), snap.TicketID)
			if err != nil {
				return err
			}
			events, err := rt.log.Count(cmd.Context(), snap.TicketID)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "ticket:  %s\n", snap.TicketID)
			fmt.Fprintf(w, "job:     %s\n", snap.JobID)
			fmt.Fprintf(w, "status:  %s\n", snap.Status)
			if snap.CurrentAgent != "" {
				fmt.Fprintf(w, "agent:   %s\n", snap.CurrentAgent)
			}
			fmt.Fprintf(w, "retries: %d\n", snap.RetryCount)
			fmt.Fprintf(w, "events:  %d\n", events)
			fmt.Fprintf(w, "updated: %s\n", formatMillis(snap.UpdatedAt))
			if len(owned) > 0 {
				fmt.Fprintf(w, "files:   %s\n", strings.Join(owned, ", "))
			}
			return nil
		},
	}
}

// newTicketFailCmd creates the "foreman ticket fail" subcommand.
func newTicketFailCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail <ticket-id>",
		Short: "Mark a ticket FAILED and release its locks",
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

			snap, err := o.Fail(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", snap.TicketID, snap.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "failure reason recorded on the event")

	return cmd
}

// ticketCreateParams maps create flags onto orchestrator parameters.
func ticketCreateParams(cfg ticketCreateConfig, request string) orchestrator.CreateParams {
	return orchestrator.CreateParams{
		TicketID:     cfg.id,
		Request:      request,
		Paths:        cfg.paths,
		Verification: cfg.verification,
	}
}

// formatSnapshot writes one ticket line for list output.
func formatSnapshot(w io.Writer, snap *protocol.TaskSnapshot) {
	retry := ""
	if snap.RetryCount > 0 {
		retry = fmt.Sprintf(" retry=%d", snap.RetryCount)
	}
	fmt.Fprintf(w, "%-12s %-12s %-10s %s%s\n",
		snap.TicketID, snap.Status, snap.CurrentAgent, formatMillis(snap.UpdatedAt), retry)
}

// formatMillis renders a millisecond epoch timestamp.
func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
