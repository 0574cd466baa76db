package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"foreman/pkg/protocol"
	"foreman/pkg/resilience"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "foreman status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, resource, and pipeline health",
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
			printDaemonLine(w, paths)

			adm, _, err := rt.newController()
			if err != nil {
				return err
			}
			printResourceStatus(w, adm.Status())

			report := healthChecker(rt).Report(cmd.Context())
			printHealthReport(w, report)

			printTicketSummary(w, rt)
			return nil
		},
	}
}

// printDaemonLine reports whether the background daemon is running.
func printDaemonLine(w io.Writer, paths Paths) {
	status, pid, err := DaemonStatus(PIDPath(paths))
	switch {
	case err != nil:
		fmt.Fprintf(w, "daemon:  unknown (%v)\n", err)
	case status == StatusRunning:
		fmt.Fprintf(w, "daemon:  running (PID %d)\n", pid)
	case status == StatusStale:
		fmt.Fprintf(w, "daemon:  stale PID file (PID %d is dead)\n", pid)
	default:
		fmt.Fprintln(w, "daemon:  stopped")
	}
}

// printResourceStatus renders the admission controller snapshot.
func printResourceStatus(w io.Writer, st protocol.ResourceStatus) {
	fmt.Fprintf(w, "resources: cpu %.1f%%, mem %.1f%%, active %d/%d, queued %d",
		st.CPUPercent, st.MemoryPercent, st.Active, st.MaxConcurrent, st.Queued)
	if st.LimitsExceeded {
		fmt.Fprint(w, " [limits exceeded]")
	}
	fmt.Fprintln(w)
}

// printHealthReport renders probe results.
func printHealthReport(w io.Writer, report protocol.HealthReport) {
	fmt.Fprintf(w, "health:  %s\n", report.Overall)
	for _, c := range report.Components {
		if c.Level == protocol.Healthy {
			continue
		}
		fmt.Fprintf(w, "  %s: %s (%s)\n", c.Name, c.Level, c.Detail)
	}
}

// printTicketSummary renders ticket counts per pipeline stage.
func printTicketSummary(w io.Writer, rt *runtime) {
	counts := map[protocol.TaskStatus]int{}
	for _, snap := range rt.store.All() {
		counts[snap.Status]++
	}
	if len(counts) == 0 {
		fmt.Fprintln(w, "tickets: none")
		return
	}

	stages := make([]protocol.TaskStatus, 0, len(counts))
	for stage := range counts {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })

	fmt.Fprint(w, "tickets:")
	for _, stage := range stages {
		fmt.Fprintf(w, " %s=%d", stage, counts[stage])
	}
	fmt.Fprintln(w)
}

// healthChecker wires the standard probes over the runtime's state.
func healthChecker(rt *runtime) *resilience.HealthChecker {
	h := resilience.NewHealthChecker(0)

	h.RegisterProbe("event_log", func(ctx context.Context) (protocol.HealthLevel, string) {
		if err := rt.log.LastRotateError(); err != nil {
			return protocol.Degraded, "rotation failing: " + err.Error()
		}
		info, err := os.Stat(rt.log.Path())
		if err != nil {
			if os.IsNotExist(err) {
				return protocol.Healthy, "no events yet"
			}
			return protocol.Critical, err.Error()
		}
		return protocol.Healthy, fmt.Sprintf("%d bytes", info.Size())
	})

	h.RegisterProbe("registry", func(ctx context.Context) (protocol.HealthLevel, string) {
		paths, err := rt.reg.AllPaths(ctx)
		if err != nil {
			return protocol.Critical, err.Error()
		}
		return protocol.Healthy, fmt.Sprintf("%d files", len(paths))
	})

	h.RegisterProbe("corrupted_events", func(ctx context.Context) (protocol.HealthLevel, string) {
		records, err := rt.log.CorruptedRecords()
		if err != nil {
			return protocol.Degraded, err.Error()
		}
		if len(records) > 0 {
			return protocol.Degraded, fmt.Sprintf("%d quarantined events", len(records))
		}
		return protocol.Healthy, "none"
	})

	h.RegisterProbe("stale_locks", func(ctx context.Context) (protocol.HealthLevel, string) {
		n, err := rt.reg.CleanupExpiredLocks(ctx)
		if err != nil {
			return protocol.Degraded, err.Error()
		}
		if n > 0 {
			return protocol.Degraded, fmt.Sprintf("swept %d expired locks", n)
		}
		return protocol.Healthy, "none"
	})

	return h
}
