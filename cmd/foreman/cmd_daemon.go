package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foreman/pkg/admission"
	"foreman/pkg/config"
	"foreman/pkg/protocol"
	"foreman/pkg/resilience"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// newDaemonCmd creates the "foreman daemon" subcommand.
func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the foreman background daemon",
		Long:  "Runs the resource sampler, expired-lock janitor, queue promoter,\nhealth probes, and the HTTP status endpoint until SIGTERM/SIGINT.",
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

			pidPath := PIDPath(paths)
			if status, pid, _ := DaemonStatus(pidPath); status == StatusRunning {
				return fmt.Errorf("daemon already running (PID %d)", pid)
			}
			if err := WritePIDFile(pidPath, os.Getpid()); err != nil {
				return err
			}
			defer func() { _ = RemovePIDFile(pidPath) }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "daemon started (PID %d) on %s\n", os.Getpid(), rt.cfg.Daemon.StatusAddr)
			return runDaemon(ctx, rt)
		},
	}
}

// runDaemon runs the daemon loops until the context is cancelled. All
// loops share the lifetime of the errgroup: the first failure stops
// the rest.
func runDaemon(ctx context.Context, rt *runtime) error {
	adm, sampler, err := rt.newController()
	if err != nil {
		return err
	}

	checker := healthChecker(rt)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sampler.Run(gctx) })
	g.Go(func() error { return lockJanitor(gctx, rt) })
	g.Go(func() error { return queuePromoter(gctx, adm) })
	g.Go(func() error { return healthLoop(gctx, rt, adm, checker) })
	g.Go(func() error { return serveStatus(gctx, rt, adm, checker) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// lockJanitor periodically sweeps expired file locks.
func lockJanitor(ctx context.Context, rt *runtime) error {
	ticker := time.NewTicker(config.Duration(rt.cfg.Daemon.LockJanitor))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := rt.reg.CleanupExpiredLocks(ctx); err != nil {
				return fmt.Errorf("lock janitor: %w", err)
			}
		}
	}
}

// queuePromoter periodically admits queued tickets once capacity frees
// up, covering releases that raced a capacity change.
func queuePromoter(ctx context.Context, adm *admission.Controller) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			adm.ProcessQueued()
		}
	}
}

// healthLoop probes system health and throttles admission while the
// system is critical.
func healthLoop(ctx context.Context, rt *runtime, adm *admission.Controller, checker *resilience.HealthChecker) error {
	ticker := time.NewTicker(config.Duration(rt.cfg.Daemon.HealthInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report := checker.Report(ctx)
			if report.Overall == protocol.Critical {
				adm.EmergencyThrottle()
			} else {
				adm.RestoreCeiling()
			}
		}
	}
}

// serveStatus runs the HTTP status endpoint until the context is
// cancelled, then shuts it down within the configured timeout.
func serveStatus(ctx context.Context, rt *runtime, adm *admission.Controller, checker *resilience.HealthChecker) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", adm.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, adm.Status())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := checker.Report(r.Context())
		if report.Overall == protocol.Critical {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, report)
	})

	srv := &http.Server{
		Addr:              rt.cfg.Daemon.StatusAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(rt.cfg.Daemon.ShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return ctx.Err()
}

// writeJSON writes one JSON response body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newStopCmd creates the "foreman stop" subcommand.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal the foreman daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := rootPaths(cmd)
			if err != nil {
				return err
			}

			pidPath := PIDPath(paths)
			status, pid, err := DaemonStatus(pidPath)
			if err != nil {
				return err
			}

			switch status {
			case StatusStopped:
				fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
				return nil
			case StatusStale:
				fmt.Fprintln(cmd.OutOrStdout(), "removing stale PID file (process already dead)")
				return RemovePIDFile(pidPath)
			case StatusRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "sending SIGTERM to daemon (PID %d)\n", pid)
				if err := StopDaemon(pidPath); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "stop signal sent")
				return nil
			}

			return nil
		},
	}
}
