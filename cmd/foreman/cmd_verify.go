package main

import (
	"fmt"
	"io"
	"sort"

	"foreman/pkg/rebuild"

	"github.com/spf13/cobra"
)

// newVerifyCmd creates the "foreman verify" subcommand.
func newVerifyCmd() *cobra.Command {
	var reconcile bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check registry consistency against the filesystem",
		Long:  "Walks the workspace and compares it against the registry.\nWith --reconcile the safe drift cases are repaired; hash mismatches\nare always left for the operator.",
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

			drift, err := rebuild.VerifyConsistency(cmd.Context(), rt.reg)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if drift.Clean() {
				fmt.Fprintln(w, "registry and filesystem are consistent")
				return nil
			}

			printDrift(w, drift)

			if !reconcile {
				return fmt.Errorf("drift detected (rerun with --reconcile to repair the safe cases)")
			}

			res, err := rebuild.Reconcile(cmd.Context(), rt.reg, drift)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "reconciled: %d registered, %d removed, %d deps pruned, %d flagged\n",
				res.Registered, res.Removed, res.PrunedDeps, res.Flagged)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "repair safe drift cases (adopt, remove ghosts, prune deps)")

	return cmd
}

// printDrift lists every drift finding, one per line.
func printDrift(w io.Writer, drift *rebuild.Drift) {
	for _, p := range drift.Unregistered {
		fmt.Fprintf(w, "unregistered: %s\n", p)
	}
	for _, p := range drift.Ghosts {
		fmt.Fprintf(w, "ghost: %s\n", p)
	}
	for _, m := range drift.HashMismatches {
		fmt.Fprintf(w, "hash mismatch: %s (registry %.12s, file %.12s)\n",
			m.Path, m.RegistryHash, m.FileHash)
	}

	paths := make([]string, 0, len(drift.DanglingDeps))
	for p := range drift.DanglingDeps {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		for _, dep := range drift.DanglingDeps[p] {
			fmt.Fprintf(w, "dangling dep: %s -> %s\n", p, dep)
		}
	}
}
