// Package rebuild reconstructs the derived stores (registry, snapshot
// table) from the event log. The log is the only durable truth: a
// rebuild streams events into a staging copy of both projections and
// atomically swaps it into place, so the live system never observes a
// half-rebuilt state. An applied-events ledger makes rebuilds
// idempotent: a second run over the same log processes zero events.
package rebuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/registry"
	"foreman/pkg/snapshot"
)

// Result summarizes one rebuild run.
type Result struct {
	Status          string  `json:"status"`
	EventsProcessed int     `json:"events_processed"`
	EventsSkipped   int     `json:"events_skipped"`
	EventsPerSecond float64 `json:"events_per_second"`
}

// Rebuilder rebuilds the projections for one workspace root. The active
// registry and snapshot store must not be open elsewhere while Rebuild
// runs; the CLI runs it as a standalone operation.
type Rebuilder struct {
	log  *eventlog.Log
	root string

	nowFunc func() time.Time
}

// New returns a Rebuilder over the given log and workspace root.
func New(log *eventlog.Log, root string) *Rebuilder {
	return &Rebuilder{log: log, root: root, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (r *Rebuilder) SetNowFunc(fn func() time.Time) { r.nowFunc = fn }

// Rebuild replays events at or after fromTS (0 = everything) into a
// staging copy of the registry and snapshot table, then swaps staging
// into the active location. Events already in the applied ledger are
// skipped. Concurrent rebuilds are excluded by a lockfile; any failure
// discards staging wholesale and leaves active state untouched.
func (r *Rebuilder) Rebuild(ctx context.Context, fromTS int64) (*Result, error) {
	stateDir := filepath.Join(r.root, protocol.ForemanDir)

	lockPath := filepath.Join(stateDir, protocol.RebuildLockFile)
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec // internal path
	if err != nil {
		return nil, fmt.Errorf("acquire rebuild lock: %w", err)
	}
	defer func() {
		_ = lock.Close()
		_ = os.Remove(lockPath)
	}()

	staging := filepath.Join(stateDir, protocol.StagingDir)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("clear staging: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	activeDB := filepath.Join(stateDir, protocol.RegistryFile)
	stagingDB := filepath.Join(staging, protocol.RegistryFile)
	if err := copyIfExists(activeDB, stagingDB); err != nil {
		return nil, fmt.Errorf("stage registry: %w", err)
	}

	reg, err := registry.Open(stagingDB, r.root)
	if err != nil {
		return nil, fmt.Errorf("open staging registry: %w", err)
	}
	defer func() { _ = reg.Close() }()

	activeSnaps := filepath.Join(stateDir, protocol.SnapshotsFile)
	store, err := snapshot.Open(activeSnaps)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	table := detachedTable(store)

	// The ledger lives in the registry and asserts "applied to the
	// active projections". When the snapshot file is missing, that
	// assertion no longer holds for task events: replay them regardless
	// of the ledger. A missing registry needs no special case — its
	// staging copy starts with an empty ledger.
	snapsMissing := false
	if _, err := os.Stat(activeSnaps); os.IsNotExist(err) {
		snapsMissing = true
	}

	rolledBack, err := r.rolledBackRequests(ctx, fromTS)
	if err != nil {
		return nil, err
	}

	start := r.nowFunc()
	var processed, skipped int
	err = r.log.Replay(ctx, eventlog.Filter{FromTS: fromTS, ValidateChecksums: true},
		func(ev protocol.Event) error {
			applied, err := reg.WasApplied(ctx, ev.EventID)
			if err != nil {
				return err
			}
			if applied && !(snapsMissing && taskEvent(ev.Type)) {
				skipped++
				return nil
			}
			if err := fold(ctx, reg, table, &ev, rolledBack); err != nil {
				return fmt.Errorf("fold %s: %w", ev.EventID, err)
			}
			if _, err := reg.MarkApplied(ctx, ev.EventID); err != nil {
				return err
			}
			processed++
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("rebuild replay: %w", err)
	}

	stagingSnaps := filepath.Join(staging, protocol.SnapshotsFile)
	if err := snapshot.WriteTable(stagingSnaps, table); err != nil {
		return nil, fmt.Errorf("write staging snapshots: %w", err)
	}
	// Checkpoint and release the staging database before the swap.
	if err := reg.Close(); err != nil {
		return nil, fmt.Errorf("close staging registry: %w", err)
	}

	if err := os.Rename(stagingDB, activeDB); err != nil {
		return nil, fmt.Errorf("swap registry: %w", err)
	}
	if err := os.Rename(stagingSnaps, activeSnaps); err != nil {
		return nil, fmt.Errorf("swap snapshots: %w", err)
	}

	elapsed := r.nowFunc().Sub(start).Seconds()
	res := &Result{Status: "completed", EventsProcessed: processed, EventsSkipped: skipped}
	if elapsed > 0 {
		res.EventsPerSecond = float64(processed) / elapsed
	}
	return res, nil
}

// rolledBackRequests scans for WRITE_ROLLED_BACK markers so the main
// replay can suppress file events whose request was reverted: the
// filesystem was restored from backups, so folding them would
// manufacture drift.
func (r *Rebuilder) rolledBackRequests(ctx context.Context, fromTS int64) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	err := r.log.Replay(ctx, eventlog.Filter{FromTS: fromTS}, func(ev protocol.Event) error {
		if ev.Type == protocol.EventWriteRolledBack {
			if id := payloadString(ev.Payload, "request_id"); id != "" {
				out[id] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan rollback markers: %w", err)
	}
	return out, nil
}

// taskEvent reports whether the snapshot reducer consumes this type.
func taskEvent(t protocol.EventType) bool {
	switch t {
	case protocol.EventTaskCreated, protocol.EventAgentStarted, protocol.EventAgentCompleted,
		protocol.EventAgentFailed, protocol.EventTaskCompleted, protocol.EventTaskFailed:
		return true
	}
	return false
}

// fold applies one event to the staging projections. File events feed
// the registry unless their request was later rolled back; task
// lifecycle events feed the snapshot table; lock and write-protocol
// markers carry no projection state.
func fold(ctx context.Context, reg *registry.Registry, table map[string]*protocol.TaskSnapshot, ev *protocol.Event, rolledBack map[string]struct{}) error {
	switch ev.Type {
	case protocol.EventFileCreated, protocol.EventFileUpdated:
		if _, rb := rolledBack[payloadString(ev.Payload, "request_id")]; rb {
			return nil
		}
		return reg.Register(ctx, registry.RegisterParams{
			Path:         payloadString(ev.Payload, "path"),
			ContentHash:  payloadString(ev.Payload, "content_hash"),
			OwnerTicket:  ev.TicketID,
			JobID:        payloadString(ev.Payload, "job_id"),
			Agent:        ev.Agent,
			EventID:      ev.EventID,
			Component:    payloadString(ev.Payload, "component"),
			Dependencies: payloadStrings(ev.Payload, "dependencies"),
		})
	case protocol.EventFileDeleted:
		if _, rb := rolledBack[payloadString(ev.Payload, "request_id")]; rb {
			return nil
		}
		return reg.Unregister(ctx, payloadString(ev.Payload, "path"))
	default:
		snapshot.Apply(table, ev)
		return nil
	}
}

// detachedTable copies a store's snapshots into a standalone map the
// rebuilder can fold into without touching the active file.
func detachedTable(store *snapshot.Store) map[string]*protocol.TaskSnapshot {
	table := make(map[string]*protocol.TaskSnapshot)
	for _, snap := range store.All() {
		cp := snap
		table[cp.TicketID] = &cp
	}
	return table
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadStrings(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func copyIfExists(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // internal path
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) //nolint:gosec // internal path
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
