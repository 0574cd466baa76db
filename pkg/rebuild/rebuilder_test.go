package rebuild_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/rebuild"
	"foreman/pkg/registry"
	"foreman/pkg/snapshot"
)

func newLog(t *testing.T, root string) *eventlog.Log {
	t.Helper()
	log, err := eventlog.Open(filepath.Join(root, protocol.ForemanDir), eventlog.Config{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func mustAppend(t *testing.T, log *eventlog.Log, p eventlog.AppendParams) *protocol.Event {
	t.Helper()
	ev, err := log.Append(context.Background(), p)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return ev
}

func seedEvents(t *testing.T, log *eventlog.Log) {
	t.Helper()
	mustAppend(t, log, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventTaskCreated,
		Payload: map[string]any{"job_id": "job-1"},
	})
	mustAppend(t, log, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventAgentCompleted, Agent: "planner",
	})
	mustAppend(t, log, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventFileCreated, Agent: "implementer",
		Payload: map[string]any{
			"path":         "src/plan.md",
			"content_hash": registry.HashBytes([]byte("plan\n")),
			"job_id":       "job-1",
			"operation":    "create",
		},
	})
}

func TestRebuild_FromScratch(t *testing.T) {
	root := t.TempDir()
	log := newLog(t, root)
	seedEvents(t, log)

	res, err := rebuild.New(log, root).Rebuild(context.Background(), 0)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if res.EventsProcessed != 3 || res.EventsSkipped != 0 {
		t.Fatalf("expected 3 processed / 0 skipped, got %+v", res)
	}

	store, err := snapshot.Open(filepath.Join(root, protocol.ForemanDir, protocol.SnapshotsFile))
	if err != nil {
		t.Fatalf("open rebuilt snapshots: %v", err)
	}
	snap, err := store.Get("T-1")
	if err != nil {
		t.Fatalf("rebuilt snapshot missing: %v", err)
	}
	if snap.Status != protocol.StatusPlanning {
		t.Fatalf("expected PLANNING, got %s", snap.Status)
	}

	reg, err := registry.Open(filepath.Join(root, protocol.ForemanDir, protocol.RegistryFile), root)
	if err != nil {
		t.Fatalf("open rebuilt registry: %v", err)
	}
	defer func() { _ = reg.Close() }()
	rec, err := reg.Lookup(context.Background(), "src/plan.md")
	if err != nil || rec == nil {
		t.Fatalf("expected rebuilt file record, got %v (%v)", rec, err)
	}
	if rec.OwnerTicket != "T-1" || rec.JobID != "job-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRebuild_SecondRunProcessesNothing(t *testing.T) {
	root := t.TempDir()
	log := newLog(t, root)
	seedEvents(t, log)
	ctx := context.Background()
	rb := rebuild.New(log, root)

	if _, err := rb.Rebuild(ctx, 0); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	snapsPath := filepath.Join(root, protocol.ForemanDir, protocol.SnapshotsFile)
	before, err := os.ReadFile(snapsPath)
	if err != nil {
		t.Fatalf("read snapshots: %v", err)
	}

	res, err := rb.Rebuild(ctx, 0)
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if res.EventsProcessed != 0 || res.EventsSkipped != 3 {
		t.Fatalf("expected 0 processed / 3 skipped, got %+v", res)
	}

	after, err := os.ReadFile(snapsPath)
	if err != nil {
		t.Fatalf("read snapshots: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("idempotent rebuild must leave snapshot state byte-identical")
	}
}

func TestRebuild_SkipsLedgeredEvents(t *testing.T) {
	root := t.TempDir()
	log := newLog(t, root)
	ev := mustAppend(t, log, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventTaskCreated,
		Payload: map[string]any{"job_id": "job-1"},
	})
	mustAppend(t, log, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventAgentCompleted, Agent: "planner",
	})

	// The live write path already folded the first event into both
	// projections and ledgered it.
	ctx := context.Background()
	dbPath := filepath.Join(root, protocol.ForemanDir, protocol.RegistryFile)
	reg, err := registry.Open(dbPath, root)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if _, err := reg.MarkApplied(ctx, ev.EventID); err != nil {
		t.Fatalf("mark applied: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("close registry: %v", err)
	}
	store, err := snapshot.Open(filepath.Join(root, protocol.ForemanDir, protocol.SnapshotsFile))
	if err != nil {
		t.Fatalf("open snapshots: %v", err)
	}
	if err := store.ApplyEvent(ev); err != nil {
		t.Fatalf("apply event: %v", err)
	}

	res, err := rebuild.New(log, root).Rebuild(ctx, 0)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if res.EventsProcessed != 1 || res.EventsSkipped != 1 {
		t.Fatalf("expected 1 processed / 1 skipped, got %+v", res)
	}
}

func TestRebuild_RestoresDeletedSnapshotsDespiteLedger(t *testing.T) {
	root := t.TempDir()
	log := newLog(t, root)
	ctx := context.Background()
	created := mustAppend(t, log, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventTaskCreated,
		Payload: map[string]any{"job_id": "job-1"},
	})
	done := mustAppend(t, log, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventAgentCompleted, Agent: "planner",
	})

	// Live path: both events folded into the active projections and
	// ledgered as applied.
	stateDir := filepath.Join(root, protocol.ForemanDir)
	reg, err := registry.Open(filepath.Join(stateDir, protocol.RegistryFile), root)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	for _, ev := range []*protocol.Event{created, done} {
		if _, err := reg.MarkApplied(ctx, ev.EventID); err != nil {
			t.Fatalf("mark applied: %v", err)
		}
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("close registry: %v", err)
	}
	snapsPath := filepath.Join(stateDir, protocol.SnapshotsFile)
	store, err := snapshot.Open(snapsPath)
	if err != nil {
		t.Fatalf("open snapshots: %v", err)
	}
	for _, ev := range []*protocol.Event{created, done} {
		if err := store.ApplyEvent(ev); err != nil {
			t.Fatalf("apply event: %v", err)
		}
	}

	// The snapshot file is lost, but the ledger still claims both
	// events were applied. A rebuild must replay them anyway.
	if err := os.Remove(snapsPath); err != nil {
		t.Fatalf("remove snapshots: %v", err)
	}

	res, err := rebuild.New(log, root).Rebuild(ctx, 0)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if res.EventsProcessed != 2 {
		t.Fatalf("expected 2 replayed task events, got %+v", res)
	}

	rebuilt, err := snapshot.Open(snapsPath)
	if err != nil {
		t.Fatalf("open rebuilt snapshots: %v", err)
	}
	snap, err := rebuilt.Get("T-1")
	if err != nil {
		t.Fatalf("ticket lost with the snapshot file: %v", err)
	}
	if snap.Status != protocol.StatusPlanning {
		t.Fatalf("expected PLANNING, got %s", snap.Status)
	}
}

func TestRebuild_ReplaysRotatedArchives(t *testing.T) {
	root := t.TempDir()
	log := newLog(t, root)
	seedEvents(t, log)
	if err := log.Rotate(eventlog.RotateManual); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	res, err := rebuild.New(log, root).Rebuild(context.Background(), 0)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if res.EventsProcessed != 3 {
		t.Fatalf("expected 3 archived events processed, got %+v", res)
	}

	store, err := snapshot.Open(filepath.Join(root, protocol.ForemanDir, protocol.SnapshotsFile))
	if err != nil {
		t.Fatalf("open rebuilt snapshots: %v", err)
	}
	if _, err := store.Get("T-1"); err != nil {
		t.Fatalf("archived ticket missing after rebuild: %v", err)
	}

	reg, err := registry.Open(filepath.Join(root, protocol.ForemanDir, protocol.RegistryFile), root)
	if err != nil {
		t.Fatalf("open rebuilt registry: %v", err)
	}
	defer func() { _ = reg.Close() }()
	rec, err := reg.Lookup(context.Background(), "src/plan.md")
	if err != nil || rec == nil {
		t.Fatalf("archived file record missing after rebuild: %v (%v)", rec, err)
	}
}

func TestRebuild_IgnoresRolledBackFileEvents(t *testing.T) {
	root := t.TempDir()
	log := newLog(t, root)
	mustAppend(t, log, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventFileCreated, Agent: "implementer",
		Payload: map[string]any{
			"path":         "src/a.go",
			"content_hash": registry.HashBytes([]byte("draft\n")),
			"job_id":       "job-1",
			"operation":    "create",
			"request_id":   "w-1",
		},
	})
	mustAppend(t, log, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventWriteRolledBack,
		Payload: map[string]any{"request_id": "w-1", "error": "validation failed"},
	})

	if _, err := rebuild.New(log, root).Rebuild(context.Background(), 0); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	reg, err := registry.Open(filepath.Join(root, protocol.ForemanDir, protocol.RegistryFile), root)
	if err != nil {
		t.Fatalf("open rebuilt registry: %v", err)
	}
	defer func() { _ = reg.Close() }()
	rec, err := reg.Lookup(context.Background(), "src/a.go")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("rolled-back write must not resurface in the registry: %+v", rec)
	}
}

func TestRebuild_LockfileExcludesConcurrentRuns(t *testing.T) {
	root := t.TempDir()
	log := newLog(t, root)
	seedEvents(t, log)

	lockPath := filepath.Join(root, protocol.ForemanDir, protocol.RebuildLockFile)
	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		t.Fatalf("plant lockfile: %v", err)
	}

	if _, err := rebuild.New(log, root).Rebuild(context.Background(), 0); err == nil {
		t.Fatal("expected rebuild to refuse while lockfile exists")
	}

	// Released lock lets the next run proceed.
	if err := os.Remove(lockPath); err != nil {
		t.Fatalf("remove lockfile: %v", err)
	}
	if _, err := rebuild.New(log, root).Rebuild(context.Background(), 0); err != nil {
		t.Fatalf("rebuild after lock release: %v", err)
	}
}

func TestRebuild_DiscardsStagingOnError(t *testing.T) {
	root := t.TempDir()
	log := newLog(t, root)
	// A file event with no path cannot fold into the registry.
	mustAppend(t, log, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventFileCreated,
		Payload: map[string]any{"content_hash": "abc"},
	})

	if _, err := rebuild.New(log, root).Rebuild(context.Background(), 0); err == nil {
		t.Fatal("expected rebuild to fail")
	}

	staging := filepath.Join(root, protocol.ForemanDir, protocol.StagingDir)
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("staging must be discarded on error, stat err: %v", err)
	}
	active := filepath.Join(root, protocol.ForemanDir, protocol.SnapshotsFile)
	if _, err := os.Stat(active); !os.IsNotExist(err) {
		t.Fatal("failed rebuild must not create active snapshot state")
	}
}

func TestVerifyAndReconcile(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	if err := os.MkdirAll(filepath.Join(root, protocol.ForemanDir), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	reg, err := registry.Open(filepath.Join(root, protocol.ForemanDir, protocol.RegistryFile), root)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	defer func() { _ = reg.Close() }()

	// a.txt: registered with a stale hash and a dangling dependency.
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("live content\n"), 0o644); err != nil {
		t.Fatalf("seed a.txt: %v", err)
	}
	err = reg.Register(ctx, registry.RegisterParams{
		Path:         "a.txt",
		ContentHash:  registry.HashBytes([]byte("recorded content\n")),
		OwnerTicket:  "T-1",
		Dependencies: []string{"missing.go"},
	})
	if err != nil {
		t.Fatalf("register a.txt: %v", err)
	}
	// gone.txt: registered, never on disk.
	err = reg.Register(ctx, registry.RegisterParams{
		Path:        "gone.txt",
		ContentHash: registry.HashBytes([]byte("x")),
		OwnerTicket: "T-1",
	})
	if err != nil {
		t.Fatalf("register gone.txt: %v", err)
	}
	// unreg.txt: on disk, unknown to the registry.
	if err := os.WriteFile(filepath.Join(root, "unreg.txt"), []byte("orphan\n"), 0o644); err != nil {
		t.Fatalf("seed unreg.txt: %v", err)
	}

	drift, err := rebuild.VerifyConsistency(ctx, reg)
	if err != nil {
		t.Fatalf("VerifyConsistency failed: %v", err)
	}
	if drift.Clean() {
		t.Fatal("expected drift")
	}
	if len(drift.Unregistered) != 1 || drift.Unregistered[0] != "unreg.txt" {
		t.Fatalf("unexpected unregistered set: %v", drift.Unregistered)
	}
	if len(drift.Ghosts) != 1 || drift.Ghosts[0] != "gone.txt" {
		t.Fatalf("unexpected ghosts: %v", drift.Ghosts)
	}
	if len(drift.HashMismatches) != 1 || drift.HashMismatches[0].Path != "a.txt" {
		t.Fatalf("unexpected mismatches: %v", drift.HashMismatches)
	}
	if deps := drift.DanglingDeps["a.txt"]; len(deps) != 1 || deps[0] != "missing.go" {
		t.Fatalf("unexpected dangling deps: %v", drift.DanglingDeps)
	}

	res, err := rebuild.Reconcile(ctx, reg, drift)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Registered != 1 || res.Removed != 1 || res.PrunedDeps != 1 || res.Flagged != 1 {
		t.Fatalf("unexpected reconcile result: %+v", res)
	}

	after, err := rebuild.VerifyConsistency(ctx, reg)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if len(after.Unregistered) != 0 || len(after.Ghosts) != 0 || after.DanglingDeps != nil {
		t.Fatalf("safe drift must be repaired, got %+v", after)
	}
	// The hash mismatch is ambiguous and stays for an operator.
	if len(after.HashMismatches) != 1 {
		t.Fatalf("hash mismatch must survive reconcile, got %+v", after.HashMismatches)
	}
}
