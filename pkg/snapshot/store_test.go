package snapshot_test

import (
	"errors"
	"path/filepath"
	"testing"

	"foreman/pkg/protocol"
	"foreman/pkg/snapshot"
)

func openStore(t *testing.T) *snapshot.Store {
	t.Helper()
	s, err := snapshot.Open(filepath.Join(t.TempDir(), "snapshots.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func event(id, ticket string, typ protocol.EventType, ts int64) *protocol.Event {
	return &protocol.Event{EventID: id, TicketID: ticket, Type: typ, Timestamp: ts}
}

func TestApplyEvent_Lifecycle(t *testing.T) {
	s := openStore(t)

	created := event("evt-001", "T-1", protocol.EventTaskCreated, 100)
	created.Payload = map[string]any{"job_id": "job-1"}
	if err := s.ApplyEvent(created); err != nil {
		t.Fatalf("apply created: %v", err)
	}

	snap, err := s.Get("T-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Status != protocol.StatusCreated || snap.JobID != "job-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	started := event("evt-002", "T-1", protocol.EventAgentStarted, 200)
	started.Agent = "planner"
	_ = s.ApplyEvent(started)
	snap, _ = s.Get("T-1")
	if snap.CurrentAgent != "planner" {
		t.Fatalf("expected current agent planner, got %q", snap.CurrentAgent)
	}

	_ = s.ApplyEvent(event("evt-003", "T-1", protocol.EventAgentCompleted, 300))
	snap, _ = s.Get("T-1")
	if snap.Status != protocol.StatusPlanning {
		t.Fatalf("expected PLANNING after completion, got %s", snap.Status)
	}
	if snap.RetryCount != 0 || snap.CurrentAgent != "" {
		t.Fatalf("completion must reset retry and agent: %+v", snap)
	}
	if snap.LastEventID != "evt-003" {
		t.Fatalf("expected last event evt-003, got %s", snap.LastEventID)
	}
}

func TestApplyEvent_FailureIncrementsRetry(t *testing.T) {
	s := openStore(t)
	_ = s.ApplyEvent(event("evt-001", "T-1", protocol.EventTaskCreated, 100))

	_ = s.ApplyEvent(event("evt-002", "T-1", protocol.EventAgentFailed, 200))
	_ = s.ApplyEvent(event("evt-003", "T-1", protocol.EventAgentFailed, 300))

	snap, _ := s.Get("T-1")
	if snap.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", snap.RetryCount)
	}
	if snap.Status != protocol.StatusCreated {
		t.Fatalf("failures must not advance the stage, got %s", snap.Status)
	}
}

func TestApplyEvent_ReplayedEventIsNoOp(t *testing.T) {
	s := openStore(t)
	_ = s.ApplyEvent(event("evt-001", "T-1", protocol.EventTaskCreated, 100))
	_ = s.ApplyEvent(event("evt-002", "T-1", protocol.EventAgentCompleted, 200))

	before, _ := s.Get("T-1")
	_ = s.ApplyEvent(event("evt-002", "T-1", protocol.EventAgentCompleted, 200))
	after, _ := s.Get("T-1")

	if *before != *after {
		t.Fatalf("replaying the same event must be a no-op: %+v vs %+v", before, after)
	}
}

func TestApplyEvent_TerminalStatesAreFinal(t *testing.T) {
	s := openStore(t)
	_ = s.ApplyEvent(event("evt-001", "T-1", protocol.EventTaskCreated, 100))
	_ = s.ApplyEvent(event("evt-002", "T-1", protocol.EventTaskFailed, 200))

	_ = s.ApplyEvent(event("evt-003", "T-1", protocol.EventAgentCompleted, 300))
	snap, _ := s.Get("T-1")
	if snap.Status != protocol.StatusFailed {
		t.Fatalf("terminal snapshot must not advance, got %s", snap.Status)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.json")

	s, err := snapshot.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = s.ApplyEvent(event("evt-001", "T-1", protocol.EventTaskCreated, 100))
	_ = s.ApplyEvent(event("evt-002", "T-2", protocol.EventTaskCreated, 200))

	reopened, err := snapshot.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if len(reopened.All()) != 2 {
		t.Fatalf("expected 2 snapshots after reopen, got %d", len(reopened.All()))
	}
}

func TestGet_UnknownTicket(t *testing.T) {
	s := openStore(t)
	_, err := s.Get("T-404")
	var notFound *protocol.TicketNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TicketNotFoundError, got %v", err)
	}
}
