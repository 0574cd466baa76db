package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"foreman/pkg/eventlog"
	"foreman/pkg/orchestrator"
	"foreman/pkg/protocol"
)

func newGatewayFixture(t *testing.T) (*orchestrator.FileGateway, *eventlog.Log, *orchestrator.Workspaces) {
	t.Helper()
	root := t.TempDir()
	log, err := eventlog.Open(filepath.Join(root, protocol.ForemanDir), eventlog.Config{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	ws := orchestrator.NewWorkspaces(root)
	return orchestrator.NewFileGateway(log, ws, 25*time.Millisecond), log, ws
}

func waitOutcome(t *testing.T, ch <-chan protocol.Outcome) protocol.Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return protocol.Outcome{}
	}
}

func TestFileGateway_DeliversCompletion(t *testing.T) {
	g, log, ws := newGatewayFixture(t)
	ctx := context.Background()

	started, err := log.Append(ctx, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventAgentStarted, Agent: "planner",
	})
	if err != nil {
		t.Fatalf("append started: %v", err)
	}

	wp := &protocol.WorkPackage{
		TicketID:      "T-1",
		JobID:         "job-1",
		Stage:         protocol.StatusCreated,
		Agent:         "planner",
		ParentEventID: started.EventID,
		Request:       "r",
	}
	ch, err := g.Dispatch(ctx, wp)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// The context file is the handoff.
	ctxPath := filepath.Join(ws.Dir("job-1"), protocol.ContextFile)
	data, err := os.ReadFile(ctxPath)
	if err != nil {
		t.Fatalf("context file missing: %v", err)
	}
	var got protocol.WorkPackage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("context file corrupt: %v", err)
	}
	if got.ParentEventID != started.EventID {
		t.Fatalf("context file parent %s, want %s", got.ParentEventID, started.EventID)
	}

	// The agent stages its mutations and signals via the log.
	outcome := map[string]any{"intents": []protocol.WriteIntent{{
		Path: "src/plan.md", Operation: protocol.OpCreate, Content: []byte("plan\n"),
	}}}
	raw, err := json.Marshal(outcome)
	if err != nil {
		t.Fatalf("marshal outcome: %v", err)
	}
	outPath := filepath.Join(ws.ArtifactsDir("job-1"), protocol.OutcomeFile)
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		t.Fatalf("write outcome: %v", err)
	}
	done, err := log.Append(ctx, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventAgentCompleted,
		Agent: "planner", ParentEventID: started.EventID,
	})
	if err != nil {
		t.Fatalf("append completed: %v", err)
	}

	out := waitOutcome(t, ch)
	if !out.Success || out.EventID != done.EventID {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(out.Intents) != 1 || out.Intents[0].Path != "src/plan.md" {
		t.Fatalf("intents not loaded: %+v", out.Intents)
	}
	if string(out.Intents[0].Content) != "plan\n" {
		t.Fatalf("intent content mangled: %q", out.Intents[0].Content)
	}
}

func TestFileGateway_IgnoresUnrelatedEvents(t *testing.T) {
	g, log, _ := newGatewayFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started, err := log.Append(ctx, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventAgentStarted, Agent: "planner",
	})
	if err != nil {
		t.Fatalf("append started: %v", err)
	}
	ch, err := g.Dispatch(ctx, &protocol.WorkPackage{
		TicketID: "T-1", JobID: "job-1", ParentEventID: started.EventID,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Completion for a different dispatch must not settle this one.
	_, err = log.Append(ctx, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventAgentCompleted,
		Agent: "planner", ParentEventID: "evt-other",
	})
	if err != nil {
		t.Fatalf("append unrelated: %v", err)
	}

	select {
	case out := <-ch:
		t.Fatalf("unexpected outcome: %+v", out)
	case <-time.After(150 * time.Millisecond):
	}

	done, err := log.Append(ctx, eventlog.AppendParams{
		TicketID: "T-1", Type: protocol.EventAgentFailed,
		Agent: "planner", ParentEventID: started.EventID,
		Payload: map[string]any{"detail": "tests red"},
	})
	if err != nil {
		t.Fatalf("append failed event: %v", err)
	}
	out := waitOutcome(t, ch)
	if out.Success || out.EventID != done.EventID || out.Detail != "tests red" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}
