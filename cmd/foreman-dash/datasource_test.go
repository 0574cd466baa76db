package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"foreman/pkg/protocol"
)

// writeSnapshots writes a snapshot table into a temp workspace and
// returns its root.
func writeSnapshots(t *testing.T, table map[string]protocol.TaskSnapshot) string {
	t.Helper()
	root := t.TempDir()
	stateDir := filepath.Join(root, protocol.ForemanDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(table)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, protocol.SnapshotsFile), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return root
}

func TestFetchSnapshots_SortsByCreation(t *testing.T) {
	root := writeSnapshots(t, map[string]protocol.TaskSnapshot{
		"T-2": {TicketID: "T-2", Status: protocol.StatusPlanning, CreatedAt: 200},
		"T-1": {TicketID: "T-1", Status: protocol.StatusCreated, CreatedAt: 100},
	})

	tickets, err := fetchSnapshots(root)
	if err != nil {
		t.Fatalf("fetchSnapshots: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("len = %d, want 2", len(tickets))
	}
	if tickets[0].TicketID != "T-1" || tickets[1].TicketID != "T-2" {
		t.Fatalf("order = %s, %s", tickets[0].TicketID, tickets[1].TicketID)
	}
}

func TestFetchSnapshots_MissingFileIsEmpty(t *testing.T) {
	tickets, err := fetchSnapshots(t.TempDir())
	if err != nil {
		t.Fatalf("fetchSnapshots: %v", err)
	}
	if tickets != nil {
		t.Fatalf("tickets = %v, want nil", tickets)
	}
}

func TestFetchResourceStatus_OfflineDaemon(t *testing.T) {
	// No config and no daemon: the dashboard must degrade to nil, not
	// error out.
	if st := fetchResourceStatus(t.TempDir()); st != nil {
		t.Fatalf("status = %+v, want nil", st)
	}
}

func TestRobotMode_EmitsJSON(t *testing.T) {
	root := writeSnapshots(t, map[string]protocol.TaskSnapshot{
		"T-1": {TicketID: "T-1", Status: protocol.StatusCreated, CreatedAt: 100},
	})

	data, err := robotMode(root)
	if err != nil {
		t.Fatalf("robotMode: %v", err)
	}

	var out struct {
		Tickets []protocol.TaskSnapshot `json:"tickets"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Tickets) != 1 || out.Tickets[0].TicketID != "T-1" {
		t.Fatalf("tickets = %+v", out.Tickets)
	}
}
