package main

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"foreman/pkg/protocol"
)

func TestUpdate_TicketsMsgPopulatesTable(t *testing.T) {
	m := newModel(t.TempDir())

	updated, _ := m.Update(ticketsMsg{
		{TicketID: "T-1", Status: protocol.StatusPlanning, CurrentAgent: "designer", UpdatedAt: 1000},
	})
	got := updated.(Model)

	if len(got.tickets) != 1 {
		t.Fatalf("tickets = %d, want 1", len(got.tickets))
	}
	view := got.table.View()
	if !strings.Contains(view, "T-1") || !strings.Contains(view, "PLANNING") {
		t.Fatalf("table view missing ticket:\n%s", view)
	}
}

func TestUpdate_QuitKey(t *testing.T) {
	m := newModel(t.TempDir())

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q should produce a quit command")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Fatalf("msg = %v, want quit", msg)
	}
}

func TestView_EmptyState(t *testing.T) {
	m := newModel(t.TempDir())

	view := m.View()
	if !strings.Contains(view, "no tickets") {
		t.Fatalf("empty view = %q", view)
	}
	if !strings.Contains(view, "daemon offline") {
		t.Fatalf("view should flag the offline daemon: %q", view)
	}
}

func TestHeaderBadges_CountsTerminalTickets(t *testing.T) {
	m := newModel(t.TempDir())
	m.tickets = []protocol.TaskSnapshot{
		{TicketID: "T-1", Status: protocol.StatusPlanning},
		{TicketID: "T-2", Status: protocol.StatusCompleted},
		{TicketID: "T-3", Status: protocol.StatusFailed},
	}

	badges := m.headerBadges()
	if !strings.Contains(badges, "1 active") || !strings.Contains(badges, "2 done") {
		t.Fatalf("badges = %q", badges)
	}
}

func TestTicketRows_FormatsFields(t *testing.T) {
	rows := ticketRows([]protocol.TaskSnapshot{
		{TicketID: "T-1", Status: protocol.StatusReviewing, RetryCount: 2},
	})
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0][0] != "T-1" || rows[0][1] != "REVIEWING" || rows[0][2] != "-" || rows[0][3] != "2" {
		t.Fatalf("row = %v", rows[0])
	}
}
