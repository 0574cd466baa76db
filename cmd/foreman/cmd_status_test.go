package main

import (
	"strings"
	"testing"
)

func TestStatus_FreshWorkspace(t *testing.T) {
	dir := initRoot(t)

	got, err := runCmd(t, "status", "--root", dir)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	for _, want := range []string{"daemon:  stopped", "resources:", "health:", "tickets: none"} {
		if !strings.Contains(got, want) {
			t.Errorf("status output missing %q:\n%s", want, got)
		}
	}
}

func TestStatus_CountsTicketsByStage(t *testing.T) {
	dir := initRoot(t)

	for _, id := range []string{"T-1", "T-2"} {
		if _, err := runCmd(t, "ticket", "create", "work", "--id", id, "--root", dir); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	got, err := runCmd(t, "status", "--root", dir)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(got, "CREATED=2") {
		t.Fatalf("status output = %q", got)
	}
}
