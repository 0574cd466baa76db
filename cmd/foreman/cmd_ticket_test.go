package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// initRoot initializes a fresh workspace root for command tests.
func initRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := runCmd(t, "init", "--root", dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	return dir
}

func TestTicketCreateAndList(t *testing.T) {
	dir := initRoot(t)

	got, err := runCmd(t, "ticket", "create", "add a parser", "--id", "T-100", "--root", dir, "--path", "parser.go")
	if err != nil {
		t.Fatalf("ticket create: %v", err)
	}
	if !strings.Contains(got, "created T-100") {
		t.Fatalf("create output = %q", got)
	}

	got, err = runCmd(t, "ticket", "list", "--root", dir)
	if err != nil {
		t.Fatalf("ticket list: %v", err)
	}
	if !strings.Contains(got, "T-100") || !strings.Contains(got, "CREATED") {
		t.Fatalf("list output = %q", got)
	}

	// The job workspace tree exists under .foreman/workspaces.
	entries, err := os.ReadDir(filepath.Join(dir, ".foreman", "workspaces"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("workspaces = %v, err %v", entries, err)
	}
}

func TestTicketCreate_RejectsDuplicateID(t *testing.T) {
	dir := initRoot(t)

	if _, err := runCmd(t, "ticket", "create", "first", "--id", "T-1", "--root", dir); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := runCmd(t, "ticket", "create", "again", "--id", "T-1", "--root", dir); err == nil {
		t.Fatal("duplicate ticket ID should be rejected")
	}
}

func TestTicketShow(t *testing.T) {
	dir := initRoot(t)

	if _, err := runCmd(t, "ticket", "create", "show me", "--id", "T-2", "--root", dir); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := runCmd(t, "ticket", "show", "T-2", "--root", dir)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"ticket:  T-2", "status:  CREATED", "events:  1"} {
		if !strings.Contains(got, want) {
			t.Errorf("show output missing %q:\n%s", want, got)
		}
	}

	if _, err := runCmd(t, "ticket", "show", "T-missing", "--root", dir); err == nil {
		t.Fatal("show of unknown ticket should fail")
	}
}

func TestTicketFail(t *testing.T) {
	dir := initRoot(t)

	if _, err := runCmd(t, "ticket", "create", "doomed", "--id", "T-3", "--root", dir); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := runCmd(t, "ticket", "fail", "T-3", "--reason", "obsolete", "--root", dir)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !strings.Contains(got, "T-3 is now FAILED") {
		t.Fatalf("fail output = %q", got)
	}

	// Terminal tickets drop out of the default list.
	got, err = runCmd(t, "ticket", "list", "--root", dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(got, "T-3") {
		t.Fatalf("failed ticket still listed: %q", got)
	}

	got, err = runCmd(t, "ticket", "list", "--all", "--root", dir)
	if err != nil {
		t.Fatalf("list --all: %v", err)
	}
	if !strings.Contains(got, "T-3") || !strings.Contains(got, "FAILED") {
		t.Fatalf("list --all output = %q", got)
	}
}
