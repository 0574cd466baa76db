package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVerify_CleanWorkspace(t *testing.T) {
	dir := initRoot(t)

	got, err := runCmd(t, "verify", "--root", dir)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(got, "consistent") {
		t.Fatalf("output = %q", got)
	}
}

func TestVerify_ReportsAndReconcilesDrift(t *testing.T) {
	dir := initRoot(t)

	stray := filepath.Join(dir, "stray.txt")
	if err := os.WriteFile(stray, []byte("untracked"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	got, err := runCmd(t, "verify", "--root", dir)
	if err == nil {
		t.Fatal("verify should fail while drift exists")
	}
	if !strings.Contains(got, "unregistered: stray.txt") {
		t.Fatalf("output = %q", got)
	}

	got, err = runCmd(t, "verify", "--reconcile", "--root", dir)
	if err != nil {
		t.Fatalf("verify --reconcile: %v", err)
	}
	if !strings.Contains(got, "1 registered") {
		t.Fatalf("reconcile output = %q", got)
	}

	got, err = runCmd(t, "verify", "--root", dir)
	if err != nil {
		t.Fatalf("verify after reconcile: %v", err)
	}
	if !strings.Contains(got, "consistent") {
		t.Fatalf("output = %q", got)
	}
}
