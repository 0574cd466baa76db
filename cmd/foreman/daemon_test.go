package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.pid")

	if err := WritePIDFile(path, 12345); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 12345 {
		t.Fatalf("pid = %d, want 12345", pid)
	}

	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	// Idempotent: removing again is not an error.
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("second RemovePIDFile: %v", err)
	}
}

func TestDaemonStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.pid")

	status, _, err := DaemonStatus(path)
	if err != nil {
		t.Fatalf("DaemonStatus: %v", err)
	}
	if status != StatusStopped {
		t.Fatalf("status = %s, want stopped", status)
	}

	// Our own PID is certainly alive.
	if err := WritePIDFile(path, os.Getpid()); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	status, pid, err := DaemonStatus(path)
	if err != nil {
		t.Fatalf("DaemonStatus: %v", err)
	}
	if status != StatusRunning || pid != os.Getpid() {
		t.Fatalf("status = %s pid = %d", status, pid)
	}
}

func TestReadPIDFile_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.pid")
	if err := os.WriteFile(path, []byte("not a pid"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadPIDFile(path); err == nil {
		t.Fatal("garbage PID file should fail to parse")
	}
}
