package main

import (
	"path/filepath"
	"testing"
)

func TestResolvePaths_ExplicitRootWins(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FOREMAN_ROOT", t.TempDir())

	p, err := ResolvePaths(dir)
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	if p.Root != dir {
		t.Fatalf("Root = %s, want %s", p.Root, dir)
	}
	if p.StateDir != filepath.Join(dir, ".foreman") {
		t.Fatalf("StateDir = %s", p.StateDir)
	}
}

func TestResolvePaths_EnvFallback(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FOREMAN_ROOT", dir)

	p, err := ResolvePaths("")
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	if p.Root != dir {
		t.Fatalf("Root = %s, want %s", p.Root, dir)
	}
	if p.ConfigPath != filepath.Join(dir, ".foreman", "config.toml") {
		t.Fatalf("ConfigPath = %s", p.ConfigPath)
	}
}

func TestRequireInit_MissingStateDir(t *testing.T) {
	p, err := ResolvePaths(t.TempDir())
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	if err := p.RequireInit(); err == nil {
		t.Fatal("RequireInit should fail before init")
	}
}
