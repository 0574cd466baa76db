package main

import (
	"os"
	"strings"
	"testing"
)

func TestREADMEDocumentsCoreWorkflows(t *testing.T) {
	content, err := os.ReadFile("README.md")
	if err != nil {
		t.Fatalf("Failed to read README.md: %v", err)
	}

	readmeText := string(content)

	for _, section := range []string{"## Quickstart", "## Disaster recovery", "## Layout"} {
		if !strings.Contains(readmeText, section) {
			t.Errorf("README.md missing %s section", section)
		}
	}

	// Every documented command must actually exist.
	requiredCommands := []string{
		"foreman init",
		"foreman ticket create",
		"foreman advance",
		"foreman status",
		"foreman daemon",
		"foreman rebuild",
		"foreman verify --reconcile",
	}
	for _, cmd := range requiredCommands {
		if !strings.Contains(readmeText, cmd) {
			t.Errorf("README.md missing command %q", cmd)
		}
	}
}

func TestREADMEListsEveryPackage(t *testing.T) {
	content, err := os.ReadFile("README.md")
	if err != nil {
		t.Fatalf("Failed to read README.md: %v", err)
	}

	entries, err := os.ReadDir("pkg")
	if err != nil {
		t.Fatalf("Failed to read pkg/: %v", err)
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == "integration" || e.Name() == "protocol" || e.Name() == "config" {
			continue
		}
		if !strings.Contains(string(content), "pkg/"+e.Name()) {
			t.Errorf("README.md missing layout entry for pkg/%s", e.Name())
		}
	}
}
