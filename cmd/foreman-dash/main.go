// Package main implements the foreman-dash interactive dashboard.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// robotMode outputs a JSON snapshot of the ticket table for scripts
// and non-interactive callers.
func robotMode(root string) ([]byte, error) {
	tickets, err := fetchSnapshots(root)
	if err != nil {
		return nil, err
	}
	status := fetchResourceStatus(root)

	data, err := json.Marshal(map[string]any{
		"tickets":   tickets,
		"resources": status,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

func main() {
	root := os.Getenv("FOREMAN_ROOT")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving root: %v\n", err)
			os.Exit(1)
		}
		root = wd
	}

	// Without a TTY there is nothing to render interactively.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		data, err := robotMode(root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	p := tea.NewProgram(newModel(root), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
