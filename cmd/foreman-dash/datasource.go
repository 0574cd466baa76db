package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/protocol"
)

// fetchSnapshots reads the ticket snapshot table straight from the
// projection file. No daemon is required.
func fetchSnapshots(root string) ([]protocol.TaskSnapshot, error) {
	path := filepath.Join(root, protocol.ForemanDir, protocol.SnapshotsFile)
	data, err := os.ReadFile(path) //nolint:gosec // projection path is derived from the workspace root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshots: %w", err)
	}

	table := map[string]protocol.TaskSnapshot{}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse snapshots: %w", err)
	}

	tickets := make([]protocol.TaskSnapshot, 0, len(table))
	for _, snap := range table {
		tickets = append(tickets, snap)
	}
	sort.Slice(tickets, func(i, j int) bool {
		if tickets[i].CreatedAt != tickets[j].CreatedAt {
			return tickets[i].CreatedAt < tickets[j].CreatedAt
		}
		return tickets[i].TicketID < tickets[j].TicketID
	})
	return tickets, nil
}

// fetchResourceStatus polls the daemon's /status endpoint. nil means
// the daemon is offline.
func fetchResourceStatus(root string) *protocol.ResourceStatus {
	cfg, err := config.Load(filepath.Join(root, protocol.ForemanDir, protocol.ConfigFile))
	if err != nil {
		return nil
	}

	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get("http://" + cfg.Daemon.StatusAddr + "/status")
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var st protocol.ResourceStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil
	}
	return &st
}
