// Package snapshot implements the task snapshot store: a JSON object
// keyed by ticket ID, written atomically (write-temp, rename). The
// store is a disposable projection of the event log; the Apply reducer
// here is the single definition of how events fold into snapshots,
// shared by the live orchestrator and the rebuilder.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"foreman/pkg/protocol"
)

// Store holds the snapshot table for one state directory.
type Store struct {
	path string

	mu    sync.Mutex
	table map[string]*protocol.TaskSnapshot
}

// Open loads (or initializes) the snapshot table at path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, table: make(map[string]*protocol.TaskSnapshot)}

	data, err := os.ReadFile(path) //nolint:gosec // internal path
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	if err := json.Unmarshal(data, &s.table); err != nil {
		return nil, fmt.Errorf("parse snapshots: %w", err)
	}
	return s, nil
}

// Get returns the snapshot for a ticket or a TicketNotFoundError.
func (s *Store) Get(ticketID string) (*protocol.TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.table[ticketID]
	if !ok {
		return nil, &protocol.TicketNotFoundError{TicketID: ticketID}
	}
	out := *snap
	return &out, nil
}

// Put upserts a snapshot and persists the table.
func (s *Store) Put(snap *protocol.TaskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.table[snap.TicketID] = &cp
	return s.saveLocked(s.path)
}

// All returns every snapshot sorted by ticket ID.
func (s *Store) All() []protocol.TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.TaskSnapshot, 0, len(s.table))
	for _, snap := range s.table {
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketID < out[j].TicketID })
	return out
}

// ApplyEvent folds one event into the table and persists. Events for
// unknown tickets other than TASK_CREATED are ignored (the reducer is
// total: replay order guarantees creation precedes mutation).
func (s *Store) ApplyEvent(ev *protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	applyLocked(s.table, ev)
	return s.saveLocked(s.path)
}

// SaveTo writes the table to an alternate path (staging support).
func (s *Store) SaveTo(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(path)
}

// saveLocked writes the table atomically: temp file in the same
// directory, fsync, rename. Caller must hold s.mu.
func (s *Store) saveLocked(path string) error {
	return WriteTable(path, s.table)
}

// WriteTable atomically persists a detached snapshot table. The
// rebuilder uses this to write its staging table in one shot.
func WriteTable(path string, table map[string]*protocol.TaskSnapshot) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshots: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshots-*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync snapshot temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	return nil
}

// Apply folds one event into a detached snapshot table. Exported for
// the rebuilder, which accumulates into its own staging map.
func Apply(table map[string]*protocol.TaskSnapshot, ev *protocol.Event) {
	applyLocked(table, ev)
}

func applyLocked(table map[string]*protocol.TaskSnapshot, ev *protocol.Event) {
	switch ev.Type {
	case protocol.EventTaskCreated:
		if _, exists := table[ev.TicketID]; exists {
			return // replayed duplicate; snapshots are created once
		}
		jobID, _ := ev.Payload["job_id"].(string)
		table[ev.TicketID] = &protocol.TaskSnapshot{
			TicketID:    ev.TicketID,
			JobID:       jobID,
			Status:      protocol.StatusCreated,
			LastEventID: ev.EventID,
			CreatedAt:   ev.Timestamp,
			UpdatedAt:   ev.Timestamp,
		}
		return
	}

	snap, ok := table[ev.TicketID]
	if !ok || snap.Status.Terminal() {
		return
	}
	// Stale or replayed event: snapshots advance only on unseen events.
	if ev.EventID <= snap.LastEventID {
		return
	}

	switch ev.Type {
	case protocol.EventAgentStarted:
		snap.CurrentAgent = ev.Agent
	case protocol.EventAgentCompleted:
		if next, ok := protocol.NextStatus(snap.Status); ok {
			snap.Status = next
		}
		snap.RetryCount = 0
		snap.CurrentAgent = ""
	case protocol.EventAgentFailed:
		snap.RetryCount++
		snap.CurrentAgent = ""
	case protocol.EventTaskCompleted:
		snap.Status = protocol.StatusCompleted
		snap.CurrentAgent = ""
	case protocol.EventTaskFailed:
		snap.Status = protocol.StatusFailed
		snap.CurrentAgent = ""
	default:
		// File and lock events do not alter task snapshots.
		return
	}
	snap.LastEventID = ev.EventID
	snap.UpdatedAt = ev.Timestamp
}
