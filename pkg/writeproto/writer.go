// Package writeproto implements the three-phase write protocol: a batch
// of proposed file mutations becomes a single transaction that plans
// (path validation, duplicate detection, all-or-nothing locking),
// validates against the live filesystem, then applies with per-file
// backups so any mid-batch failure rolls the whole batch back.
package writeproto

import (
	"time"

	"github.com/google/uuid"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/registry"
)

// Config tunes the write protocol.
type Config struct {
	// LockTTL bounds how long a transaction's path locks live if the
	// process dies before commit. Defaults to 5 minutes.
	LockTTL time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.LockTTL == 0 {
		out.LockTTL = 5 * time.Minute
	}
	return out
}

// Writer builds write transactions against one event log and registry.
type Writer struct {
	log *eventlog.Log
	reg *registry.Registry
	cfg Config
}

// New returns a Writer. The registry's root is the workspace all intent
// paths are resolved against.
func New(log *eventlog.Log, reg *registry.Registry, cfg Config) *Writer {
	return &Writer{log: log, reg: reg, cfg: cfg.withDefaults()}
}

// BeginParams describes one write transaction.
type BeginParams struct {
	TicketID      string
	JobID         string
	Agent         string
	ParentEventID string
	Intents       []protocol.WriteIntent
}

// Begin opens a transaction in the pending state. Nothing is validated
// or locked until Plan runs.
func (w *Writer) Begin(p BeginParams) *Tx {
	return &Tx{
		w:             w,
		requestID:     uuid.NewString(),
		ticketID:      p.TicketID,
		jobID:         p.JobID,
		agent:         p.Agent,
		parentEventID: p.ParentEventID,
		intents:       p.Intents,
		status:        protocol.WritePending,
	}
}
