// Package eventlog implements the append-only NDJSON event log — the
// single durable source of truth. Every other store in foreman is a
// disposable projection rebuilt by replaying this log.
//
// The active log is one JSON object per line. Appends are serialized
// by an exclusive in-process lock and fsynced before returning.
// Rotation compresses the active segment into the archive directory
// and truncates in place; replay skips (and quarantines) corrupt lines
// rather than failing.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"foreman/pkg/protocol"
)

// Config holds event log tuning knobs.
type Config struct {
	MaxBytes  int64         // rotate when the active log exceeds this size (default 32 MiB)
	MaxAge    time.Duration // rotate when the oldest event exceeds this age (default 7d)
	Retention time.Duration // prune archives older than this (default 30d)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxBytes == 0 {
		out.MaxBytes = 32 << 20
	}
	if out.MaxAge == 0 {
		out.MaxAge = 7 * 24 * time.Hour
	}
	if out.Retention == 0 {
		out.Retention = 30 * 24 * time.Hour
	}
	return out
}

// Log is the append-only event log rooted at a state directory.
type Log struct {
	dir string
	cfg Config

	mu        sync.Mutex
	file      *os.File
	lastMS    int64
	lastSeq   int
	firstTS   int64 // timestamp of the oldest event in the active segment
	rotateErr error // last failed rotation attempt, cleared on recovery

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// Open opens (creating if needed) the active log under dir.
func Open(dir string, cfg Config) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, protocol.EventLogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // path is constructed internally
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{
		dir:     dir,
		cfg:     cfg.withDefaults(),
		file:    f,
		nowFunc: time.Now,
	}, nil
}

// Close releases the underlying file handle. Safe to call twice.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close event log: %w", err)
	}
	return nil
}

// Path returns the active log path.
func (l *Log) Path() string {
	return filepath.Join(l.dir, protocol.EventLogFile)
}

// SetNowFunc overrides the clock (for testing).
func (l *Log) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFunc = fn
}

// AppendParams describes one event to append.
type AppendParams struct {
	TicketID      string
	Type          protocol.EventType
	Payload       map[string]any
	ParentEventID string
	Agent         string
}

// Append writes one event durably and returns it with its minted ID,
// checksum, and idempotency key filled in. The write is flushed and
// forced to disk before returning.
func (l *Log) Append(ctx context.Context, p AppendParams) (*protocol.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	if p.TicketID == "" && p.Type != protocol.EventLogRotated {
		return nil, fmt.Errorf("append event: ticket ID required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil, fmt.Errorf("append event: log closed")
	}

	now := l.nowFunc()
	ev := &protocol.Event{
		EventID:       l.nextIDLocked(now),
		TicketID:      p.TicketID,
		ParentEventID: p.ParentEventID,
		Timestamp:     now.UnixMilli(),
		Type:          p.Type,
		Agent:         p.Agent,
		Payload:       p.Payload,
	}
	ev.Checksum = PayloadChecksum(p.Payload)
	ev.IdempotencyKey = idempotencyKey(ev)

	line, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return nil, fmt.Errorf("write event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return nil, fmt.Errorf("sync event log: %w", err)
	}
	if l.firstTS == 0 {
		l.firstTS = ev.Timestamp
	}

	// The event is durable at this point. A rotation failure must not
	// fail the append — retrying callers would write the same event
	// again under a fresh ID. The error is remembered for health
	// reporting and rotation is re-attempted on the next append.
	l.rotateErr = l.maybeRotateLocked()
	return ev, nil
}

// LastRotateError reports the most recent failed rotation attempt, or
// nil once rotation recovers. Surfaced by health probes; rotation
// trouble never fails an append.
func (l *Log) LastRotateError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateErr
}

// nextIDLocked mints a monotonic, time-ordered event ID. When the clock
// stalls or steps backwards the sequence counter keeps IDs unique and
// ordered. Caller must hold l.mu.
func (l *Log) nextIDLocked(now time.Time) string {
	ms := now.UnixMilli()
	if ms <= l.lastMS {
		ms = l.lastMS
		l.lastSeq++
	} else {
		l.lastMS = ms
		l.lastSeq = 0
	}
	return fmt.Sprintf("evt-%013d-%06d", ms, l.lastSeq)
}

// Count returns the number of well-formed events, optionally filtered
// by ticket.
func (l *Log) Count(ctx context.Context, ticketID string) (int, error) {
	n := 0
	err := l.Replay(ctx, Filter{TicketID: ticketID}, func(protocol.Event) error {
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PayloadChecksum hashes the canonical JSON encoding of a payload.
// encoding/json sorts map keys, so equal payloads hash equally.
func PayloadChecksum(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		// Unmarshalable payloads cannot be appended either; hash the
		// error text so the checksum is still deterministic.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// idempotencyKey derives a stable key from ticket, type, payload
// checksum, and causal parent so replays can detect duplicate intents.
func idempotencyKey(ev *protocol.Event) string {
	sum := sha256.Sum256([]byte(ev.TicketID + "|" + string(ev.Type) + "|" + ev.Checksum + "|" + ev.ParentEventID))
	return hex.EncodeToString(sum[:])
}
