package eventlog

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"foreman/pkg/protocol"
)

// Filter narrows a replay to a ticket and/or time range.
type Filter struct {
	TicketID string
	FromTS   int64 // inclusive, ms epoch; 0 = unbounded
	ToTS     int64 // inclusive, ms epoch; 0 = unbounded

	// ValidateChecksums quarantines events whose stored checksum does
	// not match the recomputed payload hash.
	ValidateChecksums bool
}

func (f Filter) matches(ev *protocol.Event) bool {
	if f.TicketID != "" && ev.TicketID != f.TicketID {
		return false
	}
	if f.FromTS != 0 && ev.Timestamp < f.FromTS {
		return false
	}
	if f.ToTS != 0 && ev.Timestamp > f.ToTS {
		return false
	}
	return true
}

// ErrStop may be returned from a replay callback to end the scan early
// without error.
var ErrStop = errors.New("eventlog: stop replay")

// Replay streams events in append order — rotated archive segments
// oldest-first, then the active segment — invoking fn for each event
// that passes the filter. Lines that fail to parse — or, with
// ValidateChecksums, fail the checksum comparison — are recorded in the
// corrupted-events ledger and skipped; they never abort the scan.
func (l *Log) Replay(ctx context.Context, f Filter, fn func(protocol.Event) error) error {
	names, err := l.Archives()
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		if err := l.replayArchive(ctx, name, f, fn); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}

	err = l.replayActive(ctx, f, fn)
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

// replayArchive scans one gzip archive segment.
func (l *Log) replayArchive(ctx context.Context, name string, f Filter, fn func(protocol.Event) error) error {
	file, err := os.Open(filepath.Join(l.dir, protocol.ArchiveDir, name)) //nolint:gosec // internal path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open archive %s: %w", name, err)
	}
	defer func() { _ = file.Close() }()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("read archive %s: %w", name, err)
	}
	defer func() { _ = gz.Close() }()

	return l.scanSegment(ctx, name, gz, f, fn)
}

// replayActive scans the active segment.
func (l *Log) replayActive(ctx context.Context, f Filter, fn func(protocol.Event) error) error {
	file, err := os.Open(l.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open log for replay: %w", err)
	}
	defer func() { _ = file.Close() }()

	return l.scanSegment(ctx, "", file, f, fn)
}

// scanSegment streams one NDJSON segment. segment names the archive for
// quarantine records; "" means the active log. ErrStop propagates to
// the caller unchanged.
func (l *Log) scanSegment(ctx context.Context, segment string, r io.Reader, f Filter, fn func(protocol.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev protocol.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			l.quarantine(segment, lineNo, string(raw), "parse: "+err.Error())
			continue
		}
		if ev.EventID == "" || ev.Type == "" {
			l.quarantine(segment, lineNo, string(raw), "missing event_id or type")
			continue
		}
		if f.ValidateChecksums && PayloadChecksum(ev.Payload) != ev.Checksum {
			l.quarantine(segment, lineNo, string(raw), "checksum mismatch")
			continue
		}
		if !f.matches(&ev) {
			continue
		}

		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan log: %w", err)
	}
	return nil
}

// ReplayAll collects matching events into a slice. Intended for small
// filtered ranges and tests; bulk consumers should use Replay.
func (l *Log) ReplayAll(ctx context.Context, f Filter) ([]protocol.Event, error) {
	var out []protocol.Event
	err := l.Replay(ctx, f, func(ev protocol.Event) error {
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// maxLineBytes bounds a single log line during replay. Oversized lines
// are reported by bufio.Scanner as errors rather than truncated.
const maxLineBytes = 4 << 20

// CorruptedRecord is one quarantined log line. Segment names the
// archive the line came from; empty means the active log.
type CorruptedRecord struct {
	Segment    string `json:"segment,omitempty"`
	Line       int    `json:"line"`
	Raw        string `json:"raw"`
	Reason     string `json:"reason"`
	RecordedAt string `json:"recorded_at"`
}

// quarantine appends a corrupted line to the side ledger. Best-effort:
// quarantine failures must never break a replay.
func (l *Log) quarantine(segment string, line int, raw, reason string) {
	path := filepath.Join(l.dir, protocol.CorruptedEventsFile)

	var records []CorruptedRecord
	if data, err := os.ReadFile(path); err == nil { //nolint:gosec // internal path
		_ = json.Unmarshal(data, &records)
	}
	records = append(records, CorruptedRecord{
		Segment:    segment,
		Line:       line,
		Raw:        raw,
		Reason:     reason,
		RecordedAt: l.now().UTC().Format(time.RFC3339),
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644) //nolint:gosec // operator-readable ledger
}

// CorruptedRecords returns the quarantine ledger contents.
func (l *Log) CorruptedRecords() ([]CorruptedRecord, error) {
	path := filepath.Join(l.dir, protocol.CorruptedEventsFile)
	data, err := os.ReadFile(path) //nolint:gosec // internal path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read corrupted ledger: %w", err)
	}
	var records []CorruptedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse corrupted ledger: %w", err)
	}
	return records, nil
}

func (l *Log) now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nowFunc()
}
