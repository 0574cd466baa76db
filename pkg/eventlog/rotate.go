package eventlog

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"foreman/pkg/protocol"
)

// Rotation reasons recorded in archive filenames.
const (
	RotateSize   = "size"
	RotateAge    = "age"
	RotateManual = "manual"
)

// maybeRotateLocked rotates the active segment when it exceeds the
// configured size or age ceilings. Caller must hold l.mu.
func (l *Log) maybeRotateLocked() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("stat active log: %w", err)
	}
	switch {
	case info.Size() >= l.cfg.MaxBytes:
		return l.rotateLocked(RotateSize)
	case l.firstTS != 0 && l.nowFunc().UnixMilli()-l.firstTS >= l.cfg.MaxAge.Milliseconds():
		return l.rotateLocked(RotateAge)
	}
	return nil
}

// Rotate archives the active segment immediately.
func (l *Log) Rotate(reason string) error {
	if reason == "" {
		reason = RotateManual
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("rotate: log closed")
	}
	return l.rotateLocked(reason)
}

// rotateLocked is crash-safe by ordering: the gzip archive is fully
// written and synced before the active segment is truncated, so a
// crash mid-rotation duplicates events in the archive at worst — replay
// idempotency absorbs duplicates, truncation never precedes the copy.
func (l *Log) rotateLocked(reason string) error {
	archDir := filepath.Join(l.dir, protocol.ArchiveDir)
	if err := os.MkdirAll(archDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	name := fmt.Sprintf("log_%d_%s.ndjson.gz", l.nowFunc().UnixMilli(), reason)
	archPath := filepath.Join(archDir, name)

	src, err := os.Open(l.Path())
	if err != nil {
		return fmt.Errorf("open active log: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(archPath) //nolint:gosec // internal path
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("compress log: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	// Archive is durable; now truncate the active segment in place.
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate active log: %w", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind active log: %w", err)
	}
	l.firstTS = 0

	l.pruneArchivesLocked(archDir)
	return nil
}

// pruneArchivesLocked removes archives older than the retention window.
// Best-effort; pruning failures never fail a rotation.
func (l *Log) pruneArchivesLocked(archDir string) {
	entries, err := os.ReadDir(archDir)
	if err != nil {
		return
	}
	cutoff := l.nowFunc().Add(-l.cfg.Retention)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ndjson.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(archDir, e.Name()))
		}
	}
}

// Archives lists archive filenames, oldest first.
func (l *Log) Archives() ([]string, error) {
	archDir := filepath.Join(l.dir, protocol.ArchiveDir)
	entries, err := os.ReadDir(archDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".ndjson.gz") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
