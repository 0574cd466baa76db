// Package registry implements the file registry: the canonical,
// rebuildable projection of file ownership, content hashes, logical
// locks, and inter-file dependencies, backed by SQLite. Every path is
// validated against security and naming rules before any mutation.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"foreman/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Registry is the SQLite-backed file registry rooted at a project
// directory. The root bounds path validation; the database lives
// wherever the caller opens it (normally <root>/.foreman/registry.db).
type Registry struct {
	db   *sql.DB
	root string

	// nowFunc allows tests to control time (lock expiry).
	nowFunc func() time.Time
}

// Open opens (creating if needed) the registry database at dbPath with
// production-safe defaults: WAL journal mode and a 5-second busy
// timeout. root is the directory all validated paths must stay within.
func Open(dbPath, root string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", dbPath, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", dbPath, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", dbPath, err)
	}
	if _, err := db.ExecContext(ctx, SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init registry schema: %w", err)
	}

	return &Registry{db: db, root: root, nowFunc: time.Now}, nil
}

// Close releases the database connection. Safe to call twice.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	if err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	return nil
}

// Root returns the validation root directory.
func (r *Registry) Root() string {
	return r.root
}

// SetNowFunc overrides the clock (for testing).
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// RegisterParams describes one file registration.
type RegisterParams struct {
	Path         string
	ContentHash  string
	OwnerTicket  string
	JobID        string
	Agent        string
	EventID      string
	Component    string
	Dependencies []string
}

// Register upserts a file record. The path must already have passed
// ValidatePath; Register re-checks as a last line of defense.
// Dependency edges are replaced wholesale.
func (r *Registry) Register(ctx context.Context, p RegisterParams) error {
	if err := r.ValidatePath(p.Path, p.OwnerTicket); err != nil {
		return err
	}
	if p.ContentHash == "" {
		return fmt.Errorf("register %s: content hash required", p.Path)
	}

	now := r.nowFunc().UnixMilli()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (path, content_hash, component, owner_ticket, job_id, registered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   content_hash = excluded.content_hash,
		   component    = excluded.component,
		   owner_ticket = excluded.owner_ticket,
		   job_id       = excluded.job_id,
		   updated_at   = excluded.updated_at`,
		p.Path, p.ContentHash, p.Component, p.OwnerTicket, p.JobID, now, now)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", p.Path, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_deps WHERE path = ?`, p.Path); err != nil {
		return fmt.Errorf("clear deps for %s: %w", p.Path, err)
	}
	for _, dep := range p.Dependencies {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO file_deps (path, dep_path) VALUES (?, ?)`, p.Path, dep); err != nil {
			return fmt.Errorf("insert dep %s -> %s: %w", p.Path, dep, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit register tx: %w", err)
	}
	return nil
}

// Unregister removes a file record and its dependency edges. Used when
// folding FILE_DELETED events into the projection.
func (r *Registry) Unregister(ctx context.Context, path string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unregister tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_deps WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete deps for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete file %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unregister tx: %w", err)
	}
	return nil
}

// Lookup returns the full record for one path, including lock state and
// dependency edges. Returns (nil, nil) when the path is unknown.
func (r *Registry) Lookup(ctx context.Context, path string) (*protocol.FileRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT f.path, f.content_hash, COALESCE(f.component, ''), f.owner_ticket,
		        COALESCE(f.job_id, ''), f.registered_at, f.updated_at,
		        COALESCE(l.owner, ''), COALESCE(l.expiry, 0)
		 FROM files f LEFT JOIN locks l ON l.path = f.path
		 WHERE f.path = ?`, path)

	var rec protocol.FileRecord
	var lockOwner string
	var lockExpiry int64
	err := row.Scan(&rec.Path, &rec.ContentHash, &rec.Component, &rec.OwnerTicket,
		&rec.JobID, &rec.RegisteredAt, &rec.UpdatedAt, &lockOwner, &lockExpiry)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", path, err)
	}

	rec.LockStatus = protocol.Unlocked
	if lockOwner != "" && lockExpiry > r.nowFunc().UnixMilli() {
		rec.LockStatus = protocol.Locked
		rec.LockOwner = lockOwner
		rec.LockExpiry = lockExpiry
	}

	deps, err := r.dependencies(ctx, path)
	if err != nil {
		return nil, err
	}
	rec.Dependencies = deps
	return &rec, nil
}

// dependencies returns the outgoing dependency edges for path.
func (r *Registry) dependencies(ctx context.Context, path string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT dep_path FROM file_deps WHERE path = ? ORDER BY dep_path`, path)
	if err != nil {
		return nil, fmt.Errorf("query deps for %s: %w", path, err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan dep: %w", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deps: %w", err)
	}
	return deps, nil
}

// AllPaths returns every registered path, sorted.
func (r *Registry) AllPaths(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT path FROM files ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paths: %w", err)
	}
	return paths, nil
}

// ByTicket returns the paths owned by a ticket, sorted.
func (r *Registry) ByTicket(ctx context.Context, ticketID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT path FROM files WHERE owner_ticket = ? ORDER BY path`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query ticket files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket files: %w", err)
	}
	return paths, nil
}

// CheckDuplicate reports whether byte-identical content is already
// registered under another path. Callers should surface the existing
// path instead of registering a copy.
func (r *Registry) CheckDuplicate(ctx context.Context, contentHash string) (string, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT path FROM files WHERE content_hash = ? ORDER BY path LIMIT 1`, contentHash)
	var path string
	err := row.Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("check duplicate: %w", err)
	}
	return path, true, nil
}

// MarkApplied records an event ID in the idempotency ledger. Returns
// false when the event was already applied.
func (r *Registry) MarkApplied(ctx context.Context, eventID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied_events (event_id, applied_at) VALUES (?, ?)`,
		eventID, r.nowFunc().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("mark applied %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark applied rows: %w", err)
	}
	return n == 1, nil
}

// WasApplied reports whether an event ID is in the idempotency ledger.
func (r *Registry) WasApplied(ctx context.Context, eventID string) (bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM applied_events WHERE event_id = ?`, eventID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check applied %s: %w", eventID, err)
	}
	return true, nil
}
