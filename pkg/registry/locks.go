package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"foreman/pkg/protocol"
)

// Locking is registry-mediated only. OS advisory locks are deliberately
// not used: logical locks must be queryable, expirable, and recoverable
// from the event log after a crash.

// AcquireLock takes or refreshes the lock on one path for a ticket.
// Re-entrant for the same ticket; expired locks are stealable. The
// acquisition is a single upsert guarded by an ownership/expiry check,
// so concurrent callers serialize inside SQLite.
func (r *Registry) AcquireLock(ctx context.Context, path, ticketID string, ttl time.Duration) (bool, error) {
	now := r.nowFunc().UnixMilli()
	expiry := now + ttl.Milliseconds()

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO locks (path, owner, expiry, acquired_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   owner = excluded.owner,
		   expiry = excluded.expiry,
		   acquired_at = excluded.acquired_at
		 WHERE locks.owner = excluded.owner OR locks.expiry <= ?`,
		path, ticketID, expiry, now, now)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock rows: %w", err)
	}
	return n == 1, nil
}

// AcquireLocks takes the locks for a batch of paths all-or-nothing:
// on the first conflict every lock newly granted in the batch is
// released and a *protocol.LockHeldError for the conflicting path is
// returned. Locks the ticket already held going in are refreshed, not
// granted, and survive a failed batch — a failed write plan must not
// drop the caller's stage locks. Paths are acquired in sorted order so
// concurrent batches cannot deadlock livelock-style on interleaved
// orderings.
func (r *Registry) AcquireLocks(ctx context.Context, paths []string, ticketID string, ttl time.Duration) error {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	var granted []string
	for _, p := range sorted {
		owner, err := r.LockOwner(ctx, p)
		if err == nil {
			var ok bool
			ok, err = r.AcquireLock(ctx, p, ticketID, ttl)
			if err == nil && !ok {
				err = &protocol.LockHeldError{Path: p, Owner: owner, Ticket: ticketID}
			}
		}
		if err != nil {
			for _, g := range granted {
				_ = r.ReleaseLock(ctx, g, ticketID)
			}
			return err
		}
		if owner != ticketID {
			granted = append(granted, p)
		}
	}
	return nil
}

// ReleaseLock drops the lock on path if ticketID owns it. Releasing a
// lock you do not hold is a no-op, not an error.
func (r *Registry) ReleaseLock(ctx context.Context, path, ticketID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM locks WHERE path = ? AND owner = ?`, path, ticketID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", path, err)
	}
	return nil
}

// ReleaseTicketLocks drops every lock held by a ticket and returns how
// many were released. Used when a task terminates or is cancelled.
func (r *Registry) ReleaseTicketLocks(ctx context.Context, ticketID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM locks WHERE owner = ?`, ticketID)
	if err != nil {
		return 0, fmt.Errorf("release ticket locks %s: %w", ticketID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release ticket locks rows: %w", err)
	}
	return int(n), nil
}

// CleanupExpiredLocks removes locks whose TTL elapsed and returns the
// count. Run periodically by the daemon's janitor loop.
func (r *Registry) CleanupExpiredLocks(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM locks WHERE expiry <= ?`, r.nowFunc().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks rows: %w", err)
	}
	return int(n), nil
}

// LockOwner returns the current (unexpired) lock owner for a path, or
// "" when the path is unlocked.
func (r *Registry) LockOwner(ctx context.Context, path string) (string, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT owner FROM locks WHERE path = ? AND expiry > ?`,
		path, r.nowFunc().UnixMilli())
	var owner string
	err := row.Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lock owner %s: %w", path, err)
	}
	return owner, nil
}
