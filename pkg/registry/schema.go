package registry

// SchemaDDL defines the SQLite schema for the file registry projection.
// Tables: files, file_deps, locks, applied_events.
// The registry is disposable: it can be deleted and rebuilt from the
// event log at any time.
const SchemaDDL = `
-- Canonical file ownership and content tracking
CREATE TABLE IF NOT EXISTS files (
    path TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    component TEXT,
    owner_ticket TEXT NOT NULL,
    job_id TEXT,
    registered_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_hash ON files(content_hash);
CREATE INDEX IF NOT EXISTS idx_files_ticket ON files(owner_ticket);

-- Inter-file dependency edges
CREATE TABLE IF NOT EXISTS file_deps (
    path TEXT NOT NULL,
    dep_path TEXT NOT NULL,
    PRIMARY KEY (path, dep_path)
);

-- Logical locks, registry-mediated (no OS advisory locks)
CREATE TABLE IF NOT EXISTS locks (
    path TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    expiry INTEGER NOT NULL,
    acquired_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_locks_owner ON locks(owner);

-- Idempotency ledger: event IDs already folded into this projection
CREATE TABLE IF NOT EXISTS applied_events (
    event_id TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`
