package writeproto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/registry"
)

// Tx is one write transaction. Phases run strictly in order; a Tx that
// fails Plan or Validate never touches the filesystem, and a Tx that
// fails during Apply restores every path from its backups. A Tx is
// single-use and not safe for concurrent use.
type Tx struct {
	w *Writer

	requestID     string
	ticketID      string
	jobID         string
	agent         string
	parentEventID string
	intents       []protocol.WriteIntent

	phase      protocol.WritePhase // last completed phase, 0 before Plan
	status     protocol.WriteStatus
	errMessage string

	lockedPaths []string
	backupDir   string
	backups     map[int]string // intent index -> backup file
	folded      []priorRecord  // registry rows changed by commit, oldest first
}

// priorRecord remembers a registry row as it was before commit folded
// an intent, so a mid-commit failure can put it back. A nil rec means
// the path was unregistered.
type priorRecord struct {
	path string
	rec  *protocol.FileRecord
}

// RequestID identifies the transaction in event payloads.
func (t *Tx) RequestID() string { return t.requestID }

// Status reports the transaction lifecycle state.
func (t *Tx) Status() protocol.WriteStatus { return t.status }

// ErrMessage holds the failure detail once status is failed or
// rolled_back.
func (t *Tx) ErrMessage() string { return t.errMessage }

// Plan validates every intent path, rejects byte-duplicate creates, and
// acquires all required locks as a batch. No filesystem mutation.
func (t *Tx) Plan(ctx context.Context) error {
	if t.phase != 0 || t.status != protocol.WritePending {
		return fmt.Errorf("plan: transaction already advanced (phase %d, status %s)", t.phase, t.status)
	}
	if len(t.intents) == 0 {
		return t.fail(fmt.Errorf("plan: no intents"))
	}

	for _, in := range t.intents {
		if err := t.w.reg.ValidatePath(in.Path, t.ticketID); err != nil {
			var pv *protocol.PathViolationError
			if errors.As(err, &pv) {
				t.appendEvent(ctx, protocol.EventSecurityViolation, map[string]any{
					"request_id": t.requestID,
					"path":       pv.Path,
					"reason":     pv.Reason,
				})
			}
			return t.fail(err)
		}
		if in.Operation == protocol.OpCreate {
			existing, dup, err := t.w.reg.CheckDuplicate(ctx, registry.HashBytes(in.Content))
			if err != nil {
				return t.fail(fmt.Errorf("plan %s: %w", in.Path, err))
			}
			if dup && existing != in.Path {
				return t.fail(&protocol.DuplicateContentError{Path: in.Path, Existing: existing})
			}
		}
	}

	paths := t.intentPaths()
	if err := t.w.reg.AcquireLocks(ctx, paths, t.ticketID, t.w.cfg.LockTTL); err != nil {
		return t.fail(err)
	}
	t.lockedPaths = paths
	t.appendEvent(ctx, protocol.EventLockAcquired, map[string]any{
		"request_id": t.requestID,
		"paths":      paths,
	})

	t.phase = protocol.PhasePlan
	return nil
}

// Validate re-checks every intent against the live filesystem: creates
// must not exist, updates and deletes must exist and match their
// recorded before-hash, and declared dependencies must be present.
// Time has passed since Plan, so nothing from that phase is trusted.
func (t *Tx) Validate(ctx context.Context) error {
	if t.phase != protocol.PhasePlan || t.status != protocol.WritePending {
		return fmt.Errorf("validate: plan has not completed (phase %d, status %s)", t.phase, t.status)
	}

	for _, in := range t.intents {
		if err := t.validateIntent(in); err != nil {
			t.releaseLocks(ctx)
			return t.fail(err)
		}
	}

	t.phase = protocol.PhaseValidate
	t.status = protocol.WriteValidated
	return nil
}

func (t *Tx) validateIntent(in protocol.WriteIntent) error {
	abs := t.abs(in.Path)
	live, err := liveHash(abs)
	if err != nil {
		return fmt.Errorf("validate %s: %w", in.Path, err)
	}

	switch in.Operation {
	case protocol.OpCreate:
		if live != "" {
			return &protocol.StalePreconditionError{Path: in.Path, Expected: "absent", Actual: live}
		}
	case protocol.OpUpdate, protocol.OpDelete:
		if live == "" {
			return &protocol.StalePreconditionError{Path: in.Path, Expected: in.ContentHashBefore, Actual: "absent"}
		}
		if in.ContentHashBefore != "" && live != in.ContentHashBefore {
			return &protocol.StalePreconditionError{Path: in.Path, Expected: in.ContentHashBefore, Actual: live}
		}
	default:
		return fmt.Errorf("validate %s: unknown operation %q", in.Path, in.Operation)
	}

	for _, dep := range in.Dependencies {
		if _, err := os.Stat(t.abs(dep)); err != nil {
			if os.IsNotExist(err) {
				return &protocol.StalePreconditionError{Path: dep, Expected: "present", Actual: "absent"}
			}
			return fmt.Errorf("validate %s: dependency %s: %w", in.Path, dep, err)
		}
	}
	return nil
}

// Apply performs every mutation via write-temp-then-rename, keeping a
// backup of anything overwritten or deleted. On success it commits:
// file events are appended and folded into the registry, locks are
// released, and backups are discarded. On any failure — including a
// mid-batch one — every already-applied intent is reverted from its
// backup before the error is returned.
func (t *Tx) Apply(ctx context.Context) error {
	if t.phase != protocol.PhaseValidate || t.status != protocol.WriteValidated {
		return fmt.Errorf("apply: validate has not completed (phase %d, status %s)", t.phase, t.status)
	}

	dir, err := os.MkdirTemp("", "foreman-backup-*")
	if err != nil {
		t.releaseLocks(ctx)
		return t.fail(fmt.Errorf("apply: create backup dir: %w", err))
	}
	t.backupDir = dir
	t.backups = make(map[int]string)

	applied := 0
	for i, in := range t.intents {
		if err := t.applyIntent(i, in); err != nil {
			return t.rollback(ctx, applied, fmt.Errorf("apply %s: %w", in.Path, err))
		}
		applied++
	}

	if err := t.commit(ctx); err != nil {
		return t.rollback(ctx, applied, err)
	}
	return nil
}

// Run is the whole protocol in order: Plan, Validate, Apply.
func (t *Tx) Run(ctx context.Context) error {
	if err := t.Plan(ctx); err != nil {
		return err
	}
	if err := t.Validate(ctx); err != nil {
		return err
	}
	return t.Apply(ctx)
}

func (t *Tx) applyIntent(i int, in protocol.WriteIntent) error {
	abs := t.abs(in.Path)

	switch in.Operation {
	case protocol.OpCreate:
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		return writeFileAtomic(abs, in.Content)
	case protocol.OpUpdate:
		if err := t.backup(i, abs); err != nil {
			return err
		}
		return writeFileAtomic(abs, in.Content)
	case protocol.OpDelete:
		if err := t.backup(i, abs); err != nil {
			return err
		}
		return os.Remove(abs)
	default:
		return fmt.Errorf("unknown operation %q", in.Operation)
	}
}

func (t *Tx) backup(i int, abs string) error {
	content, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	dst := filepath.Join(t.backupDir, fmt.Sprintf("intent-%03d", i))
	if err := os.WriteFile(dst, content, 0o644); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	t.backups[i] = dst
	return nil
}

// rollback reverts the first n intents in reverse order, puts back any
// registry rows a partial commit already folded, then records the
// rollback and releases locks. Restore errors are collected rather
// than aborting the sweep: every path gets a restore attempt.
func (t *Tx) rollback(ctx context.Context, n int, cause error) error {
	var restoreErrs []error

	for i := len(t.folded) - 1; i >= 0; i-- {
		f := t.folded[i]
		var err error
		if f.rec == nil {
			err = t.w.reg.Unregister(ctx, f.path)
		} else {
			err = t.w.reg.Register(ctx, registry.RegisterParams{
				Path:         f.rec.Path,
				ContentHash:  f.rec.ContentHash,
				OwnerTicket:  f.rec.OwnerTicket,
				JobID:        f.rec.JobID,
				Component:    f.rec.Component,
				Dependencies: f.rec.Dependencies,
			})
		}
		if err != nil {
			restoreErrs = append(restoreErrs, fmt.Errorf("restore registry %s: %w", f.path, err))
		}
	}
	t.folded = nil

	for i := n - 1; i >= 0; i-- {
		in := t.intents[i]
		abs := t.abs(in.Path)

		var err error
		switch in.Operation {
		case protocol.OpCreate:
			err = os.Remove(abs)
		case protocol.OpUpdate, protocol.OpDelete:
			var content []byte
			content, err = os.ReadFile(t.backups[i])
			if err == nil {
				err = writeFileAtomic(abs, content)
			}
		}
		if err != nil {
			restoreErrs = append(restoreErrs, fmt.Errorf("restore %s: %w", in.Path, err))
		}
	}

	t.appendEvent(ctx, protocol.EventWriteRolledBack, map[string]any{
		"request_id": t.requestID,
		"error":      cause.Error(),
	})
	t.releaseLocks(ctx)
	t.discardBackups()
	t.status = protocol.WriteRolledBack
	t.errMessage = cause.Error()

	if len(restoreErrs) > 0 {
		return errors.Join(append([]error{cause}, restoreErrs...)...)
	}
	return cause
}

// commit makes the applied mutations authoritative: one file event per
// intent folded into the registry and marked in the applied ledger,
// then the commit marker, then lock release.
func (t *Tx) commit(ctx context.Context) error {
	for _, in := range t.intents {
		var (
			typ  protocol.EventType
			hash string
		)
		switch in.Operation {
		case protocol.OpCreate:
			typ, hash = protocol.EventFileCreated, registry.HashBytes(in.Content)
		case protocol.OpUpdate:
			typ, hash = protocol.EventFileUpdated, registry.HashBytes(in.Content)
		case protocol.OpDelete:
			typ = protocol.EventFileDeleted
		}

		ev, err := t.w.log.Append(ctx, eventlog.AppendParams{
			TicketID:      t.ticketID,
			Type:          typ,
			ParentEventID: t.parentEventID,
			Agent:         t.agent,
			Payload: map[string]any{
				"request_id":   t.requestID,
				"job_id":       t.jobID,
				"path":         in.Path,
				"operation":    string(in.Operation),
				"content_hash": hash,
				"component":    in.Component,
				"dependencies": in.Dependencies,
			},
		})
		if err != nil {
			return fmt.Errorf("commit: append %s event: %w", typ, err)
		}

		prior, err := t.w.reg.Lookup(ctx, in.Path)
		if err != nil {
			return fmt.Errorf("commit: lookup %s: %w", in.Path, err)
		}

		if in.Operation == protocol.OpDelete {
			err = t.w.reg.Unregister(ctx, in.Path)
		} else {
			err = t.w.reg.Register(ctx, registry.RegisterParams{
				Path:         in.Path,
				ContentHash:  hash,
				OwnerTicket:  t.ticketID,
				JobID:        t.jobID,
				Agent:        t.agent,
				EventID:      ev.EventID,
				Component:    in.Component,
				Dependencies: in.Dependencies,
			})
		}
		if err != nil {
			return fmt.Errorf("commit: fold %s: %w", in.Path, err)
		}
		t.folded = append(t.folded, priorRecord{path: in.Path, rec: prior})
		if _, err := t.w.reg.MarkApplied(ctx, ev.EventID); err != nil {
			return fmt.Errorf("commit: mark applied: %w", err)
		}
	}

	if _, err := t.w.log.Append(ctx, eventlog.AppendParams{
		TicketID:      t.ticketID,
		Type:          protocol.EventWriteCommitted,
		ParentEventID: t.parentEventID,
		Agent:         t.agent,
		Payload: map[string]any{
			"request_id": t.requestID,
			"intents":    len(t.intents),
		},
	}); err != nil {
		return fmt.Errorf("commit: append marker: %w", err)
	}

	t.releaseLocks(ctx)
	t.discardBackups()
	t.phase = protocol.PhaseApply
	t.status = protocol.WriteCommitted
	return nil
}

// releaseLocks frees the batch and records it. Best effort: a release
// failure leaves the lock to TTL expiry.
func (t *Tx) releaseLocks(ctx context.Context) {
	if len(t.lockedPaths) == 0 {
		return
	}
	for _, p := range t.lockedPaths {
		_ = t.w.reg.ReleaseLock(ctx, p, t.ticketID)
	}
	t.appendEvent(ctx, protocol.EventLockReleased, map[string]any{
		"request_id": t.requestID,
		"paths":      t.lockedPaths,
	})
	t.lockedPaths = nil
}

func (t *Tx) discardBackups() {
	if t.backupDir != "" {
		_ = os.RemoveAll(t.backupDir)
		t.backupDir = ""
	}
}

func (t *Tx) fail(err error) error {
	t.status = protocol.WriteFailed
	t.errMessage = err.Error()
	return err
}

// appendEvent records a bookkeeping event; these never gate the
// transaction outcome.
func (t *Tx) appendEvent(ctx context.Context, typ protocol.EventType, payload map[string]any) {
	_, _ = t.w.log.Append(ctx, eventlog.AppendParams{
		TicketID:      t.ticketID,
		Type:          typ,
		ParentEventID: t.parentEventID,
		Agent:         t.agent,
		Payload:       payload,
	})
}

func (t *Tx) abs(rel string) string {
	return filepath.Join(t.w.reg.Root(), rel)
}

// intentPaths returns the unique intent paths in sorted order, matching
// the registry's deadlock-free batch lock ordering.
func (t *Tx) intentPaths() []string {
	seen := make(map[string]struct{}, len(t.intents))
	var out []string
	for _, in := range t.intents {
		if _, ok := seen[in.Path]; ok {
			continue
		}
		seen[in.Path] = struct{}{}
		out = append(out, in.Path)
	}
	sort.Strings(out)
	return out
}

// liveHash hashes the current content of abs, or returns "" if the path
// does not exist.
func liveHash(abs string) (string, error) {
	b, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return registry.HashBytes(b), nil
}

// writeFileAtomic writes content to a temp file in the target directory
// and renames it into place so readers never observe a partial write.
func writeFileAtomic(abs string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".foreman-write-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}
