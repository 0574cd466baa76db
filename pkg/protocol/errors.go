package protocol

import "fmt"

// PathViolationError reports a path that failed security or naming
// validation. It enables typed discrimination via errors.As so callers
// can record a SECURITY_VIOLATION event with the exact reason.
type PathViolationError struct {
	Path   string
	Reason string
}

func (e *PathViolationError) Error() string {
	return fmt.Sprintf("path %q rejected: %s", e.Path, e.Reason)
}

// LockHeldError reports a lock acquisition that lost to another ticket.
type LockHeldError struct {
	Path   string
	Owner  string
	Ticket string // the ticket that was denied
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock on %q held by %s (requested by %s)", e.Path, e.Owner, e.Ticket)
}

// StalePreconditionError reports a write intent whose recorded
// before-hash no longer matches the live filesystem.
type StalePreconditionError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *StalePreconditionError) Error() string {
	return fmt.Sprintf("stale precondition on %q: expected hash %s, found %s",
		e.Path, e.Expected, e.Actual)
}

// BreakerOpenError is returned by a circuit breaker that is failing
// fast. It is distinct from any error the wrapped call would produce.
type BreakerOpenError struct {
	Name string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// DuplicateContentError reports an attempt to register byte-identical
// content under a new path. Existing names the path that already holds
// the content.
type DuplicateContentError struct {
	Path     string
	Existing string
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("content of %q duplicates existing file %q", e.Path, e.Existing)
}

// TicketNotFoundError reports a snapshot lookup miss.
type TicketNotFoundError struct {
	TicketID string
}

func (e *TicketNotFoundError) Error() string {
	return fmt.Sprintf("ticket %s not found", e.TicketID)
}
