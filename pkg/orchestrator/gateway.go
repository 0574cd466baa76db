package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
)

// WorkerGateway hands a work package to an external agent and delivers
// its terminal outcome. Foreman never invokes the agent directly: the
// handoff is a context file in the job workspace, and the completion
// signal is an event the agent appends to the log.
type WorkerGateway interface {
	Dispatch(ctx context.Context, wp *protocol.WorkPackage) (<-chan protocol.Outcome, error)
}

// FileGateway is the production gateway. Dispatch writes
// workspaces/<job>/context.json and watches the event log for an
// AGENT_COMPLETED or AGENT_FAILED event chained to the work package's
// AGENT_STARTED event. File mutations the agent wants committed arrive
// through artifacts/outcome.json.
type FileGateway struct {
	log *eventlog.Log
	ws  *Workspaces

	// fallbackPoll is the safety-net scan interval when fsnotify events
	// are missed or unavailable (default 5s).
	fallbackPoll time.Duration
}

// NewFileGateway returns a gateway over the given log and workspaces.
func NewFileGateway(log *eventlog.Log, ws *Workspaces, fallbackPoll time.Duration) *FileGateway {
	if fallbackPoll == 0 {
		fallbackPoll = 5 * time.Second
	}
	return &FileGateway{log: log, ws: ws, fallbackPoll: fallbackPoll}
}

// Dispatch writes the work package and returns a channel that delivers
// exactly one outcome (or nothing if ctx ends first).
func (g *FileGateway) Dispatch(ctx context.Context, wp *protocol.WorkPackage) (<-chan protocol.Outcome, error) {
	if _, err := g.ws.Create(wp.JobID); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(wp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal work package: %w", err)
	}
	ctxPath := filepath.Join(g.ws.Dir(wp.JobID), protocol.ContextFile)
	if err := os.WriteFile(ctxPath, data, 0o644); err != nil { //nolint:gosec // workspace file
		return nil, fmt.Errorf("write context file: %w", err)
	}

	ch := make(chan protocol.Outcome, 1)
	go g.await(ctx, wp, ch)
	return ch, nil
}

// await watches the log directory for changes and scans for the
// completion event. Falls back to periodic polling as a safety net, the
// same shape as the assignment watcher this replaces.
func (g *FileGateway) await(ctx context.Context, wp *protocol.WorkPackage, ch chan<- protocol.Outcome) {
	defer close(ch)

	// The event may have landed before the watch starts.
	if out, found := g.scan(ctx, wp); found {
		ch <- out
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		g.awaitPoll(ctx, wp, ch)
		return
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: rotation swaps the file out.
	if err := watcher.Add(filepath.Dir(g.log.Path())); err != nil {
		g.awaitPoll(ctx, wp, ch)
		return
	}

	fallback := time.NewTicker(g.fallbackPoll)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
			if out, found := g.scan(ctx, wp); found {
				ch <- out
				return
			}
		case <-watcher.Errors:
			// Watch degraded; the fallback ticker still covers us.
		case <-fallback.C:
			if out, found := g.scan(ctx, wp); found {
				ch <- out
				return
			}
		}
	}
}

// awaitPoll is the pure-polling fallback when fsnotify is unavailable.
func (g *FileGateway) awaitPoll(ctx context.Context, wp *protocol.WorkPackage, ch chan<- protocol.Outcome) {
	ticker := time.NewTicker(g.fallbackPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if out, found := g.scan(ctx, wp); found {
				ch <- out
				return
			}
		}
	}
}

// scan looks for the agent's completion event: an AGENT_COMPLETED or
// AGENT_FAILED for this ticket whose parent is the dispatched
// AGENT_STARTED event.
func (g *FileGateway) scan(ctx context.Context, wp *protocol.WorkPackage) (protocol.Outcome, bool) {
	var (
		out   protocol.Outcome
		found bool
	)
	_ = g.log.Replay(ctx, eventlog.Filter{TicketID: wp.TicketID}, func(ev protocol.Event) error {
		if ev.ParentEventID != wp.ParentEventID {
			return nil
		}
		switch ev.Type {
		case protocol.EventAgentCompleted, protocol.EventAgentFailed:
		default:
			return nil
		}
		detail, _ := ev.Payload["detail"].(string)
		out = protocol.Outcome{
			TicketID: ev.TicketID,
			EventID:  ev.EventID,
			Success:  ev.Type == protocol.EventAgentCompleted,
			Detail:   detail,
		}
		found = true
		return eventlog.ErrStop
	})
	if found && out.Success {
		out.Intents = g.loadIntents(wp.JobID)
	}
	return out, found
}

// outcomeFile is the agent-written artifact carrying mutations to
// commit. Intent content travels base64-encoded per encoding/json.
type outcomeFile struct {
	Intents []protocol.WriteIntent `json:"intents"`
}

func (g *FileGateway) loadIntents(jobID string) []protocol.WriteIntent {
	data, err := os.ReadFile(filepath.Join(g.ws.ArtifactsDir(jobID), protocol.OutcomeFile)) //nolint:gosec // workspace file
	if err != nil {
		return nil
	}
	var of outcomeFile
	if err := json.Unmarshal(data, &of); err != nil {
		return nil
	}
	return of.Intents
}
