// Package orchestrator drives tickets through the agent pipeline. Each
// ticket is an independent state machine advanced one stage at a time:
// locks, then an admission permit, then an AGENT_STARTED handoff to the
// external agent, then commit or retry depending on the agent's
// completion event. All durable effects flow through the event log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/pkg/admission"
	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/registry"
	"foreman/pkg/resilience"
	"foreman/pkg/snapshot"
	"foreman/pkg/writeproto"
)

// ErrNoCapacity is returned when an admission permit cannot be obtained
// within the configured timeout.
var ErrNoCapacity = errors.New("admission denied: no capacity")

// Config holds orchestrator tuning.
type Config struct {
	Pipeline      string        // named pipeline (default "default")
	LockTTL       time.Duration // stage lock lifetime (default 5m)
	PermitTimeout time.Duration // admission wait bound (default 30s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Pipeline == "" {
		out.Pipeline = "default"
	}
	if out.LockTTL == 0 {
		out.LockTTL = 5 * time.Minute
	}
	if out.PermitTimeout == 0 {
		out.PermitTimeout = 30 * time.Second
	}
	return out
}

// Orchestrator composes the log, projections, admission controller,
// write protocol, and worker gateway into the task state machine.
type Orchestrator struct {
	cfg    Config
	log    *eventlog.Log
	store  *snapshot.Store
	reg    *registry.Registry
	adm    *admission.Controller
	writer *writeproto.Writer
	gw     WorkerGateway
	pipes  *Pipelines
	ws     *Workspaces

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

// New wires an Orchestrator. It does not start any background work.
func New(cfg Config, log *eventlog.Log, store *snapshot.Store, reg *registry.Registry,
	adm *admission.Controller, gw WorkerGateway, pipes *Pipelines, ws *Workspaces,
) *Orchestrator {
	resolved := cfg.withDefaults()
	return &Orchestrator{
		cfg:      resolved,
		log:      log,
		store:    store,
		reg:      reg,
		adm:      adm,
		writer:   writeproto.New(log, reg, writeproto.Config{LockTTL: resolved.LockTTL}),
		gw:       gw,
		pipes:    pipes,
		ws:       ws,
		breakers: make(map[string]*resilience.Breaker),
	}
}

// breakerFor returns the circuit breaker guarding one agent. A broken
// agent trips its own breaker without blocking dispatch to the others.
func (o *Orchestrator) breakerFor(agent string) *resilience.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.breakers[agent]
	if !ok {
		b = resilience.NewBreaker(agent, resilience.BreakerConfig{})
		o.breakers[agent] = b
	}
	return b
}

// append writes one event with bounded backoff: appends can contend
// transiently with rotation, and validation-class errors are never
// retried.
func (o *Orchestrator) append(ctx context.Context, p eventlog.AppendParams) (*protocol.Event, error) {
	var ev *protocol.Event
	err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: 3, BaseDelay: 25 * time.Millisecond},
		func(ctx context.Context) error {
			var err error
			ev, err = o.log.Append(ctx, p)
			return err
		})
	return ev, err
}

// CreateParams describes a new ticket.
type CreateParams struct {
	TicketID     string // generated when empty
	Request      string
	Paths        []string // files the pipeline may touch
	Verification []string
}

// CreateTicket mints a ticket: workspace tree, TASK_CREATED event,
// snapshot. The ticket starts in CREATED awaiting its first Advance.
func (o *Orchestrator) CreateTicket(ctx context.Context, p CreateParams) (*protocol.TaskSnapshot, error) {
	ticketID := p.TicketID
	if ticketID == "" {
		ticketID = "T-" + strings.Split(uuid.NewString(), "-")[0]
	}
	if _, err := o.store.Get(ticketID); err == nil {
		return nil, fmt.Errorf("ticket %s already exists", ticketID)
	}

	jobID := uuid.NewString()
	if _, err := o.ws.Create(jobID); err != nil {
		return nil, err
	}

	ev, err := o.append(ctx, eventlog.AppendParams{
		TicketID: ticketID,
		Type:     protocol.EventTaskCreated,
		Payload: map[string]any{
			"job_id":       jobID,
			"request":      p.Request,
			"paths":        p.Paths,
			"verification": p.Verification,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := o.fold(ctx, ev); err != nil {
		return nil, err
	}
	return o.store.Get(ticketID)
}

// Advance runs one stage of the pipeline for a ticket: assemble the
// work package, lock its paths, obtain a permit, record AGENT_STARTED,
// dispatch, and settle the agent's outcome. On success any staged
// mutations are committed through the write protocol and the snapshot
// advances one stage; on failure the retry count grows until the
// ceiling moves the ticket to FAILED.
func (o *Orchestrator) Advance(ctx context.Context, ticketID string) (*protocol.TaskSnapshot, error) {
	snap, err := o.store.Get(ticketID)
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		return nil, fmt.Errorf("ticket %s is %s; no further transitions", ticketID, snap.Status)
	}

	agent, err := o.pipes.AgentFor(o.cfg.Pipeline, snap.Status)
	if err != nil {
		return nil, err
	}
	created, err := o.creation(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if len(created.paths) > 0 {
		if err := o.reg.AcquireLocks(ctx, created.paths, ticketID, o.cfg.LockTTL); err != nil {
			return nil, err
		}
	}
	if !o.adm.Acquire(ctx, ticketID, o.cfg.PermitTimeout) {
		_, _ = o.reg.ReleaseTicketLocks(ctx, ticketID)
		return nil, ErrNoCapacity
	}
	defer func() {
		o.adm.Release(ticketID)
		_, _ = o.reg.ReleaseTicketLocks(ctx, ticketID)
	}()

	started, err := o.append(ctx, eventlog.AppendParams{
		TicketID:      ticketID,
		Type:          protocol.EventAgentStarted,
		Agent:         agent,
		ParentEventID: snap.LastEventID,
		Payload:       map[string]any{"stage": string(snap.Status)},
	})
	if err != nil {
		return nil, err
	}
	if err := o.fold(ctx, started); err != nil {
		return nil, err
	}

	artifacts, err := o.ws.Artifacts(snap.JobID)
	if err != nil {
		return nil, err
	}
	wp := &protocol.WorkPackage{
		TicketID:       ticketID,
		JobID:          snap.JobID,
		Stage:          snap.Status,
		Agent:          agent,
		ParentEventID:  started.EventID,
		Request:        created.request,
		PriorArtifacts: artifacts,
		Verification:   created.verification,
		Paths:          created.paths,
	}

	var ch <-chan protocol.Outcome
	err = o.breakerFor(agent).Call(ctx, func(ctx context.Context) error {
		var derr error
		ch, derr = o.gw.Dispatch(ctx, wp)
		return derr
	})
	if err != nil {
		return nil, o.settleFailure(ctx, ticketID, started.EventID, agent, err.Error())
	}

	var out protocol.Outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !out.Success {
		failErr := o.afterFailure(ctx, ticketID, out)
		snap, _ = o.store.Get(ticketID)
		return snap, failErr
	}

	if len(out.Intents) > 0 {
		tx := o.writer.Begin(writeproto.BeginParams{
			TicketID:      ticketID,
			JobID:         snap.JobID,
			Agent:         agent,
			ParentEventID: out.EventID,
			Intents:       out.Intents,
		})
		if err := tx.Run(ctx); err != nil {
			return nil, o.settleFailure(ctx, ticketID, out.EventID, agent,
				fmt.Sprintf("commit mutations: %v", err))
		}
	}

	if err := o.refresh(ctx, ticketID); err != nil {
		return nil, err
	}
	snap, err = o.store.Get(ticketID)
	if err != nil {
		return nil, err
	}
	if snap.Status == protocol.StatusCompleted {
		ev, err := o.append(ctx, eventlog.AppendParams{
			TicketID:      ticketID,
			Type:          protocol.EventTaskCompleted,
			ParentEventID: out.EventID,
		})
		if err != nil {
			return nil, err
		}
		if err := o.fold(ctx, ev); err != nil {
			return nil, err
		}
		_ = o.ws.Remove(snap.JobID)
	}
	return snap, nil
}

// Fail moves a ticket to FAILED between stages (operator cancellation).
// In-flight writes are already covered by rollback, so cancellation
// never leaves partial file state.
func (o *Orchestrator) Fail(ctx context.Context, ticketID, reason string) (*protocol.TaskSnapshot, error) {
	snap, err := o.store.Get(ticketID)
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		return nil, fmt.Errorf("ticket %s is already %s", ticketID, snap.Status)
	}

	ev, err := o.append(ctx, eventlog.AppendParams{
		TicketID:      ticketID,
		Type:          protocol.EventTaskFailed,
		ParentEventID: snap.LastEventID,
		Payload:       map[string]any{"reason": reason},
	})
	if err != nil {
		return nil, err
	}
	if err := o.fold(ctx, ev); err != nil {
		return nil, err
	}
	_, _ = o.reg.ReleaseTicketLocks(ctx, ticketID)
	o.adm.Release(ticketID)
	return o.store.Get(ticketID)
}

// settleFailure records an orchestrator-side stage failure (dispatch or
// commit error) as AGENT_FAILED and applies the retry ceiling. The
// returned error carries the original detail.
func (o *Orchestrator) settleFailure(ctx context.Context, ticketID, parentID, agent, detail string) error {
	ev, err := o.append(ctx, eventlog.AppendParams{
		TicketID:      ticketID,
		Type:          protocol.EventAgentFailed,
		Agent:         agent,
		ParentEventID: parentID,
		Payload:       map[string]any{"detail": detail},
	})
	if err != nil {
		return err
	}
	if err := o.fold(ctx, ev); err != nil {
		return err
	}
	if err := o.applyRetryCeiling(ctx, ticketID, detail); err != nil {
		return err
	}
	return fmt.Errorf("stage failed: %s", detail)
}

// afterFailure folds an agent-reported failure and applies the retry
// ceiling.
func (o *Orchestrator) afterFailure(ctx context.Context, ticketID string, out protocol.Outcome) error {
	if err := o.refresh(ctx, ticketID); err != nil {
		return err
	}
	if err := o.applyRetryCeiling(ctx, ticketID, out.Detail); err != nil {
		return err
	}
	return fmt.Errorf("stage failed: %s", out.Detail)
}

// applyRetryCeiling moves the ticket to FAILED once its retry count
// exceeds the ceiling.
func (o *Orchestrator) applyRetryCeiling(ctx context.Context, ticketID, detail string) error {
	snap, err := o.store.Get(ticketID)
	if err != nil {
		return err
	}
	if snap.RetryCount <= protocol.MaxRetries {
		return nil
	}
	ev, err := o.append(ctx, eventlog.AppendParams{
		TicketID:      ticketID,
		Type:          protocol.EventTaskFailed,
		ParentEventID: snap.LastEventID,
		Payload: map[string]any{
			"reason":      "retry ceiling exceeded",
			"retry_count": snap.RetryCount,
			"detail":      detail,
		},
	})
	if err != nil {
		return err
	}
	return o.fold(ctx, ev)
}

// refresh folds every logged event for a ticket into the snapshot
// store. The reducer ignores anything already reflected, so replaying
// the full ticket history is safe and keeps the projection exact even
// when events were appended by external agents.
func (o *Orchestrator) refresh(ctx context.Context, ticketID string) error {
	return o.log.Replay(ctx, eventlog.Filter{TicketID: ticketID}, func(ev protocol.Event) error {
		return o.fold(ctx, &ev)
	})
}

// fold applies one lifecycle event to the snapshot store and records it
// in the applied ledger so rebuilds skip work already reflected here.
func (o *Orchestrator) fold(ctx context.Context, ev *protocol.Event) error {
	switch ev.Type {
	case protocol.EventTaskCreated, protocol.EventAgentStarted, protocol.EventAgentCompleted,
		protocol.EventAgentFailed, protocol.EventTaskCompleted, protocol.EventTaskFailed:
	default:
		return nil
	}
	if err := o.store.ApplyEvent(ev); err != nil {
		return err
	}
	_, err := o.reg.MarkApplied(ctx, ev.EventID)
	return err
}

// creationInfo is the immutable request data captured at TASK_CREATED.
type creationInfo struct {
	request      string
	paths        []string
	verification []string
}

// creation reads the ticket's TASK_CREATED payload back from the log.
func (o *Orchestrator) creation(ctx context.Context, ticketID string) (*creationInfo, error) {
	var info *creationInfo
	err := o.log.Replay(ctx, eventlog.Filter{TicketID: ticketID}, func(ev protocol.Event) error {
		if ev.Type != protocol.EventTaskCreated {
			return nil
		}
		info = &creationInfo{
			request:      payloadString(ev.Payload, "request"),
			paths:        payloadStrings(ev.Payload, "paths"),
			verification: payloadStrings(ev.Payload, "verification"),
		}
		return eventlog.ErrStop
	})
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, &protocol.TicketNotFoundError{TicketID: ticketID}
	}
	return info, nil
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadStrings(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
