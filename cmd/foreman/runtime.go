package main

import (
	"errors"
	"fmt"
	"time"

	"foreman/pkg/admission"
	"foreman/pkg/config"
	"foreman/pkg/eventlog"
	"foreman/pkg/orchestrator"
	"foreman/pkg/registry"
	"foreman/pkg/snapshot"
)

// runtime bundles the opened projections a command works against.
type runtime struct {
	paths Paths
	cfg   config.Config
	log   *eventlog.Log
	reg   *registry.Registry
	store *snapshot.Store
}

// openRuntime loads config and opens the event log, registry, and
// snapshot store. Callers must Close it.
func openRuntime(p Paths) (*runtime, error) {
	if err := p.RequireInit(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}

	log, err := eventlog.Open(p.StateDir, eventlog.Config{
		MaxBytes:  cfg.Log.MaxBytes,
		MaxAge:    time.Duration(cfg.Log.MaxAgeDays) * 24 * time.Hour,
		Retention: time.Duration(cfg.Log.RetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(p.RegistryPath, p.Root)
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	store, err := snapshot.Open(p.SnapshotsPath)
	if err != nil {
		_ = log.Close()
		_ = reg.Close()
		return nil, err
	}

	return &runtime{paths: p, cfg: cfg, log: log, reg: reg, store: store}, nil
}

// Close releases the runtime's open handles.
func (r *runtime) Close() error {
	return errors.Join(r.log.Close(), r.reg.Close())
}

// newController builds the admission controller with a live process
// usage sampler. It takes one sample synchronously so a short-lived
// CLI invocation has a reading.
func (r *runtime) newController() (*admission.Controller, *admission.Sampler, error) {
	usage, err := admission.ProcUsage()
	if err != nil {
		return nil, nil, fmt.Errorf("init usage sampler: %w", err)
	}
	sampler := admission.NewSampler(usage, config.Duration(r.cfg.Admission.SampleInterval))
	sampler.SampleOnce()

	adm := admission.NewController(admission.Config{
		MaxConcurrent: r.cfg.Admission.MaxConcurrent,
		MaxCPUPercent: r.cfg.Admission.MaxCPUPercent,
		MaxMemPercent: r.cfg.Admission.MaxMemPercent,
	}, sampler)
	return adm, sampler, nil
}

// newOrchestrator wires the full orchestrator stack on top of the
// runtime's projections.
func (r *runtime) newOrchestrator(adm *admission.Controller) (*orchestrator.Orchestrator, error) {
	pipes, err := orchestrator.LoadPipelines(r.paths.PipelinesPath)
	if err != nil {
		return nil, err
	}

	ws := orchestrator.NewWorkspaces(r.paths.Root)
	gw := orchestrator.NewFileGateway(r.log, ws, config.Duration(r.cfg.Pipeline.FallbackPoll))

	return orchestrator.New(orchestrator.Config{
		Pipeline:      r.cfg.Pipeline.Name,
		LockTTL:       config.Duration(r.cfg.Pipeline.LockTTL),
		PermitTimeout: config.Duration(r.cfg.Admission.PermitTimeout),
	}, r.log, r.store, r.reg, adm, gw, pipes, ws), nil
}

// newOrchestratorQuiet wires an orchestrator for one-shot commands,
// without a background sampler loop.
func (r *runtime) newOrchestratorQuiet() (*orchestrator.Orchestrator, error) {
	adm, _, err := r.newController()
	if err != nil {
		return nil, err
	}
	return r.newOrchestrator(adm)
}
