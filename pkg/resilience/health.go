package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"foreman/pkg/protocol"
)

// Probe evaluates one component and returns its level with an optional
// human-readable detail string.
type Probe func(ctx context.Context) (protocol.HealthLevel, string)

// HealthChecker aggregates per-component probes into a system health
// report. Reports are debounced: a report younger than the interval is
// served from cache rather than re-running every probe.
type HealthChecker struct {
	interval time.Duration

	mu     sync.Mutex
	probes map[string]Probe
	cached *protocol.HealthReport

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewHealthChecker creates a checker with the given debounce interval
// (default 10s).
func NewHealthChecker(interval time.Duration) *HealthChecker {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		interval: interval,
		probes:   make(map[string]Probe),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (h *HealthChecker) SetNowFunc(fn func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nowFunc = fn
}

// RegisterProbe adds or replaces the probe for a named component.
func (h *HealthChecker) RegisterProbe(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

// Report runs every probe (or serves the debounced cache) and returns
// the aggregate. Overall is the worst component level.
func (h *HealthChecker) Report(ctx context.Context) protocol.HealthReport {
	h.mu.Lock()
	now := h.nowFunc()
	if h.cached != nil && now.Sub(h.cached.Generated) < h.interval {
		cached := *h.cached
		h.mu.Unlock()
		return cached
	}
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	probes := make([]Probe, len(names))
	for i, name := range names {
		probes[i] = h.probes[name]
	}
	h.mu.Unlock()

	report := protocol.HealthReport{Overall: protocol.Healthy, Generated: now}
	for i, name := range names {
		level, detail := probes[i](ctx)
		report.Components = append(report.Components, protocol.ComponentHealth{
			Name:    name,
			Level:   level,
			Detail:  detail,
			Checked: now,
		})
		if worse(level, report.Overall) {
			report.Overall = level
		}
	}

	h.mu.Lock()
	h.cached = &report
	h.mu.Unlock()
	return report
}

// worse reports whether a outranks b in severity.
func worse(a, b protocol.HealthLevel) bool {
	return rank(a) > rank(b)
}

func rank(l protocol.HealthLevel) int {
	switch l {
	case protocol.Degraded:
		return 1
	case protocol.Critical:
		return 2
	default:
		return 0
	}
}
