package admission

import (
	"context"
	"sync"
	"time"

	"foreman/pkg/protocol"
)

// Config holds admission controller ceilings.
type Config struct {
	MaxConcurrent int     // concurrency ceiling (default 4)
	MaxCPUPercent float64 // rolling-average CPU ceiling (default 85)
	MaxMemPercent float64 // rolling-average memory ceiling (default 85)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConcurrent == 0 {
		out.MaxConcurrent = 4
	}
	if out.MaxCPUPercent == 0 {
		out.MaxCPUPercent = 85
	}
	if out.MaxMemPercent == 0 {
		out.MaxMemPercent = 85
	}
	return out
}

// waiter is one queued admission request.
type waiter struct {
	ticketID string
	admit    chan struct{}
}

// Controller grants resource permits. Admission is denied when the
// active count is at the ceiling or either rolling resource average
// exceeds its ceiling; denied requests with a timeout park in a FIFO
// queue and are promoted as permits free up.
type Controller struct {
	sampler *Sampler

	mu      sync.Mutex
	cfg     Config
	ceiling int // current concurrency ceiling; EmergencyThrottle lowers it
	active  map[string]struct{}
	queue   []*waiter

	metrics *metrics
}

// NewController creates a controller over an externally-run sampler.
func NewController(cfg Config, sampler *Sampler) *Controller {
	resolved := cfg.withDefaults()
	return &Controller{
		sampler: sampler,
		cfg:     resolved,
		ceiling: resolved.MaxConcurrent,
		active:  make(map[string]struct{}),
		metrics: newMetrics(),
	}
}

// Acquire requests a permit for ticketID. With a zero timeout the
// decision is immediate; otherwise the request queues FIFO and waits up
// to timeout (bounded — never indefinitely) for promotion. A second
// acquire for a ticket that already holds a permit succeeds.
func (c *Controller) Acquire(ctx context.Context, ticketID string, timeout time.Duration) bool {
	c.mu.Lock()
	if _, holds := c.active[ticketID]; holds {
		c.mu.Unlock()
		return true
	}
	if c.admissibleLocked() {
		c.active[ticketID] = struct{}{}
		c.publishLocked()
		c.mu.Unlock()
		return true
	}
	if timeout <= 0 {
		c.mu.Unlock()
		return false
	}

	w := &waiter{ticketID: ticketID, admit: make(chan struct{})}
	c.queue = append(c.queue, w)
	c.publishLocked()
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.admit:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timed out or cancelled: remove from queue. A concurrent promotion
	// may have already admitted us; honor it.
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.queue {
		if q == w {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.publishLocked()
			return false
		}
	}
	_, holds := c.active[ticketID]
	return holds
}

// Release returns ticketID's permit and promotes queued requests FIFO
// up to the newly available capacity.
func (c *Controller) Release(ticketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, ticketID)
	c.promoteLocked()
	c.publishLocked()
}

// ProcessQueued promotes as many queued tickets as capacity allows and
// returns their IDs in promotion order. Normally promotion happens on
// Release; this entry point lets the daemon promote after resource
// pressure subsides.
func (c *Controller) ProcessQueued() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	promoted := c.promoteLocked()
	c.publishLocked()
	return promoted
}

// promoteLocked admits queued waiters in FIFO order while capacity and
// resource headroom remain. Caller must hold c.mu.
func (c *Controller) promoteLocked() []string {
	var promoted []string
	for len(c.queue) > 0 && c.admissibleLocked() {
		w := c.queue[0]
		c.queue = c.queue[1:]
		c.active[w.ticketID] = struct{}{}
		close(w.admit)
		promoted = append(promoted, w.ticketID)
	}
	return promoted
}

// admissibleLocked checks the three admission gates. Caller must hold c.mu.
func (c *Controller) admissibleLocked() bool {
	if len(c.active) >= c.ceiling {
		return false
	}
	cpu, mem := c.sampler.Averages()
	return cpu <= c.cfg.MaxCPUPercent && mem <= c.cfg.MaxMemPercent
}

// EmergencyThrottle halves the concurrency ceiling (never below 1).
// Called when sustained resource pressure is detected; RestoreCeiling
// undoes it once pressure subsides.
func (c *Controller) EmergencyThrottle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ceiling /= 2
	if c.ceiling < 1 {
		c.ceiling = 1
	}
	c.publishLocked()
	return c.ceiling
}

// RestoreCeiling resets the ceiling to the configured maximum.
func (c *Controller) RestoreCeiling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ceiling = c.cfg.MaxConcurrent
	c.publishLocked()
}

// Status returns the queryable admission snapshot.
func (c *Controller) Status() protocol.ResourceStatus {
	cpu, mem := c.sampler.Averages()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := protocol.ResourceStatus{
		CPUPercent:     cpu,
		MemoryPercent:  mem,
		Active:         len(c.active),
		Queued:         len(c.queue),
		MaxConcurrent:  c.ceiling,
		LimitsExceeded: cpu > c.cfg.MaxCPUPercent || mem > c.cfg.MaxMemPercent || len(c.active) >= c.ceiling,
	}
	c.metrics.observe(st)
	return st
}

// publishLocked refreshes the exported gauges. Caller must hold c.mu.
func (c *Controller) publishLocked() {
	cpu, mem := c.sampler.Averages()
	c.metrics.observe(protocol.ResourceStatus{
		CPUPercent:    cpu,
		MemoryPercent: mem,
		Active:        len(c.active),
		Queued:        len(c.queue),
		MaxConcurrent: c.ceiling,
	})
}
