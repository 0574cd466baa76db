// Package admission implements resource-aware admission control:
// a background sampler keeps a short rolling window of CPU and memory
// utilization, and the controller grants or queues task permits against
// a concurrency ceiling and the sampled resource ceilings.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// UsageFunc returns instantaneous CPU and memory utilization in
// percent. Production uses the procfs reader; tests inject values.
type UsageFunc func() (cpuPct, memPct float64, err error)

// windowSize is the rolling sample window length.
const windowSize = 10

// Sampler maintains the rolling utilization window.
type Sampler struct {
	usage    UsageFunc
	interval time.Duration

	mu      sync.Mutex
	cpu     []float64
	mem     []float64
}

// NewSampler creates a sampler polling usage every interval
// (default 2s).
func NewSampler(usage UsageFunc, interval time.Duration) *Sampler {
	if interval == 0 {
		interval = 2 * time.Second
	}
	return &Sampler{usage: usage, interval: interval}
}

// Run samples until ctx is cancelled. Sampling errors are skipped: a
// missed reading must never stall admission.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SampleOnce()
		}
	}
}

// SampleOnce takes a single reading into the window.
func (s *Sampler) SampleOnce() {
	cpu, mem, err := s.usage()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpu = push(s.cpu, cpu)
	s.mem = push(s.mem, mem)
}

func push(w []float64, v float64) []float64 {
	w = append(w, v)
	if len(w) > windowSize {
		w = w[len(w)-windowSize:]
	}
	return w
}

// Averages returns the rolling means. Empty windows read as zero so a
// cold start never blocks admission.
func (s *Sampler) Averages() (cpuPct, memPct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mean(s.cpu), mean(s.mem)
}

func mean(w []float64) float64 {
	if len(w) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w))
}

// ProcUsage returns a UsageFunc backed by /proc. CPU utilization is
// derived from the delta between consecutive /proc/stat readings, so
// the first call reports zero CPU.
func ProcUsage() (UsageFunc, error) {
	fs, err := procfs.NewFS("/proc")
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	var mu sync.Mutex
	var prevBusy, prevTotal float64

	return func() (float64, float64, error) {
		stat, err := fs.Stat()
		if err != nil {
			return 0, 0, fmt.Errorf("read /proc/stat: %w", err)
		}
		c := stat.CPUTotal
		idle := c.Idle + c.Iowait
		busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
		total := idle + busy

		mu.Lock()
		dBusy, dTotal := busy-prevBusy, total-prevTotal
		first := prevTotal == 0
		prevBusy, prevTotal = busy, total
		mu.Unlock()

		var cpuPct float64
		if !first && dTotal > 0 {
			cpuPct = 100 * dBusy / dTotal
		}

		mem, err := fs.Meminfo()
		if err != nil {
			return 0, 0, fmt.Errorf("read /proc/meminfo: %w", err)
		}
		var memPct float64
		if mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
			used := *mem.MemTotal - *mem.MemAvailable
			memPct = 100 * float64(used) / float64(*mem.MemTotal)
		}
		return cpuPct, memPct, nil
	}, nil
}
