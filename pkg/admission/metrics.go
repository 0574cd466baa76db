package admission

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"foreman/pkg/protocol"
)

// metrics exports the admission snapshot as Prometheus gauges so
// supervisors and dashboards can poll resource state.
type metrics struct {
	registry *prometheus.Registry
	cpu      prometheus.Gauge
	mem      prometheus.Gauge
	active   prometheus.Gauge
	queued   prometheus.Gauge
	ceiling  prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()

	cpu := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "foreman", Subsystem: "admission",
		Name: "cpu_percent", Help: "Rolling-average CPU utilization.",
	})
	mem := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "foreman", Subsystem: "admission",
		Name: "memory_percent", Help: "Rolling-average memory utilization.",
	})
	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "foreman", Subsystem: "admission",
		Name: "active_tasks", Help: "Tasks currently holding a resource permit.",
	})
	queued := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "foreman", Subsystem: "admission",
		Name: "queued_tasks", Help: "Tasks parked in the admission queue.",
	})
	ceiling := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "foreman", Subsystem: "admission",
		Name: "concurrency_ceiling", Help: "Current concurrent-task ceiling.",
	})

	registry.MustRegister(cpu, mem, active, queued, ceiling)
	return &metrics{
		registry: registry,
		cpu:      cpu,
		mem:      mem,
		active:   active,
		queued:   queued,
		ceiling:  ceiling,
	}
}

func (m *metrics) observe(st protocol.ResourceStatus) {
	m.cpu.Set(st.CPUPercent)
	m.mem.Set(st.MemoryPercent)
	m.active.Set(float64(st.Active))
	m.queued.Set(float64(st.Queued))
	m.ceiling.Set(float64(st.MaxConcurrent))
}

// Handler returns an HTTP handler serving the admission gauges.
func (c *Controller) Handler() http.Handler {
	return promhttp.HandlerFor(c.metrics.registry, promhttp.HandlerOpts{})
}
