package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the sandbox pool.
// All recording methods are safe on a nil receiver.
type Metrics struct {
	Available      prometheus.Gauge
	Leased         prometheus.Gauge
	Unavailable    prometheus.Gauge
	Acquisitions   prometheus.Counter
	Exhausted      prometheus.Counter
	Releases       *prometheus.CounterVec
	Repairs        *prometheus.CounterVec
	RepairDuration prometheus.Histogram
	RefreshLatency prometheus.Histogram
}

// NewMetrics creates and registers sandbox pool metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "available",
			Help:      "Sandboxes ready to be acquired.",
		}),
		Leased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "leased",
			Help:      "Sandboxes currently checked out.",
		}),
		Unavailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "unavailable",
			Help:      "Sandboxes neither available nor checked out (being reset or repaired).",
		}),
		Acquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "acquisitions_total",
			Help:      "Total successful sandbox acquisitions.",
		}),
		Exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Total acquisitions refused because no sandbox was available.",
		}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "releases_total",
			Help:      "Total sandbox releases by result.",
		}, []string{"result"}),
		Repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "repairs_total",
			Help:      "Total sandbox repairs by result.",
		}, []string{"result"}),
		RepairDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "repair_duration_seconds",
			Help:      "Duration of sandbox repairs, including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		RefreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of the health scan, with the pool lock held.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(
		m.Available,
		m.Leased,
		m.Unavailable,
		m.Acquisitions,
		m.Exhausted,
		m.Releases,
		m.Repairs,
		m.RepairDuration,
		m.RefreshLatency,
	)

	return m
}

func (m *Metrics) observeStats(s Stats) {
	if m == nil {
		return
	}
	m.Available.Set(float64(s.Available))
	m.Leased.Set(float64(s.Leased))
	m.Unavailable.Set(float64(s.Repairing))
}

func (m *Metrics) acquired() {
	if m == nil {
		return
	}
	m.Acquisitions.Inc()
}

func (m *Metrics) exhausted() {
	if m == nil {
		return
	}
	m.Exhausted.Inc()
}

func (m *Metrics) released(ok bool) {
	if m == nil {
		return
	}
	m.Releases.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) repaired(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.Repairs.WithLabelValues(result(ok)).Inc()
	m.RepairDuration.Observe(d.Seconds())
}

func (m *Metrics) refreshed(d time.Duration) {
	if m == nil {
		return
	}
	m.RefreshLatency.Observe(d.Seconds())
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
