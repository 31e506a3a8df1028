// Package stats exports the registry's process-wide counters as
// Prometheus instruments: how many Leaves exist, how large the
// directory has grown, and how often a deallocation was rejected. None
// of this is on the registry's hot path — Metrics is updated only from
// the directory's rare Leaf-insertion and growth paths, the one-time
// Sample at registration, and the allocator shim's reject-and-log path.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the registry's exported instruments.
type Metrics struct {
	LeavesTotal           prometheus.Gauge
	DirectoryCapacity     prometheus.Gauge
	DirectoryGrowthsTotal prometheus.Counter
	RejectedFreesTotal    prometheus.Counter
}

// New constructs a Metrics and registers its instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LeavesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "allocguard",
			Subsystem: "registry",
			Name:      "leaves_total",
			Help:      "Number of Leaf bitmaps currently installed in the directory.",
		}),
		DirectoryCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "allocguard",
			Subsystem: "registry",
			Name:      "directory_capacity",
			Help:      "Current capacity of the root directory's backing array.",
		}),
		DirectoryGrowthsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocguard",
			Subsystem: "registry",
			Name:      "directory_growths_total",
			Help:      "Number of times the root directory's backing array has doubled.",
		}),
		RejectedFreesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocguard",
			Subsystem: "registry",
			Name:      "rejected_frees_total",
			Help:      "Number of deallocate/reallocate/usable_size calls rejected because the pointer was not registered.",
		}),
	}
	reg.MustRegister(m.LeavesTotal, m.DirectoryCapacity, m.DirectoryGrowthsTotal, m.RejectedFreesTotal)
	return m
}

// Sample primes the gauges from a (capacity, numLeaves) snapshot, as
// returned by registry.Registry.Stats. Intended for the initial call
// right after registration; both gauges are kept live afterward by
// internal/directory as leaves are created and the directory grows.
func (m *Metrics) Sample(capacity, numLeaves int) {
	m.DirectoryCapacity.Set(float64(capacity))
	m.LeavesTotal.Set(float64(numLeaves))
}
