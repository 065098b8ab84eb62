// Package metrics exposes cache.LatchInfo as Prometheus counters and
// gauges behind a small, nil-safe Registry — so a build run that never
// wires a Registry still works, it just doesn't publish metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the metrics surface cache.LatchInfo is published through.
// A nil *Registry is valid and every method on it is a no-op, so
// callers that don't care about metrics can pass nil rather than a
// stub implementation.
type Registry struct {
	written prometheus.Counter
	read    prometheus.Counter
	alive   prometheus.Gauge
}

// New creates and registers the chunk-cache metrics against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests, multiple
// builds in one process) or prometheus.DefaultRegisterer for a normal
// process-wide /metrics endpoint.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ept",
			Subsystem: "cache",
			Name:      "chunks_written_total",
			Help:      "Chunks serialized and evicted from the chunk cache.",
		}),
		read: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ept",
			Subsystem: "cache",
			Name:      "chunks_reloaded_total",
			Help:      "Chunks reloaded from storage after a prior eviction.",
		}),
		alive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ept",
			Subsystem: "cache",
			Name:      "chunks_resident",
			Help:      "Chunks currently resident in the chunk cache.",
		}),
	}
	reg.MustRegister(r.written, r.read, r.alive)
	return r
}

// LatchInfo is the subset of cache.LatchInfo this package observes,
// declared locally rather than imported so metrics has no import-time
// dependency on cache (the dependency runs the other way: builder reads
// both and feeds one into the other).
type LatchInfo struct {
	Written uint64
	Read    uint64
	Alive   uint64
}

// Observe publishes a LatchInfo snapshot. Counters only move forward
// from their previous published value, matching Prometheus counter
// semantics even though cache.LatchInfo reports cumulative totals.
func (r *Registry) Observe(prev, cur LatchInfo) {
	if r == nil {
		return
	}
	if cur.Written > prev.Written {
		r.written.Add(float64(cur.Written - prev.Written))
	}
	if cur.Read > prev.Read {
		r.read.Add(float64(cur.Read - prev.Read))
	}
	r.alive.Set(float64(cur.Alive))
}
