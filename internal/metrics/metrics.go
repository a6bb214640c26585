// Package metrics gives every other component a small, label-aware counter
// and histogram surface backed by prometheus/client_golang (component P).
// The metrics themselves are out of this spec's scope; only the interface
// other components depend on is built out here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counter increments a labeled counter.
type Counter interface {
	Inc(labels ...string)
	Add(v float64, labels ...string)
}

// Histogram observes a labeled value, e.g. a latency or a byte count.
type Histogram interface {
	Observe(v float64, labels ...string)
}

// Registry builds and owns every counter/histogram the node exposes,
// registered against a single prometheus.Registerer so one HTTP handler
// (internal/node) can serve them all.
type Registry struct {
	reg prometheus.Registerer
}

// New wraps reg (typically prometheus.NewRegistry()) for metric creation.
func New(reg prometheus.Registerer) *Registry {
	return &Registry{reg: reg}
}

// NewCounter registers and returns a counter vector named name, labeled by
// labelNames, under the given help text.
func (r *Registry) NewCounter(name, help string, labelNames ...string) Counter {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.reg.MustRegister(vec)
	return counterVec{vec}
}

// NewHistogram registers and returns a histogram vector named name, labeled
// by labelNames, using prometheus's default bucket ladder.
func (r *Registry) NewHistogram(name, help string, labelNames ...string) Histogram {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: prometheus.DefBuckets}, labelNames)
	r.reg.MustRegister(vec)
	return histogramVec{vec}
}

type counterVec struct{ vec *prometheus.CounterVec }

func (c counterVec) Inc(labels ...string)          { c.vec.WithLabelValues(labels...).Inc() }
func (c counterVec) Add(v float64, labels ...string) { c.vec.WithLabelValues(labels...).Add(v) }

type histogramVec struct{ vec *prometheus.HistogramVec }

func (h histogramVec) Observe(v float64, labels ...string) { h.vec.WithLabelValues(labels...).Observe(v) }
