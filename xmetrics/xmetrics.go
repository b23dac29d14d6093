// Package xmetrics is a minimal named-registry of counters, gauges and
// meters, modeled on the teacher's own metrics package (the
// metrics.NewRegisteredCounter/Gauge/Meter calls seen throughout
// Ezkerrox-bsc, e.g. core/vote/vote_pool.go and
// triedb/pathdb/disklayer.go's dirtyNodeHitMeter-style variables).
//
// Unlike the teacher's process-wide metrics.DefaultRegistry, every
// *cbe.Library owns its own *Registry instance (design note: "Global
// state = the Library instance" — no process-wide statics).
package xmetrics

import "sync/atomic"

// Counter is a monotonically increasing count.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc(delta int64) { c.v.Add(delta) }
func (c *Counter) Count() int64    { return c.v.Load() }

// Gauge holds an instantaneous value.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Update(value int64) { g.v.Store(value) }
func (g *Gauge) Value() int64       { return g.v.Load() }

// Meter tracks the number of times an event occurred; unlike the
// teacher's EWMA-backed meter it only tracks a raw count, which is all
// the CBE engine's internal tests need.
type Meter struct{ v atomic.Int64 }

func (m *Meter) Mark(n int64) { m.v.Add(n) }
func (m *Meter) Count() int64 { return m.v.Load() }

// Registry is a named collection of the above, created per Library.
type Registry struct {
	counters map[string]*Counter
	gauges   map[string]*Gauge
	meters   map[string]*Meter
}

// NewRegistry constructs an empty registry; each counter, gauge or meter
// is created on its first lookup by name.
func NewRegistry() *Registry {
	r := &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		meters:   make(map[string]*Meter),
	}
	return r
}

func (r *Registry) Counter(name string) *Counter {
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{}
	r.counters[name] = c
	return c
}

func (r *Registry) Gauge(name string) *Gauge {
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	r.gauges[name] = g
	return g
}

func (r *Registry) Meter(name string) *Meter {
	if m, ok := r.meters[name]; ok {
		return m
	}
	m := &Meter{}
	r.meters[name] = m
	return m
}

// Snapshot returns a point-in-time copy suitable for diagnostics
// printing (the CLI's "show_progress" flag, SPEC_FULL.md §7).
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(r.counters)+len(r.gauges)+len(r.meters))
	for k, v := range r.counters {
		out["counter."+k] = v.Count()
	}
	for k, v := range r.gauges {
		out["gauge."+k] = v.Value()
	}
	for k, v := range r.meters {
		out["meter."+k] = v.Count()
	}
	return out
}
