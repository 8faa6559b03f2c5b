// Package metrics exposes Prometheus counters and gauges for the FTL
// core: allocator throughput, collection activity, hint consumption, and
// read hit/miss rates.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric the FTL core emits. Each FTL instance has
// its own Registry, so counts are per instance; metric names derive only
// from the namespace passed to New, so two Registries built with the same
// namespace cannot both be registered with one Registerer. Callers that
// want process-wide metrics can register Registry.Collectors() with
// prometheus.DefaultRegisterer.
type Registry struct {
	PagesAllocated   prometheus.Counter
	PagesInvalidated prometheus.Counter
	OutOfSpace       prometheus.Counter

	GCCycles       prometheus.Counter
	GCVictims      prometheus.Counter
	GCPagesMoved   prometheus.Counter
	GCErrors       prometheus.Counter
	FreeBlocks     *prometheus.GaugeVec
	InvalidPages   *prometheus.GaugeVec

	HintMatches prometheus.Counter
	HintDropped prometheus.Counter

	ReadHits   prometheus.Counter
	ReadMisses prometheus.Counter
}

// New builds a Registry whose metric names embed namespace. Registries
// built with distinct namespaces can be registered side by side; ftl.New
// always passes "core".
func New(namespace string) *Registry {
	f := promauto{namespace: namespace}
	return &Registry{
		PagesAllocated:   f.counter("pages_allocated_total", "physical pages handed out by the allocator"),
		PagesInvalidated: f.counter("pages_invalidated_total", "pages marked invalid by update_map"),
		OutOfSpace:       f.counter("out_of_space_total", "writes that returned Busy due to allocator exhaustion"),

		GCCycles:     f.counter("gc_cycles_total", "garbage collector sweeps started"),
		GCVictims:    f.counter("gc_victims_total", "blocks chosen as GC victims"),
		GCPagesMoved: f.counter("gc_pages_moved_total", "valid pages migrated by the GC"),
		GCErrors:     f.counter("gc_errors_total", "GC read/write/erase failures"),
		FreeBlocks:   f.gaugeVec("pool_free_blocks", "free blocks per pool", "pool"),
		InvalidPages: f.gaugeVec("pool_invalid_pages", "invalid pages per pool", "pool"),

		HintMatches: f.counter("hint_matches_total", "hints consumed by find_hint"),
		HintDropped: f.counter("hint_dropped_total", "hints dropped as malformed or unsupported"),

		ReadHits:   f.counter("read_hits_total", "reads served from a mapped physical page"),
		ReadMisses: f.counter("read_misses_total", "reads served by the zero-fill convention"),
	}
}

// Collectors returns every metric so callers can register them with a
// prometheus.Registerer of their choosing.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.PagesAllocated, r.PagesInvalidated, r.OutOfSpace,
		r.GCCycles, r.GCVictims, r.GCPagesMoved, r.GCErrors,
		r.FreeBlocks, r.InvalidPages,
		r.HintMatches, r.HintDropped,
		r.ReadHits, r.ReadMisses,
	}
}

type promauto struct{ namespace string }

func (p promauto) counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ftl",
		Subsystem: p.namespace,
		Name:      name,
		Help:      help,
	})
}

func (p promauto) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ftl",
		Subsystem: p.namespace,
		Name:      name,
		Help:      help,
	}, labels)
}
