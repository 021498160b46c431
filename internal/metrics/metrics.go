// Package metrics records distribution outcomes both as Prometheus series and
// as an in-memory snapshot for the admin API and CLI.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"queueline/internal/cache"
)

// Distribution outcomes.
const (
	OutcomeAssigned  = "assigned"
	OutcomeOverflow  = "overflow"
	OutcomeUnchanged = "unchanged"
	OutcomeNoAgent   = "no_agent"
	OutcomeError     = "error"
)

// Recorder owns its registry so several engines can live in one process.
type Recorder struct {
	reg *prometheus.Registry

	distributions   *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	reassignments   *prometheus.CounterVec
	logFailures     prometheus.Counter
	redistributions prometheus.Counter

	mu            sync.Mutex
	outcomes      map[string]uint64
	byStrategy    map[string]uint64
	reassignCount uint64
	logFailCount  uint64
	latencyTotal  time.Duration
	latencyCount  uint64
	caches        []func() cache.Stats
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		distributions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queueline_distributions_total",
				Help: "Distribution attempts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queueline_distribution_duration_seconds",
				Help:    "Time spent resolving and committing one distribution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		reassignments: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queueline_reassignments_total",
				Help: "Tickets moved to another agent",
			},
			[]string{"source"},
		),
		logFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "queueline_assignment_log_failures_total",
			Help: "Assignment log writes that failed after a committed assignment",
		}),
		redistributions: f.NewCounter(prometheus.CounterOpts{
			Name: "queueline_queue_redistributions_total",
			Help: "Bulk redistribution runs",
		}),
		outcomes:   map[string]uint64{},
		byStrategy: map[string]uint64{},
	}
}

// ObserveDistribution records one Distribute call. Strategy may be empty when
// resolution failed before a strategy was chosen.
func (r *Recorder) ObserveDistribution(strategy, outcome string, d time.Duration) {
	label := strategy
	if label == "" {
		label = "none"
	}
	r.distributions.WithLabelValues(label, outcome).Inc()
	r.duration.WithLabelValues(label).Observe(d.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
	if outcome == OutcomeAssigned || outcome == OutcomeOverflow {
		r.byStrategy[label]++
	}
	if outcome != OutcomeUnchanged {
		r.latencyTotal += d
		r.latencyCount++
	}
}

func (r *Recorder) ObserveReassignment(source string) {
	r.reassignments.WithLabelValues(source).Inc()
	r.mu.Lock()
	r.reassignCount++
	r.mu.Unlock()
}

func (r *Recorder) ObserveLogFailure() {
	r.logFailures.Inc()
	r.mu.Lock()
	r.logFailCount++
	r.mu.Unlock()
}

func (r *Recorder) ObserveRedistribution() {
	r.redistributions.Inc()
}

// TrackCache exposes a cache's counters as Prometheus series and in snapshots.
func (r *Recorder) TrackCache(name string, stats func() cache.Stats) {
	labels := prometheus.Labels{"cache": name}
	f := promauto.With(r.reg)
	f.NewCounterFunc(prometheus.CounterOpts{
		Name:        "queueline_cache_hits_total",
		Help:        "Cache lookups served from memory",
		ConstLabels: labels,
	}, func() float64 { return float64(stats().Hits) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name:        "queueline_cache_misses_total",
		Help:        "Cache lookups that went to the store",
		ConstLabels: labels,
	}, func() float64 { return float64(stats().Misses) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "queueline_cache_entries",
		Help:        "Live cache entries",
		ConstLabels: labels,
	}, func() float64 { return float64(stats().Size) })

	r.mu.Lock()
	r.caches = append(r.caches, stats)
	r.mu.Unlock()
}

// Handler serves the recorder's registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Registry is exposed for tests and for embedding into a wider registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

type Totals struct {
	Attempts      uint64 `json:"attempts"`
	Assigned      uint64 `json:"assigned"`
	Overflow      uint64 `json:"overflow"`
	Unchanged     uint64 `json:"unchanged"`
	NoAgent       uint64 `json:"no_agent"`
	Failed        uint64 `json:"failed"`
	Reassignments uint64 `json:"reassignments"`
	LogFailures   uint64 `json:"log_failures"`
}

type Snapshot struct {
	Totals       Totals            `json:"totals"`
	ByStrategy   map[string]uint64 `json:"by_strategy"`
	SuccessRate  float64           `json:"success_rate"`
	AvgLatencyMs float64           `json:"avg_latency_ms"`
	CacheHitRate float64           `json:"cache_hit_rate"`
	Caches       []cache.Stats     `json:"caches"`
}

// Snapshot copies current counters. Success rate excludes calls that were
// no-ops because the ticket was already assigned or distribution was off.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Totals: Totals{
			Assigned:      r.outcomes[OutcomeAssigned],
			Overflow:      r.outcomes[OutcomeOverflow],
			Unchanged:     r.outcomes[OutcomeUnchanged],
			NoAgent:       r.outcomes[OutcomeNoAgent],
			Failed:        r.outcomes[OutcomeError],
			Reassignments: r.reassignCount,
			LogFailures:   r.logFailCount,
		},
		ByStrategy: make(map[string]uint64, len(r.byStrategy)),
	}
	for k, v := range r.byStrategy {
		s.ByStrategy[k] = v
	}
	t := &s.Totals
	t.Attempts = t.Assigned + t.Overflow + t.Unchanged + t.NoAgent + t.Failed
	if tried := t.Attempts - t.Unchanged; tried > 0 {
		s.SuccessRate = float64(t.Assigned+t.Overflow) / float64(tried)
	}
	if r.latencyCount > 0 {
		s.AvgLatencyMs = float64(r.latencyTotal.Microseconds()) / 1000 / float64(r.latencyCount)
	}
	var hits, misses uint64
	for _, fn := range r.caches {
		st := fn()
		s.Caches = append(s.Caches, st)
		hits += st.Hits
		misses += st.Misses
	}
	if hits+misses > 0 {
		s.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	return s
}
