// Copyright 2025 James Ross
package obs

import (
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    JobsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_processed_total",
        Help: "Total number of jobs that cleared the processing stage",
    })
    JobsAnalyzed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_analyzed_total",
        Help: "Total number of jobs that passed through analysis",
    })
    JobsSaved = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_saved_total",
        Help: "Total number of jobs persisted as new records",
    })
    JobsDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_duplicates_total",
        Help: "Total number of jobs rejected as duplicates at storage",
    })
    JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_failed_total",
        Help: "Total number of jobs that failed in any stage",
    })
    JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_retried_total",
        Help: "Total number of job re-enqueues by the processing stage",
    })
    JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_dead_letter_total",
        Help: "Total number of jobs moved to the dead-letter list",
    })
    ErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "errors_total",
        Help: "Total number of unexpected stage errors",
    })
    StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Name:    "stage_duration_seconds",
        Help:    "Histogram of per-stage job handling durations",
        Buckets: prometheus.DefBuckets,
    }, []string{"stage"})
    QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "queue_length",
        Help: "Current length of backing queue lists",
    }, []string{"queue"})
    WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "worker_active",
        Help: "Number of active worker goroutines",
    })
    WorkerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "worker_restarts_total",
        Help: "Count of workers replaced after a panic",
    })
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "reaper_recovered_total",
        Help: "Total number of jobs recovered from orphaned processing lists",
    })
    PushSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "push_subscribers",
        Help: "Number of connected push-channel subscribers",
    })
)

func init() {
    prometheus.MustRegister(JobsProcessed, JobsAnalyzed, JobsSaved, JobsDuplicates,
        JobsFailed, JobsRetried, JobsDeadLetter, ErrorsTotal, StageDuration,
        QueueLength, WorkerActive, WorkerRestarts, CircuitBreakerState,
        CircuitBreakerTrips, ReaperRecovered, PushSubscribers)
}

// MetricSample is a point-in-time reading of the named counters.
type MetricSample struct {
    Timestamp time.Time        `json:"timestamp"`
    Counts    map[string]int64 `json:"counts"`
}

// Registry layers name-addressed counter reads and a bounded snapshot ring
// on top of the prometheus collectors, for trend calculation and the
// monitoring plane. Counter writes go through the prometheus collectors AND
// the registry so reads stay cheap.
type Registry struct {
    mu       sync.RWMutex
    counts   map[string]int64
    gauges   map[string]float64
    ring     []MetricSample
    ringSize int
}

func NewRegistry() *Registry {
    return &Registry{
        counts:   make(map[string]int64),
        gauges:   make(map[string]float64),
        ringSize: 100,
    }
}

var promCounters = map[string]prometheus.Counter{
    "jobs_processed":  JobsProcessed,
    "jobs_analyzed":   JobsAnalyzed,
    "jobs_saved":      JobsSaved,
    "jobs_duplicates": JobsDuplicates,
    "jobs_failed":     JobsFailed,
    "jobs_retried":    JobsRetried,
    "jobs_dead_letter": JobsDeadLetter,
    "errors":          ErrorsTotal,
}

// Inc increments the named counter by n (default callers pass 1).
func (r *Registry) Inc(name string, n int64) {
    if c, ok := promCounters[name]; ok {
        c.Add(float64(n))
    }
    r.mu.Lock()
    r.counts[name] += n
    r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, v float64) {
    r.mu.Lock()
    r.gauges[name] = v
    r.mu.Unlock()
}

func (r *Registry) Observe(stage string, d time.Duration) {
    StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// GetCount returns the current value of a named counter.
func (r *Registry) GetCount(name string) int64 {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return r.counts[name]
}

func (r *Registry) GetGauge(name string) float64 {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return r.gauges[name]
}

// Snapshot copies the current counter values.
func (r *Registry) Snapshot() MetricSample {
    r.mu.RLock()
    defer r.mu.RUnlock()
    counts := make(map[string]int64, len(r.counts))
    for k, v := range r.counts {
        counts[k] = v
    }
    return MetricSample{Timestamp: time.Now().UTC(), Counts: counts}
}

// Sample appends a snapshot to the bounded ring.
func (r *Registry) Sample() MetricSample {
    s := r.Snapshot()
    r.mu.Lock()
    r.ring = append(r.ring, s)
    if len(r.ring) > r.ringSize {
        r.ring = r.ring[len(r.ring)-r.ringSize:]
    }
    r.mu.Unlock()
    return s
}

// Recent returns up to n most recent samples, oldest first.
func (r *Registry) Recent(n int) []MetricSample {
    r.mu.RLock()
    defer r.mu.RUnlock()
    if n <= 0 || n > len(r.ring) {
        n = len(r.ring)
    }
    out := make([]MetricSample, n)
    copy(out, r.ring[len(r.ring)-n:])
    return out
}
