// Copyright 2025 James Ross
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/health"
	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/jobrelay/jobrelay/internal/store"
	"go.uber.org/zap"
)

// PipelineMetrics is one point-in-time sample of pipeline throughput state.
type PipelineMetrics struct {
	Timestamp          time.Time `json:"timestamp"`
	JobsInQueue        int64     `json:"jobs_in_queue"`
	JobsInDeadletter   int64     `json:"jobs_in_deadletter"`
	TotalJobsProcessed int64     `json:"total_jobs_processed"`
	JobsProcessedToday int64     `json:"jobs_processed_today"`
	SuccessRate        float64   `json:"success_rate"`
	AvgProcessingTime  float64   `json:"avg_processing_time"`
	ActiveWorkers      int       `json:"active_workers"`
	SystemHealth       string    `json:"system_health"`
}

// SystemStatus is one point-in-time sample of host and connection state.
type SystemStatus struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryPercent   float64   `json:"memory_percent"`
	DiskPercent     float64   `json:"disk_percent"`
	QueueConnected  bool      `json:"queue_connected"`
	StoreConnected  bool      `json:"store_connected"`
	PushConnections int       `json:"push_connections"`
	OverallStatus   string    `json:"overall_status"`
}

// Trends is the computed direction labels for recent samples.
type Trends struct {
	QueueLengthTrend string  `json:"queue_length_trend,omitempty"`
	SuccessRateTrend string  `json:"success_rate_trend,omitempty"`
	CPUTrend         string  `json:"cpu_trend,omitempty"`
	MemoryTrend      string  `json:"memory_trend,omitempty"`
	Trend            string  `json:"trend,omitempty"`
	TimeSpanMinutes  float64 `json:"time_span_minutes,omitempty"`
}

// RealTime samples the metrics registry, queue depths and store counters on
// a fixed cadence, keeps bounded history rings, and broadcasts snapshots on
// the push channel.
type RealTime struct {
	cfg     *config.Config
	q       *queue.Queue
	store   *store.Store
	reg     *obs.Registry
	hub     health.Broadcaster
	workers health.Workers
	hm      *health.Monitor
	log     *zap.Logger

	mu             sync.RWMutex
	running        bool
	cancel         context.CancelFunc
	metricsHistory []PipelineMetrics
	statusHistory  []SystemStatus
	todayBase      int64
	cron           *cron.Cron
}

func NewRealTime(cfg *config.Config, q *queue.Queue, st *store.Store, reg *obs.Registry, hub health.Broadcaster, workers health.Workers, hm *health.Monitor, log *zap.Logger) *RealTime {
	return &RealTime{
		cfg:     cfg,
		q:       q,
		store:   st,
		reg:     reg,
		hub:     hub,
		workers: workers,
		hm:      hm,
		log:     log,
	}
}

// Start launches the sampling loops. Idempotent: starting a running monitor
// is a no-op and returns false.
func (rt *RealTime) Start(parent context.Context) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.running {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	rt.cancel = cancel
	rt.running = true

	// The daily counter baseline rolls over at midnight.
	rt.cron = cron.New()
	_, _ = rt.cron.AddFunc("@midnight", func() {
		rt.mu.Lock()
		rt.todayBase = rt.reg.GetCount("jobs_processed")
		rt.mu.Unlock()
	})
	rt.cron.Start()

	go rt.metricsLoop(ctx)
	go rt.statusLoop(ctx)
	rt.log.Info("real-time monitoring started",
		obs.String("interval", rt.cfg.Monitor.BroadcastInterval.String()))
	return true
}

// Stop halts the sampling loops. Safe to call when not running.
func (rt *RealTime) Stop() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.running {
		return false
	}
	rt.cancel()
	if rt.cron != nil {
		rt.cron.Stop()
	}
	rt.running = false
	rt.log.Info("real-time monitoring stopped")
	return true
}

func (rt *RealTime) Running() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.running
}

func (rt *RealTime) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.Monitor.BroadcastInterval)
	defer ticker.Stop()
	for {
		m := rt.collectPipelineMetrics(ctx)
		rt.mu.Lock()
		rt.metricsHistory = append(rt.metricsHistory, m)
		if len(rt.metricsHistory) > 100 {
			rt.metricsHistory = rt.metricsHistory[len(rt.metricsHistory)-100:]
		}
		rt.mu.Unlock()
		rt.reg.Sample()

		if rt.hub != nil {
			rt.hub.Broadcast(map[string]any{
				"type":    "pipeline_metrics_update",
				"metrics": m,
				"trends":  rt.MetricsTrends(),
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (rt *RealTime) statusLoop(ctx context.Context) {
	// Status samples run at half the metrics cadence.
	ticker := time.NewTicker(rt.cfg.Monitor.BroadcastInterval * 2)
	defer ticker.Stop()
	for {
		s := rt.collectSystemStatus(ctx)
		rt.mu.Lock()
		rt.statusHistory = append(rt.statusHistory, s)
		if len(rt.statusHistory) > 100 {
			rt.statusHistory = rt.statusHistory[len(rt.statusHistory)-100:]
		}
		rt.mu.Unlock()

		if rt.hub != nil {
			rt.hub.Broadcast(map[string]any{
				"type":   "system_status_update",
				"status": s,
				"trends": rt.StatusTrends(),
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (rt *RealTime) collectPipelineMetrics(ctx context.Context) PipelineMetrics {
	m := PipelineMetrics{Timestamp: time.Now().UTC(), SystemHealth: string(health.StatusUnknown)}

	if n, err := rt.q.Length(ctx, rt.q.MainKey); err == nil {
		m.JobsInQueue = n
	}
	if n, err := rt.q.Length(ctx, rt.q.DeadLetter); err == nil {
		m.JobsInDeadletter = n
	}

	processed := rt.reg.GetCount("jobs_processed")
	saved := rt.reg.GetCount("jobs_saved")
	dups := rt.reg.GetCount("jobs_duplicates")
	m.TotalJobsProcessed = processed

	rt.mu.RLock()
	m.JobsProcessedToday = processed - rt.todayBase
	rt.mu.RUnlock()

	if processed > 0 {
		m.SuccessRate = float64(saved+dups) / float64(processed) * 100
	}
	m.AvgProcessingTime = rt.reg.GetGauge("avg_processing_time")
	if rt.workers != nil {
		m.ActiveWorkers = rt.workers.ActiveWorkers()
	}
	if rt.hm != nil {
		if snap := rt.hm.Current(); snap != nil {
			m.SystemHealth = string(snap.OverallStatus)
		}
	}
	return m
}

func (rt *RealTime) collectSystemStatus(ctx context.Context) SystemStatus {
	s := SystemStatus{Timestamp: time.Now().UTC()}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		s.DiskPercent = du.UsedPercent
	}

	s.QueueConnected = rt.q.Ping(ctx) == nil
	s.StoreConnected = rt.store.Connected(ctx)
	if rt.hub != nil {
		s.PushConnections = rt.hub.SubscriberCount()
	}

	switch {
	case !s.QueueConnected || !s.StoreConnected:
		s.OverallStatus = string(health.StatusCritical)
	case s.CPUPercent > 90 || s.MemoryPercent > 90:
		s.OverallStatus = string(health.StatusDegraded)
	default:
		s.OverallStatus = string(health.StatusHealthy)
	}
	return s
}

// CalcTrend labels the direction of a series by comparing the averages of
// its first and second halves; a move of at least 10% counts.
func CalcTrend(values []float64) string {
	if len(values) < 2 {
		return "stable"
	}
	mid := len(values) / 2
	firstHalf := avg(values[:mid])
	secondHalf := avg(values[mid:])
	if firstHalf == 0 {
		if secondHalf == 0 {
			return "stable"
		}
		return "increasing"
	}
	diff := (secondHalf - firstHalf) / firstHalf * 100
	switch {
	case diff >= 10:
		return "increasing"
	case diff <= -10:
		return "decreasing"
	default:
		return "stable"
	}
}

func avg(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// MetricsTrends derives direction labels from the last five metric samples.
func (rt *RealTime) MetricsTrends() Trends {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if len(rt.metricsHistory) < 2 {
		return Trends{Trend: "insufficient_data"}
	}
	recent := rt.metricsHistory
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	queueLens := make([]float64, len(recent))
	successRates := make([]float64, len(recent))
	for i, m := range recent {
		queueLens[i] = float64(m.JobsInQueue)
		successRates[i] = m.SuccessRate
	}
	return Trends{
		QueueLengthTrend: CalcTrend(queueLens),
		SuccessRateTrend: CalcTrend(successRates),
		TimeSpanMinutes:  float64(len(recent)) * rt.cfg.Monitor.BroadcastInterval.Minutes(),
	}
}

// StatusTrends derives direction labels from the last five status samples.
func (rt *RealTime) StatusTrends() Trends {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if len(rt.statusHistory) < 2 {
		return Trends{Trend: "insufficient_data"}
	}
	recent := rt.statusHistory
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	cpus := make([]float64, len(recent))
	mems := make([]float64, len(recent))
	for i, s := range recent {
		cpus[i] = s.CPUPercent
		mems[i] = s.MemoryPercent
	}
	return Trends{
		CPUTrend:        CalcTrend(cpus),
		MemoryTrend:     CalcTrend(mems),
		TimeSpanMinutes: float64(len(recent)) * (rt.cfg.Monitor.BroadcastInterval * 2).Minutes(),
	}
}

// CurrentMetrics returns the most recent pipeline sample, or nil.
func (rt *RealTime) CurrentMetrics() *PipelineMetrics {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if len(rt.metricsHistory) == 0 {
		return nil
	}
	m := rt.metricsHistory[len(rt.metricsHistory)-1]
	return &m
}

// CurrentStatus returns the most recent system sample, or nil.
func (rt *RealTime) CurrentStatus() *SystemStatus {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if len(rt.statusHistory) == 0 {
		return nil
	}
	s := rt.statusHistory[len(rt.statusHistory)-1]
	return &s
}

// MetricsHistory returns up to limit samples, oldest first.
func (rt *RealTime) MetricsHistory(limit int) []PipelineMetrics {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if limit <= 0 || limit > len(rt.metricsHistory) {
		limit = len(rt.metricsHistory)
	}
	out := make([]PipelineMetrics, limit)
	copy(out, rt.metricsHistory[len(rt.metricsHistory)-limit:])
	return out
}

// StatusHistory returns up to limit samples, oldest first.
func (rt *RealTime) StatusHistory(limit int) []SystemStatus {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if limit <= 0 || limit > len(rt.statusHistory) {
		limit = len(rt.statusHistory)
	}
	out := make([]SystemStatus, limit)
	copy(out, rt.statusHistory[len(rt.statusHistory)-limit:])
	return out
}
