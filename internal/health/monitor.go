// Copyright 2025 James Ross
package health

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/jobrelay/jobrelay/internal/store"
	"go.uber.org/zap"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Component is one checked subsystem's result.
type Component struct {
	Status       Status         `json:"status"`
	ResponseTime float64        `json:"response_time_seconds"`
	Details      map[string]any `json:"details,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Alert fires while the overall status is degraded or critical, or while a
// component is critical, at most once per key per cooldown. It is not gated
// on a status change: a condition that persists re-alerts once per cooldown.
type Alert struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Snapshot is one full health check result.
type Snapshot struct {
	Timestamp     time.Time            `json:"timestamp"`
	OverallStatus Status               `json:"overall_status"`
	Components    map[string]Component `json:"components"`
	Alerts        []Alert              `json:"alerts"`
	Trend         string               `json:"trend"`
}

// Broadcaster is the push-plane dependency; satisfied by wshub.Hub.
type Broadcaster interface {
	Broadcast(message map[string]any)
	SubscriberCount() int
	MessagesSent() int64
}

// Workers reports live pipeline workers; satisfied by pipeline.Supervisor.
type Workers interface {
	ActiveWorkers() int
}

// Monitor periodically checks the queue, store, system resources, push
// channel and pipeline depths, classifies each, and keeps a bounded history
// with a trend label.
type Monitor struct {
	cfg     *config.Config
	q       *queue.Queue
	store   *store.Store
	hub     Broadcaster
	workers Workers
	log     *zap.Logger

	mu         sync.RWMutex
	history    []Snapshot
	lastAlerts map[string]time.Time
	running    bool
}

func NewMonitor(cfg *config.Config, q *queue.Queue, st *store.Store, hub Broadcaster, workers Workers, log *zap.Logger) *Monitor {
	return &Monitor{
		cfg:        cfg,
		q:          q,
		store:      st,
		hub:        hub,
		workers:    workers,
		log:        log,
		lastAlerts: make(map[string]time.Time),
	}
}

// Run loops until the context ends, checking every configured interval.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.Health.CheckInterval)
	defer ticker.Stop()

	for {
		snap := m.Check(ctx)
		m.record(snap)
		m.alert(snap)
		if m.hub != nil {
			m.hub.Broadcast(map[string]any{
				"type":   "health_status_update",
				"health": snap,
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check performs one full health check.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	snap := Snapshot{
		Timestamp:  time.Now().UTC(),
		Components: map[string]Component{},
	}

	snap.Components["queue"] = m.checkQueue(ctx)
	snap.Components["store"] = m.checkStore(ctx)
	snap.Components["system"] = m.checkSystem()
	snap.Components["push_channel"] = m.checkPushChannel()
	snap.Components["pipeline"] = m.checkPipeline(ctx)

	snap.OverallStatus = overallStatus(snap.Components)
	snap.Trend = m.trend(snap.OverallStatus)
	return snap
}

// overallStatus is the worst component; two degraded components escalate to
// critical.
func overallStatus(components map[string]Component) Status {
	critical, degraded := 0, 0
	for _, c := range components {
		switch c.Status {
		case StatusCritical:
			critical++
		case StatusDegraded:
			degraded++
		}
	}
	switch {
	case critical > 0 || degraded > 1:
		return StatusCritical
	case degraded > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (m *Monitor) checkQueue(ctx context.Context) Component {
	start := time.Now()
	th := m.cfg.Health.Thresholds

	if err := m.q.Ping(ctx); err != nil {
		return Component{Status: StatusCritical, Error: err.Error(),
			ResponseTime: time.Since(start).Seconds(),
			Details:      map[string]any{"connected": false}}
	}
	mainLen, err := m.q.Length(ctx, m.q.MainKey)
	if err != nil {
		return Component{Status: StatusCritical, Error: err.Error(),
			ResponseTime: time.Since(start).Seconds()}
	}
	dlLen, err := m.q.Length(ctx, m.q.DeadLetter)
	if err != nil {
		return Component{Status: StatusCritical, Error: err.Error(),
			ResponseTime: time.Since(start).Seconds()}
	}

	elapsed := time.Since(start)
	status := StatusHealthy
	if elapsed > th.QueueResponse || mainLen > th.QueueLength {
		status = StatusDegraded
	}
	if dlLen > th.DeadLetterLength {
		status = StatusCritical
	}
	return Component{
		Status:       status,
		ResponseTime: elapsed.Seconds(),
		Details: map[string]any{
			"connected":         true,
			"main_queue":        mainLen,
			"deadletter_queue":  dlLen,
		},
	}
}

func (m *Monitor) checkStore(ctx context.Context) Component {
	start := time.Now()
	th := m.cfg.Health.Thresholds

	if err := m.store.Ping(ctx); err != nil {
		return Component{Status: StatusCritical, Error: err.Error(),
			ResponseTime: time.Since(start).Seconds(),
			Details:      map[string]any{"connected": false}}
	}
	count, err := m.store.GetJobCount(ctx)
	if err != nil {
		return Component{Status: StatusCritical, Error: err.Error(),
			ResponseTime: time.Since(start).Seconds()}
	}
	stats, err := m.store.GetJobStats(ctx)
	if err != nil {
		return Component{Status: StatusCritical, Error: err.Error(),
			ResponseTime: time.Since(start).Seconds()}
	}

	elapsed := time.Since(start)
	status := StatusHealthy
	if elapsed > th.StoreResponse {
		status = StatusDegraded
	}
	return Component{
		Status:       status,
		ResponseTime: elapsed.Seconds(),
		Details: map[string]any{
			"connected": true,
			"job_count": count,
			"job_stats": stats,
		},
	}
}

func (m *Monitor) checkSystem() Component {
	th := m.cfg.Health.Thresholds

	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	memPct := 0.0
	var memAvail uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
		memAvail = vm.Available
	}
	diskPct := 0.0
	var diskFree uint64
	if du, err := disk.Usage("/"); err == nil {
		diskPct = du.UsedPercent
		diskFree = du.Free
	}

	status := StatusHealthy
	switch {
	case cpuPct > th.CPUPercent || memPct > th.MemoryPercent || diskPct > th.DiskPercent:
		status = StatusCritical
	case cpuPct > th.CPUPercent*0.8 || memPct > th.MemoryPercent*0.8 || diskPct > th.DiskPercent*0.8:
		status = StatusDegraded
	}

	return Component{
		Status: status,
		Details: map[string]any{
			"cpu_percent":       cpuPct,
			"memory_percent":    memPct,
			"memory_available":  memAvail,
			"disk_percent":      diskPct,
			"disk_free":         diskFree,
		},
	}
}

func (m *Monitor) checkPushChannel() Component {
	if m.hub == nil {
		return Component{Status: StatusDegraded,
			Details: map[string]any{"active_connections": 0}}
	}
	// The channel is healthy whenever the manager answers, regardless of how
	// many subscribers happen to be connected.
	return Component{
		Status: StatusHealthy,
		Details: map[string]any{
			"active_connections":  m.hub.SubscriberCount(),
			"total_messages_sent": m.hub.MessagesSent(),
		},
	}
}

func (m *Monitor) checkPipeline(ctx context.Context) Component {
	th := m.cfg.Health.Thresholds

	mainLen, err := m.q.Length(ctx, m.q.MainKey)
	if err != nil {
		return Component{Status: StatusCritical, Error: err.Error()}
	}
	dlLen, err := m.q.Length(ctx, m.q.DeadLetter)
	if err != nil {
		return Component{Status: StatusCritical, Error: err.Error()}
	}

	status := StatusHealthy
	if mainLen > th.QueueLength {
		status = StatusDegraded
	}
	if dlLen > th.DeadLetterLength {
		status = StatusCritical
	}
	active := 0
	if m.workers != nil {
		active = m.workers.ActiveWorkers()
	}
	return Component{
		Status: status,
		Details: map[string]any{
			"main_queue_length":       mainLen,
			"deadletter_queue_length": dlLen,
			"active_workers":          active,
		},
	}
}

func (m *Monitor) record(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, snap)
	if len(m.history) > 100 {
		m.history = m.history[len(m.history)-100:]
	}
}

// trend compares the latest overall status with the previous one.
func (m *Monitor) trend(current Status) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return "unknown"
	}
	prev := m.history[len(m.history)-1].OverallStatus
	cr, pr := rank(current), rank(prev)
	switch {
	case cr < pr:
		return "improving"
	case cr > pr:
		return "degrading"
	default:
		return "stable"
	}
}

func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusCritical:
		return 2
	default:
		return 3
	}
}

func (m *Monitor) alert(snap Snapshot) {
	now := time.Now()
	if snap.OverallStatus == StatusDegraded || snap.OverallStatus == StatusCritical {
		key := "overall_" + string(snap.OverallStatus)
		if m.shouldAlert(key, now) {
			m.sendAlert(Alert{
				Type:      "system_health",
				Severity:  string(snap.OverallStatus),
				Message:   "system health is " + string(snap.OverallStatus),
				Timestamp: now,
			})
		}
	}
	for name, comp := range snap.Components {
		if comp.Status != StatusCritical {
			continue
		}
		key := "component_" + name
		if m.shouldAlert(key, now) {
			m.sendAlert(Alert{
				Type:      "component_failure",
				Severity:  "critical",
				Component: name,
				Message:   "component " + name + " is in critical state",
				Timestamp: now,
				Details:   comp.Details,
			})
		}
	}
}

func (m *Monitor) shouldAlert(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastAlerts[key]; ok && now.Sub(last) < m.cfg.Health.AlertCooldown {
		return false
	}
	m.lastAlerts[key] = now
	return true
}

func (m *Monitor) sendAlert(a Alert) {
	m.log.Warn("health alert",
		obs.String("type", a.Type),
		obs.String("severity", a.Severity),
		obs.String("component", a.Component),
		obs.String("message", a.Message))
	if m.hub != nil {
		m.hub.Broadcast(map[string]any{
			"type":  "error_alert",
			"alert": a,
		})
	}
}

// Current returns the latest snapshot, or nil before the first check.
func (m *Monitor) Current() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return nil
	}
	s := m.history[len(m.history)-1]
	return &s
}

// History returns up to limit most recent snapshots, oldest first.
func (m *Monitor) History(limit int) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Snapshot, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// Running reports whether the check loop is active.
func (m *Monitor) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}
