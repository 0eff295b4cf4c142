// Copyright 2025 James Ross
package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/jobrelay/jobrelay/internal/store"
)

func TestCalcTrend(t *testing.T) {
	cases := []struct {
		name   string
		values []float64
		want   string
	}{
		{"empty", nil, "stable"},
		{"single", []float64{5}, "stable"},
		{"flat", []float64{10, 10, 10, 10}, "stable"},
		{"rising", []float64{10, 10, 20, 20}, "increasing"},
		{"falling", []float64{20, 20, 10, 10}, "decreasing"},
		{"small move", []float64{100, 100, 105, 105}, "stable"},
		{"from zero", []float64{0, 0, 5, 5}, "increasing"},
		{"all zero", []float64{0, 0, 0, 0}, "stable"},
	}
	for _, c := range cases {
		if got := CalcTrend(c.values); got != c.want {
			t.Errorf("%s: CalcTrend(%v) = %q, want %q", c.name, c.values, got, c.want)
		}
	}
}

func setupRealTime(t *testing.T) (*RealTime, *queue.Queue, *obs.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Monitor.BroadcastInterval = 20 * time.Millisecond

	q := queue.New(rdb, "jobs:test")
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := obs.NewRegistry()
	rt := NewRealTime(cfg, q, st, reg, nil, nil, nil, zap.NewNop())
	return rt, q, reg
}

func TestTrendsWithFewSamples(t *testing.T) {
	rt, _, _ := setupRealTime(t)
	if got := rt.MetricsTrends().Trend; got != "insufficient_data" {
		t.Fatalf("trend with no samples = %q, want insufficient_data", got)
	}
	if got := rt.StatusTrends().Trend; got != "insufficient_data" {
		t.Fatalf("status trend with no samples = %q, want insufficient_data", got)
	}
}

func TestCollectPipelineMetrics(t *testing.T) {
	rt, q, reg := setupRealTime(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, queue.NewJob("T", "C", "u")); err != nil {
		t.Fatal(err)
	}
	reg.Inc("jobs_processed", 10)
	reg.Inc("jobs_saved", 7)
	reg.Inc("jobs_duplicates", 2)

	m := rt.collectPipelineMetrics(ctx)
	if m.JobsInQueue != 1 {
		t.Fatalf("jobs_in_queue = %d, want 1", m.JobsInQueue)
	}
	if m.TotalJobsProcessed != 10 {
		t.Fatalf("total processed = %d, want 10", m.TotalJobsProcessed)
	}
	if m.SuccessRate != 90 {
		t.Fatalf("success rate = %v, want 90", m.SuccessRate)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	rt, _, _ := setupRealTime(t)
	ctx := context.Background()

	if !rt.Start(ctx) {
		t.Fatal("first start should succeed")
	}
	if rt.Start(ctx) {
		t.Fatal("second start should be a no-op")
	}
	if !rt.Running() {
		t.Fatal("expected running")
	}

	// Let at least one sample land.
	deadline := time.After(2 * time.Second)
	for rt.CurrentMetrics() == nil {
		select {
		case <-deadline:
			t.Fatal("no metrics sample collected")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !rt.Stop() {
		t.Fatal("stop should succeed")
	}
	if rt.Stop() {
		t.Fatal("second stop should be a no-op")
	}
}

func TestHistoriesBounded(t *testing.T) {
	rt, _, _ := setupRealTime(t)
	for i := 0; i < 150; i++ {
		rt.mu.Lock()
		rt.metricsHistory = append(rt.metricsHistory, PipelineMetrics{Timestamp: time.Now()})
		if len(rt.metricsHistory) > 100 {
			rt.metricsHistory = rt.metricsHistory[len(rt.metricsHistory)-100:]
		}
		rt.mu.Unlock()
	}
	if got := len(rt.MetricsHistory(0)); got != 100 {
		t.Fatalf("metrics history = %d, want 100", got)
	}
	if got := len(rt.MetricsHistory(5)); got != 5 {
		t.Fatalf("limited metrics history = %d, want 5", got)
	}
}
