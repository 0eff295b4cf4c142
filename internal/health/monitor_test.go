// Copyright 2025 James Ross
package health

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/jobrelay/jobrelay/internal/store"
)

type fakeHub struct {
	mu       sync.Mutex
	messages []map[string]any
}

func (f *fakeHub) Broadcast(m map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
}
func (f *fakeHub) SubscriberCount() int { return 2 }
func (f *fakeHub) MessagesSent() int64  { return 10 }

func (f *fakeHub) byType(t string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.messages {
		if m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeWorkers struct{ n int }

func (f fakeWorkers) ActiveWorkers() int { return f.n }

func setupMonitor(t *testing.T) (*Monitor, *queue.Queue, *fakeHub, *config.Config) {
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
	q := queue.New(rdb, "jobs:test")
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	hub := &fakeHub{}
	m := NewMonitor(cfg, q, st, hub, fakeWorkers{n: 3}, zap.NewNop())
	return m, q, hub, cfg
}

func TestCheckHealthyBaseline(t *testing.T) {
	m, _, _, _ := setupMonitor(t)
	snap := m.Check(context.Background())

	for _, name := range []string{"queue", "store", "system", "push_channel", "pipeline"} {
		if _, ok := snap.Components[name]; !ok {
			t.Fatalf("missing component %s", name)
		}
	}
	qc := snap.Components["queue"]
	if qc.Status != StatusHealthy {
		t.Fatalf("queue status = %s", qc.Status)
	}
	if snap.Trend != "unknown" {
		t.Fatalf("first check trend = %q, want unknown", snap.Trend)
	}
}

func TestDeadLetterBacklogIsCritical(t *testing.T) {
	m, q, _, cfg := setupMonitor(t)
	ctx := context.Background()

	for i := int64(0); i <= cfg.Health.Thresholds.DeadLetterLength; i++ {
		if err := q.PushRaw(ctx, q.DeadLetter, "{}"); err != nil {
			t.Fatal(err)
		}
	}
	snap := m.Check(ctx)
	if snap.Components["queue"].Status != StatusCritical {
		t.Fatalf("queue status = %s, want critical", snap.Components["queue"].Status)
	}
	if snap.OverallStatus != StatusCritical {
		t.Fatalf("overall = %s, want critical", snap.OverallStatus)
	}
}

func TestOverallStatusAggregation(t *testing.T) {
	cases := []struct {
		name       string
		components map[string]Component
		want       Status
	}{
		{"all healthy", map[string]Component{"a": {Status: StatusHealthy}}, StatusHealthy},
		{"one degraded", map[string]Component{"a": {Status: StatusDegraded}, "b": {Status: StatusHealthy}}, StatusDegraded},
		{"two degraded escalate", map[string]Component{"a": {Status: StatusDegraded}, "b": {Status: StatusDegraded}}, StatusCritical},
		{"one critical wins", map[string]Component{"a": {Status: StatusCritical}, "b": {Status: StatusHealthy}}, StatusCritical},
	}
	for _, c := range cases {
		if got := overallStatus(c.components); got != c.want {
			t.Errorf("%s: overall = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestTrendLabels(t *testing.T) {
	m, _, _, _ := setupMonitor(t)
	ctx := context.Background()

	first := m.Check(ctx)
	m.record(first)

	if trend := m.trend(StatusHealthy); trend != "stable" {
		t.Fatalf("healthy after healthy = %q, want stable", trend)
	}
	if trend := m.trend(StatusCritical); trend != "degrading" {
		t.Fatalf("critical after healthy = %q, want degrading", trend)
	}

	m.record(Snapshot{OverallStatus: StatusCritical})
	if trend := m.trend(StatusHealthy); trend != "improving" {
		t.Fatalf("healthy after critical = %q, want improving", trend)
	}
}

func TestAlertCooldownSuppressesStorm(t *testing.T) {
	m, q, hub, cfg := setupMonitor(t)
	ctx := context.Background()

	for i := int64(0); i <= cfg.Health.Thresholds.DeadLetterLength; i++ {
		if err := q.PushRaw(ctx, q.DeadLetter, "{}"); err != nil {
			t.Fatal(err)
		}
	}

	snap := m.Check(ctx)
	m.alert(snap)
	m.alert(snap)
	m.alert(snap)

	alerts := hub.byType("error_alert")
	// One overall alert + one per critical component, once each.
	seen := map[string]bool{}
	for _, a := range alerts {
		al, ok := a["alert"].(Alert)
		if !ok {
			continue
		}
		key := al.Type + "/" + al.Component
		if seen[key] {
			t.Fatalf("alert %s fired twice inside cooldown", key)
		}
		seen[key] = true
	}
	if len(alerts) == 0 {
		t.Fatal("expected at least one alert")
	}
}

func TestHistoryBounded(t *testing.T) {
	m, _, _, _ := setupMonitor(t)
	for i := 0; i < 120; i++ {
		m.record(Snapshot{Timestamp: time.Now(), OverallStatus: StatusHealthy})
	}
	if got := len(m.History(0)); got != 100 {
		t.Fatalf("history length = %d, want 100", got)
	}
	if got := len(m.History(10)); got != 10 {
		t.Fatalf("limited history length = %d, want 10", got)
	}
}
