// Copyright 2025 James Ross
package pipeline

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

type testRig struct {
	cfg *config.Config
	q   *queue.Queue
	st  *store.Store
	sup *Supervisor
	reg *obs.Registry
}

func setupRig(t *testing.T, opts Options) *testRig {
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
	cfg.Pipeline.ProcessingWorkers = 2
	cfg.Pipeline.AnalysisWorkers = 2
	cfg.Pipeline.StorageWorkers = 1
	cfg.Pipeline.DequeueTimeout = 50 * time.Millisecond
	cfg.Pipeline.ShutdownGrace = 2 * time.Second

	q := queue.New(rdb, "jobs:test")
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	log := zap.NewNop()
	reg := obs.NewRegistry()
	events := obs.NewEventLogger(log, "", 0, 0)
	sup, err := NewSupervisor(cfg, q, st, reg, events, log, opts)
	if err != nil {
		t.Fatal(err)
	}
	return &testRig{cfg: cfg, q: q, st: st, sup: sup, reg: reg}
}

// runUntil runs the supervisor until cond holds or the deadline passes.
func (r *testRig) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.sup.Run(ctx)
		close(done)
	}()

	deadline := time.After(10 * time.Second)
	for {
		if cond() {
			break
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestHappyPathSavesJob(t *testing.T) {
	r := setupRig(t, Options{})
	ctx := context.Background()

	job := queue.NewJob("Data Analyst", "Acme", "u1")
	if err := r.q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}

	r.runUntil(t, func() bool { return r.reg.GetCount("jobs_saved") == 1 })

	if got := r.reg.GetCount("jobs_processed"); got != 1 {
		t.Fatalf("jobs_processed = %d, want 1", got)
	}
	rec, err := r.st.LookupByHash(ctx, job.ContentHash())
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("expected stored record")
	}
	if len(rec.AnalysisData) == 0 {
		t.Fatal("expected annotations from the analyzer")
	}
	if n, _ := r.q.Length(ctx, r.q.MainKey); n != 0 {
		t.Fatalf("main queue should be empty, has %d", n)
	}
}

func TestMissingFieldsGoToDeadLetter(t *testing.T) {
	r := setupRig(t, Options{})
	ctx := context.Background()

	if err := r.q.Enqueue(ctx, queue.NewJob("", "Acme", "u2")); err != nil {
		t.Fatal(err)
	}

	r.runUntil(t, func() bool {
		n, _ := r.q.Length(ctx, r.q.DeadLetter)
		return n == 1
	})

	if got := r.reg.GetCount("jobs_failed"); got != 1 {
		t.Fatalf("jobs_failed = %d, want 1", got)
	}
	raws, _ := r.q.Range(ctx, r.q.DeadLetter, 0, 1)
	dl, err := queue.UnmarshalJob(raws[0])
	if err != nil {
		t.Fatal(err)
	}
	if dl.ErrorReason != "missing_required_fields" {
		t.Fatalf("error_reason = %q", dl.ErrorReason)
	}
	if dl.FailedAt == "" {
		t.Fatal("dead-letter entry must carry failed_at")
	}
	if dl.CorrelationID == "" {
		t.Fatal("correlation id must be set before the dead-letter move")
	}
}

func TestSeniorTitleRejected(t *testing.T) {
	r := setupRig(t, Options{})
	ctx := context.Background()

	if err := r.q.Enqueue(ctx, queue.NewJob("Senior Engineer", "Acme", "u3")); err != nil {
		t.Fatal(err)
	}

	r.runUntil(t, func() bool {
		n, _ := r.q.Length(ctx, r.q.DeadLetter)
		return n == 1
	})

	raws, _ := r.q.Range(ctx, r.q.DeadLetter, 0, 1)
	dl, _ := queue.UnmarshalJob(raws[0])
	if dl.ErrorReason != "suitability_failed" {
		t.Fatalf("error_reason = %q, want suitability_failed", dl.ErrorReason)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	r := setupRig(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := queue.NewJob("Data Analyst", "Acme", "u-retry")
		job.RetryCount = 4
		if err := r.q.Enqueue(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	r.runUntil(t, func() bool {
		n, _ := r.q.Length(ctx, r.q.DeadLetter)
		return n == 3
	})

	if n, _ := r.q.Length(ctx, r.q.MainKey); n != 0 {
		t.Fatalf("main queue should be empty, has %d", n)
	}
	raws, _ := r.q.Range(ctx, r.q.DeadLetter, 0, 10)
	for _, raw := range raws {
		dl, _ := queue.UnmarshalJob(raw)
		if dl.ErrorReason != "max_retries_exceeded" {
			t.Fatalf("error_reason = %q, want max_retries_exceeded", dl.ErrorReason)
		}
	}
}

func TestDuplicateStorage(t *testing.T) {
	r := setupRig(t, Options{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := r.q.Enqueue(ctx, queue.NewJob("X", "Y", "u4")); err != nil {
			t.Fatal(err)
		}
	}

	r.runUntil(t, func() bool {
		return r.reg.GetCount("jobs_saved") == 1 && r.reg.GetCount("jobs_duplicates") == 1
	})

	n, err := r.st.GetJobCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("store count = %d, want 1", n)
	}
}

func TestAnalyzerFailureStillStores(t *testing.T) {
	failing := AnalyzerFunc(func(map[string]any) (map[string]any, error) {
		panic("analyzer blew up")
	})
	r := setupRig(t, Options{Analyzer: failing})
	ctx := context.Background()

	if err := r.q.Enqueue(ctx, queue.NewJob("Data Analyst", "Acme", "u5")); err != nil {
		t.Fatal(err)
	}

	r.runUntil(t, func() bool { return r.reg.GetCount("jobs_saved") == 1 })

	rec, err := r.st.LookupByHash(ctx, queue.NewJob("Data Analyst", "Acme", "u5").ContentHash())
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("analysis failure must not block storage")
	}
	if len(rec.AnalysisData) != 0 {
		t.Fatalf("expected empty annotations, got %#v", rec.AnalysisData)
	}
	if r.reg.GetCount("jobs_analyzed") != 0 {
		t.Fatal("failed analysis must not count as analyzed")
	}
}

func TestCorruptedEntryParkedOnDeadLetter(t *testing.T) {
	r := setupRig(t, Options{})
	ctx := context.Background()

	if err := r.q.PushRaw(ctx, r.q.MainKey, "{not json"); err != nil {
		t.Fatal(err)
	}

	r.runUntil(t, func() bool {
		n, _ := r.q.Length(ctx, r.q.DeadLetter)
		return n == 1
	})

	raws, _ := r.q.Range(ctx, r.q.DeadLetter, 0, 1)
	if raws[0] != "{not json" {
		t.Fatalf("raw payload must be preserved, got %q", raws[0])
	}
}

func TestProcessedInvariant(t *testing.T) {
	r := setupRig(t, Options{})
	ctx := context.Background()

	titles := []string{"Data Analyst", "Junior Dev", "Senior Engineer", "", "QA Engineer"}
	for i, title := range titles {
		if err := r.q.Enqueue(ctx, queue.NewJob(title, "Acme", "inv-"+string(rune('a'+i)))); err != nil {
			t.Fatal(err)
		}
	}

	r.runUntil(t, func() bool {
		n, _ := r.q.Length(ctx, r.q.MainKey)
		saved := r.reg.GetCount("jobs_saved")
		failed := r.reg.GetCount("jobs_failed")
		return n == 0 && saved+failed+r.reg.GetCount("jobs_duplicates") == int64(len(titles))
	})

	processed := r.reg.GetCount("jobs_processed")
	saved := r.reg.GetCount("jobs_saved")
	dups := r.reg.GetCount("jobs_duplicates")
	storageFailed := int64(0)
	if processed < saved+dups+storageFailed {
		t.Fatalf("invariant violated: processed=%d saved=%d dups=%d", processed, saved, dups)
	}
}
