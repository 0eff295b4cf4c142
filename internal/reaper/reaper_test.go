// Copyright 2025 James Ross
package reaper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/queue"
)

func setupReaper(t *testing.T) (*Reaper, *queue.Queue, *redis.Client, *config.Config) {
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
	q := queue.New(rdb, "jobs:main")
	return New(cfg, q, zap.NewNop()), q, rdb, cfg
}

func TestRequeuesOrphanedEntries(t *testing.T) {
	r, q, rdb, cfg := setupReaper(t)
	ctx := context.Background()

	job := queue.NewJob("T", "C", "u")
	job.CorrelationID = "cid-1"
	payload, _ := job.Marshal()

	procList := fmt.Sprintf(cfg.Pipeline.ProcessingListPattern, "dead-worker")
	if err := rdb.RPush(ctx, procList, payload).Err(); err != nil {
		t.Fatal(err)
	}
	// No heartbeat key: the worker is gone.

	r.scanOnce(ctx)

	if n, _ := q.Length(ctx, q.MainKey); n != 1 {
		t.Fatalf("main length = %d, want 1", n)
	}
	if n, _ := rdb.LLen(ctx, procList).Result(); n != 0 {
		t.Fatalf("processing list length = %d, want 0", n)
	}
	raws, _ := q.Range(ctx, q.MainKey, 0, 1)
	got, _ := queue.UnmarshalJob(raws[0])
	if got.CorrelationID != "cid-1" {
		t.Fatalf("automatic requeue must keep the correlation id, got %q", got.CorrelationID)
	}
}

func TestSkipsWorkersWithHeartbeat(t *testing.T) {
	r, q, rdb, cfg := setupReaper(t)
	ctx := context.Background()

	payload, _ := queue.NewJob("T", "C", "u").Marshal()
	procList := fmt.Sprintf(cfg.Pipeline.ProcessingListPattern, "live-worker")
	hbKey := fmt.Sprintf(cfg.Pipeline.HeartbeatKeyPattern, "live-worker")
	if err := rdb.RPush(ctx, procList, payload).Err(); err != nil {
		t.Fatal(err)
	}
	if err := rdb.Set(ctx, hbKey, payload, time.Minute).Err(); err != nil {
		t.Fatal(err)
	}

	r.scanOnce(ctx)

	if n, _ := q.Length(ctx, q.MainKey); n != 0 {
		t.Fatalf("healthy worker's entry must stay parked, main length = %d", n)
	}
	if n, _ := rdb.LLen(ctx, procList).Result(); n != 1 {
		t.Fatalf("processing list length = %d, want 1", n)
	}
}

func TestCorruptedOrphanGoesToDeadLetter(t *testing.T) {
	r, q, rdb, cfg := setupReaper(t)
	ctx := context.Background()

	procList := fmt.Sprintf(cfg.Pipeline.ProcessingListPattern, "dead-worker")
	if err := rdb.RPush(ctx, procList, "{corrupt").Err(); err != nil {
		t.Fatal(err)
	}

	r.scanOnce(ctx)

	if n, _ := q.Length(ctx, q.DeadLetter); n != 1 {
		t.Fatalf("dead-letter length = %d, want 1", n)
	}
}

func TestWorkerIDFromList(t *testing.T) {
	id := workerIDFromList("jobs:worker:host-1-proc-0:processing", "jobs:worker:%s:processing")
	if id != "host-1-proc-0" {
		t.Fatalf("worker id = %q", id)
	}
	if workerIDFromList("other:key", "jobs:worker:%s:processing") != "" {
		t.Fatal("non-matching key must yield empty id")
	}
}
