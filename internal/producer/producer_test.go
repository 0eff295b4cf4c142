// Copyright 2025 James Ross
package producer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/queue"
)

func setupProducer(t *testing.T) (*Producer, *queue.Queue, string) {
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
	dir := t.TempDir()
	cfg.Producer.ScanDir = dir
	cfg.Producer.RateLimitPerSec = 0

	q := queue.New(rdb, "jobs:test")
	return New(cfg, q, zap.NewNop()), q, dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunEnqueuesSingleAndArrayFiles(t *testing.T) {
	p, q, dir := setupProducer(t)

	writeFile(t, dir, "one.json", `{"title":"Data Analyst","company":"Acme","url":"u1"}`)
	writeFile(t, dir, "many.json", `[
        {"title":"QA Engineer","company":"Beta","url":"u2"},
        {"title":"Junior Dev","company":"Beta","url":"u3"}
    ]`)
	writeFile(t, dir, "notes.txt", "not a job file")
	writeFile(t, dir, "partial.tmp", `{"title":"X","company":"Y"}`)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	n, err := q.Length(ctx, q.MainKey)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("enqueued = %d, want 3", n)
	}

	raws, _ := q.Range(ctx, q.MainKey, 0, 10)
	for _, raw := range raws {
		job, err := queue.UnmarshalJob(raw)
		if err != nil {
			t.Fatal(err)
		}
		if job.JobID == "" {
			t.Fatal("producer must assign job ids")
		}
		if job.Status != queue.StatusScraped {
			t.Fatalf("status = %q, want scraped", job.Status)
		}
		if job.QueuedAt == "" {
			t.Fatal("producer must stamp queued_at")
		}
	}
}

func TestRunSkipsMalformedFiles(t *testing.T) {
	p, q, dir := setupProducer(t)

	writeFile(t, dir, "bad.json", "{broken")
	writeFile(t, dir, "good.json", `{"title":"T","company":"C","url":"u"}`)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, _ := q.Length(context.Background(), q.MainKey)
	if n != 1 {
		t.Fatalf("enqueued = %d, want 1 (malformed skipped)", n)
	}
}

func TestDeleteAfterRemovesConsumedFiles(t *testing.T) {
	p, _, dir := setupProducer(t)
	p.cfg.Producer.DeleteAfter = true

	writeFile(t, dir, "one.json", `{"title":"T","company":"C","url":"u"}`)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "one.json")); !os.IsNotExist(err) {
		t.Fatal("consumed file should be removed")
	}
}
