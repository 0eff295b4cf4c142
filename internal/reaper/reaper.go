// Copyright 2025 James Ross
package reaper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reaper recovers entries stuck in per-worker processing lists. A worker
// that died mid-flight leaves its heartbeat key to expire; once it does, the
// entries it was holding are pushed back onto the main queue.
type Reaper struct {
	cfg *config.Config
	q   *queue.Queue
	log *zap.Logger
}

func New(cfg *config.Config, q *queue.Queue, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, q: q, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	pattern := fmt.Sprintf(r.cfg.Pipeline.ProcessingListPattern, "*")
	rdb := r.q.Client()

	var cursor uint64
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			workerID := workerIDFromList(plist, r.cfg.Pipeline.ProcessingListPattern)
			if workerID == "" {
				continue
			}
			hbKey := fmt.Sprintf(r.cfg.Pipeline.HeartbeatKeyPattern, workerID)
			exists, _ := rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue // worker healthy
			}

			for {
				payload, err := rdb.RPop(ctx, plist).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					r.log.Warn("reaper rpop error", obs.Err(err))
					break
				}
				job, err := queue.UnmarshalJob(payload)
				if err != nil {
					// Park the poison entry on the dead-letter list.
					_ = r.q.PushRaw(ctx, r.q.DeadLetter, payload)
					continue
				}
				if err := r.q.Enqueue(ctx, job); err != nil {
					r.log.Error("requeue failed", obs.Err(err))
					continue
				}
				obs.ReaperRecovered.Inc()
				r.log.Warn("requeued abandoned job",
					obs.String("job_id", job.JobID),
					obs.String("correlation_id", job.CorrelationID),
					obs.String("worker_id", workerID))
			}
		}
		if cursor == 0 {
			break
		}
	}
}

// workerIDFromList extracts the %s segment back out of a formatted list key.
func workerIDFromList(key, pattern string) string {
	idx := strings.Index(pattern, "%s")
	if idx < 0 {
		return ""
	}
	prefix := pattern[:idx]
	suffix := pattern[idx+2:]
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}
