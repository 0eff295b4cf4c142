// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"time"

	"github.com/jobrelay/jobrelay/internal/breaker"
	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/jobrelay/jobrelay/internal/store"
	"go.uber.org/zap"
)

const stageStorage = "storage"

// runStorageWorker persists analyzed jobs. Persistence is the terminal step:
// a store error never re-enqueues, it is logged, counted and left for the
// operator. Writes pass through the circuit breaker so a dying store pauses
// the stage instead of hammering it.
func (s *Supervisor) runStorageWorker(ctx context.Context, workerID string, in <-chan queue.Job) {
	for job := range in {
		for !s.cb.Allow() {
			if ctx.Err() != nil {
				// Shutting down with the breaker open: give up on the pause
				// loop and attempt the write anyway so the drain finishes.
				break
			}
			time.Sleep(s.cfg.CircuitBreaker.Pause)
		}

		start := time.Now()
		ok := s.storeOne(ctx, workerID, job)
		s.reg.Observe(stageStorage, time.Since(start))

		prev := s.cb.State()
		s.cb.Record(ok)
		if curr := s.cb.State(); prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	}
}

func (s *Supervisor) storeOne(ctx context.Context, workerID string, job queue.Job) bool {
	cid := job.CorrelationID
	sctx, span := obs.StartStageSpan(ctx, stageStorage, job)
	defer span.End()

	s.events.Info(cid, stageStorage, "database_save_started", job,
		zap.String("worker_id", workerID))

	// Storage must complete even mid-shutdown; bound it independently.
	wctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := s.store.AddJob(wctx, job)
	if err != nil {
		job.Status = queue.StatusFailed
		obs.RecordError(sctx, err)
		s.reg.Inc("jobs_failed", 1)
		s.events.Error(cid, stageStorage, "database_save_failed", job,
			obs.Err(err), zap.String("error_class", store.ClassifyError(err)))
		return false
	}

	switch res {
	case store.Inserted:
		job.Status = queue.StatusSaved
		s.reg.Inc("jobs_saved", 1)
		obs.SetSpanSuccess(sctx)
		s.events.Info(cid, stageStorage, "job_saved_successfully", job)
	case store.Duplicate:
		job.Status = queue.StatusDuplicate
		s.reg.Inc("jobs_duplicates", 1)
		obs.SetSpanSuccess(sctx)
		s.events.Warn(cid, stageStorage, "job_duplicate_detected", job)
	}
	return true
}
