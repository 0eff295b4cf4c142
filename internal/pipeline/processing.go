// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"go.uber.org/zap"
)

const stageProcessing = "processing"

// runProcessingWorker pops entries off the main queue, validates and filters
// them, and hands survivors to the analysis channel. Unsuitable, invalid and
// retry-exhausted jobs move to the dead-letter list.
func (s *Supervisor) runProcessingWorker(ctx context.Context, workerID string, out chan<- queue.Job) {
	procList := fmt.Sprintf(s.cfg.Pipeline.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(s.cfg.Pipeline.HeartbeatKeyPattern, workerID)

	for ctx.Err() == nil {
		deqCtx, deqSpan := obs.StartDequeueSpan(ctx, s.q.MainKey)
		payload, err := s.q.DequeueToProcessing(deqCtx, procList, s.cfg.Pipeline.DequeueTimeout)
		deqSpan.End()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("dequeue error", obs.Err(err), obs.Bool("transient", queue.Transient(err)))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if payload == "" {
			if s.drain {
				if n, err := s.q.Length(ctx, s.q.MainKey); err == nil && n == 0 {
					return
				}
			}
			continue
		}

		_ = s.q.Client().Set(ctx, hbKey, payload, s.cfg.Pipeline.HeartbeatTTL).Err()
		start := time.Now()
		s.processOne(ctx, workerID, procList, payload, out)
		elapsed := time.Since(start)
		s.reg.Observe(stageProcessing, elapsed)
		s.recordProcessingTime(elapsed)
		_ = s.q.Ack(ctx, procList, payload)
		_ = s.q.Client().Del(ctx, hbKey).Err()
	}
}

func (s *Supervisor) processOne(ctx context.Context, workerID, procList, payload string, out chan<- queue.Job) {
	job, err := queue.UnmarshalJob(payload)
	if err != nil {
		// Poison entry: park the raw payload on the dead-letter list so the
		// error analytics surface it instead of silently dropping data.
		s.log.Error("corrupted queue entry", obs.Err(err), obs.String("worker_id", workerID))
		_ = s.q.PushRaw(ctx, s.q.DeadLetter, payload)
		s.reg.Inc("errors", 1)
		return
	}

	// Correlation id is minted on first pipeline entry and never changes.
	if job.CorrelationID == "" {
		job.CorrelationID = uuid.NewString()
	}
	cid := job.CorrelationID

	ctx, span := obs.StartStageSpan(ctx, stageProcessing, job)
	defer span.End()

	s.events.Info(cid, stageProcessing, "job_received", job,
		zap.String("worker_id", workerID))

	job.Status = queue.StatusProcessing

	if job.Title == "" || job.Company == "" {
		job.Status = queue.StatusFailed
		s.events.Error(cid, stageProcessing, "validation_failed", job,
			zap.Bool("has_title", job.Title != ""),
			zap.Bool("has_company", job.Company != ""))
		s.reg.Inc("jobs_failed", 1)
		obs.JobsDeadLetter.Inc()
		if err := s.q.MoveToDeadLetter(ctx, job, "missing_required_fields", stageProcessing); err != nil {
			s.log.Error("dead-letter push failed", obs.Err(err))
		}
		return
	}

	if ok, pattern := s.rules.Evaluate(job.Title); !ok {
		job.Status = queue.StatusFailed
		s.events.Warn(cid, stageProcessing, "suitability_failed", job,
			zap.String("matched_pattern", pattern))
		s.reg.Inc("jobs_failed", 1)
		obs.JobsDeadLetter.Inc()
		if err := s.q.MoveToDeadLetter(ctx, job, "suitability_failed", stageProcessing); err != nil {
			s.log.Error("dead-letter push failed", obs.Err(err))
		}
		return
	}

	if job.RetryCount > s.cfg.Pipeline.MaxRetries {
		job.Status = queue.StatusFailed
		s.events.Error(cid, stageProcessing, "max_retries_exceeded", job,
			zap.Int("max_retries", s.cfg.Pipeline.MaxRetries))
		s.reg.Inc("jobs_failed", 1)
		obs.JobsDeadLetter.Inc()
		if err := s.q.MoveToDeadLetter(ctx, job, "max_retries_exceeded", stageProcessing); err != nil {
			s.log.Error("dead-letter push failed", obs.Err(err))
		}
		return
	}

	select {
	case out <- job:
		obs.SetSpanSuccess(ctx)
		s.reg.Inc("jobs_processed", 1)
		s.events.Info(cid, stageProcessing, "job_processed_successfully", job,
			zap.String("next_stage", "analysis"))
	case <-ctx.Done():
		// Shutdown hit while the downstream channel was full: put the job
		// back so another run picks it up.
		s.requeueWithRetry(job)
	}
}

// requeueWithRetry re-enqueues a job the stage could not hand off,
// incrementing the retry budget. Only the processing stage requeues.
func (s *Supervisor) requeueWithRetry(job queue.Job) {
	job.RetryCount++
	job.Status = queue.StatusScraped
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.q.Enqueue(rctx, job); err != nil {
		s.log.Error("requeue failed", obs.Err(err), obs.String("job_id", job.JobID))
		return
	}
	s.reg.Inc("jobs_retried", 1)
	obs.JobsRetried.Inc()
	s.events.Warn(job.CorrelationID, stageProcessing, "job_requeued", job)
}
