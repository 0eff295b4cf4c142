// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"go.uber.org/zap"
)

const stageAnalysis = "analysis"

// runAnalysisWorker annotates jobs with the configured analyzer and forwards
// them to storage. Analysis is non-essential: a failing analyzer produces an
// empty annotations map, never a dead-letter.
func (s *Supervisor) runAnalysisWorker(ctx context.Context, workerID string, in <-chan queue.Job, out chan<- queue.Job) {
	// Drain until the upstream channel closes; the supervisor bounds a
	// wedged drain with its grace deadline.
	for job := range in {
		start := time.Now()
		s.analyzeOne(ctx, workerID, &job)
		s.reg.Observe(stageAnalysis, time.Since(start))

		select {
		case out <- job:
		case <-time.After(s.cfg.Pipeline.ShutdownGrace):
			s.log.Warn("storage handoff timed out", obs.String("job_id", job.JobID))
		}
	}
}

func (s *Supervisor) analyzeOne(ctx context.Context, workerID string, job *queue.Job) {
	cid := job.CorrelationID
	sctx, span := obs.StartStageSpan(ctx, stageAnalysis, *job)
	defer span.End()

	job.Status = queue.StatusAnalyzed

	if s.analyzer == nil {
		job.AnalysisData = map[string]any{}
		s.events.Warn(cid, stageAnalysis, "analysis_skipped", *job,
			zap.String("reason", "no_analyzer_available"))
		return
	}

	s.events.Info(cid, stageAnalysis, "analysis_started", *job,
		zap.String("worker_id", workerID))

	annotations, err := s.callAnalyzer(sctx, *job)
	if err != nil {
		job.AnalysisData = map[string]any{}
		obs.RecordError(sctx, err)
		s.events.Error(cid, stageAnalysis, "analysis_failed", *job, obs.Err(err))
		return
	}

	job.AnalysisData = annotations
	s.reg.Inc("jobs_analyzed", 1)
	obs.SetSpanSuccess(sctx)
	s.events.Info(cid, stageAnalysis, "analysis_completed", *job,
		zap.Int("annotation_keys", len(annotations)))
}

// callAnalyzer runs the analyzer in its own goroutine so a wedged analyzer
// cannot hold a worker past the shutdown grace period. A recovered panic
// surfaces as an error.
func (s *Supervisor) callAnalyzer(ctx context.Context, job queue.Job) (annotations map[string]any, err error) {
	type result struct {
		m   map[string]any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("analyzer panic: %v", r)}
			}
		}()
		m, e := s.analyzer.Analyze(job.ToMap())
		ch <- result{m: m, err: e}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.m == nil {
			return map[string]any{}, nil
		}
		return r.m, nil
	case <-time.After(s.cfg.Pipeline.ShutdownGrace):
		s.events.Warn(job.CorrelationID, stageAnalysis, "worker_abandoned", job)
		return nil, fmt.Errorf("analyzer exceeded %s grace period", s.cfg.Pipeline.ShutdownGrace)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
