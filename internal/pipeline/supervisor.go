// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jobrelay/jobrelay/internal/breaker"
	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/jobrelay/jobrelay/internal/store"
	"go.uber.org/zap"
)

// Supervisor owns the bounded channels between stages, spawns the per-stage
// worker pools and coordinates graceful shutdown: stop intake, drain each
// channel in stage order, then exit. Workers that panic are replaced after a
// bounded backoff.
type Supervisor struct {
	cfg      *config.Config
	q        *queue.Queue
	store    *store.Store
	analyzer Analyzer
	rules    *RuleSet
	cb       *breaker.CircuitBreaker
	reg      *obs.Registry
	events   *obs.EventLogger
	log      *zap.Logger

	drain  bool
	baseID string

	mu      sync.Mutex
	started time.Time
	active  int
	avgProc float64
}

type Options struct {
	Analyzer Analyzer
	// Drain makes processing workers exit once the main queue is empty
	// instead of blocking for new work.
	Drain bool
}

func NewSupervisor(cfg *config.Config, q *queue.Queue, st *store.Store, reg *obs.Registry, events *obs.EventLogger, log *zap.Logger, opts Options) (*Supervisor, error) {
	rules, err := CompileRules(cfg.Pipeline.Suitability)
	if err != nil {
		return nil, err
	}
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	analyzer := opts.Analyzer
	if analyzer == nil {
		analyzer = KeywordAnalyzer()
	}
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Supervisor{
		cfg:      cfg,
		q:        q,
		store:    st,
		analyzer: analyzer,
		rules:    rules,
		cb:       cb,
		reg:      reg,
		events:   events,
		log:      log,
		drain:    opts.Drain,
		baseID:   base,
	}, nil
}

// ActiveWorkers reports the number of live worker goroutines.
func (s *Supervisor) ActiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Breaker exposes breaker state for health checks.
func (s *Supervisor) Breaker() *breaker.CircuitBreaker { return s.cb }

// recordProcessingTime keeps an exponentially weighted average of per-job
// handling time and publishes it for the monitoring plane.
func (s *Supervisor) recordProcessingTime(d time.Duration) {
	s.mu.Lock()
	if s.avgProc == 0 {
		s.avgProc = d.Seconds()
	} else {
		s.avgProc = 0.9*s.avgProc + 0.1*d.Seconds()
	}
	avg := s.avgProc
	s.mu.Unlock()
	s.reg.SetGauge("avg_processing_time", avg)
}

// Run blocks until the context is cancelled and the pipeline has drained, or
// until drain mode empties the queue.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	procOut := make(chan queue.Job, s.cfg.Pipeline.ChannelCapacity)
	anaOut := make(chan queue.Job, s.cfg.Pipeline.ChannelCapacity)

	var procWG, anaWG, storWG sync.WaitGroup

	for i := 0; i < s.cfg.Pipeline.ProcessingWorkers; i++ {
		procWG.Add(1)
		id := fmt.Sprintf("%s-proc-%d", s.baseID, i)
		go s.superviseWorker(ctx, &procWG, id, func(wctx context.Context) {
			s.runProcessingWorker(wctx, id, procOut)
		})
	}
	for i := 0; i < s.cfg.Pipeline.AnalysisWorkers; i++ {
		anaWG.Add(1)
		id := fmt.Sprintf("%s-ana-%d", s.baseID, i)
		go s.superviseWorker(ctx, &anaWG, id, func(wctx context.Context) {
			s.runAnalysisWorker(wctx, id, procOut, anaOut)
		})
	}
	for i := 0; i < s.cfg.Pipeline.StorageWorkers; i++ {
		storWG.Add(1)
		id := fmt.Sprintf("%s-stor-%d", s.baseID, i)
		go s.superviseWorker(ctx, &storWG, id, func(wctx context.Context) {
			s.runStorageWorker(wctx, id, anaOut)
		})
	}

	// periodically export breaker state
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch s.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	// Drain in stage order: once intake stops, close each channel after its
	// upstream pool exits so downstream pools finish the backlog and return.
	procWG.Wait()
	close(procOut)

	done := make(chan struct{})
	go func() {
		anaWG.Wait()
		close(anaOut)
		storWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("pipeline drained")
	case <-time.After(s.cfg.Pipeline.ShutdownGrace):
		s.log.Warn("shutdown grace period exceeded, abandoning workers",
			obs.String("grace", s.cfg.Pipeline.ShutdownGrace.String()))
		s.events.Warn("", "supervisor", "worker_abandoned", queue.Job{})
	}
	return nil
}

// superviseWorker runs fn, replacing the worker after a bounded backoff if
// it panics. The WaitGroup is released only when the worker exits cleanly or
// the context ends.
func (s *Supervisor) superviseWorker(ctx context.Context, wg *sync.WaitGroup, workerID string, fn func(context.Context)) {
	defer wg.Done()
	obs.WorkerActive.Inc()
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer func() {
		obs.WorkerActive.Dec()
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	backoff := s.cfg.Pipeline.RestartBackoff.Base
	for ctx.Err() == nil {
		panicked := s.runGuarded(ctx, workerID, fn)
		if !panicked {
			return
		}
		obs.WorkerRestarts.Inc()
		s.events.Warn("", "supervisor", "worker_restart", queue.Job{},
			zap.String("worker_id", workerID))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > s.cfg.Pipeline.RestartBackoff.Max {
			backoff = s.cfg.Pipeline.RestartBackoff.Max
		}
	}
}

func (s *Supervisor) runGuarded(ctx context.Context, workerID string, fn func(context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.log.Error("worker panic", obs.String("worker_id", workerID),
				zap.Any("panic", r))
		}
	}()
	fn(ctx)
	return false
}
