// Copyright 2025 James Ross
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"go.uber.org/zap"
)

// Producer feeds the main queue from a drop directory of scraped job JSON
// files. Each file holds either a single job object or an array of them.
// Enqueues are rate-limited so a large drop cannot swamp the queue.
type Producer struct {
	cfg *config.Config
	q   *queue.Queue
	log *zap.Logger
}

func New(cfg *config.Config, q *queue.Queue, log *zap.Logger) *Producer {
	return &Producer{cfg: cfg, q: q, log: log}
}

// Run scans the drop directory once, enqueuing every matching file's jobs.
func (p *Producer) Run(ctx context.Context) error {
	root := p.cfg.Producer.ScanDir
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("scan dir: %w", err)
	}

	var limiter *rate.Limiter
	if p.cfg.Producer.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.Producer.RateLimitPerSec), p.cfg.Producer.RateLimitPerSec)
	}

	enqueued := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if !p.matches(rel) {
			return nil
		}

		jobs, readErr := readJobsFile(path)
		if readErr != nil {
			p.log.Warn("skipping unreadable job file", obs.String("path", path), obs.Err(readErr))
			return nil
		}

		for _, job := range jobs {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
			}
			if job.JobID == "" {
				job.JobID = uuid.NewString()
			}
			if job.Status == "" {
				job.Status = queue.StatusScraped
			}
			if job.QueuedAt == "" {
				job.QueuedAt = time.Now().UTC().Format(time.RFC3339Nano)
			}
			if err := p.q.Enqueue(ctx, job); err != nil {
				return fmt.Errorf("enqueue %s: %w", job.JobID, err)
			}
			enqueued++
		}

		if p.cfg.Producer.DeleteAfter {
			if err := os.Remove(path); err != nil {
				p.log.Warn("failed to remove consumed file", obs.String("path", path), obs.Err(err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.log.Info("producer scan complete", obs.Int("enqueued", enqueued))
	return nil
}

func (p *Producer) matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	included := len(p.cfg.Producer.IncludeGlobs) == 0
	for _, g := range p.cfg.Producer.IncludeGlobs {
		if ok, _ := doublestar.PathMatch(g, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, g := range p.cfg.Producer.ExcludeGlobs {
		if ok, _ := doublestar.PathMatch(g, rel); ok {
			return false
		}
	}
	return true
}

func readJobsFile(path string) ([]queue.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var jobs []queue.Job
		if err := json.Unmarshal(data, &jobs); err != nil {
			return nil, err
		}
		return jobs, nil
	}
	var job queue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return []queue.Job{job}, nil
}
