// Copyright 2025 James Ross
package queuemgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"go.uber.org/zap"
)

// Operation names accepted by BatchOperation.
const (
	OpDelete           = "delete"
	OpRetry            = "retry"
	OpMoveToMain       = "move_to_main"
	OpMoveToDeadLetter = "move_to_deadletter"
	OpClear            = "clear"
)

// Stats describes a queue pair for the operations dashboard.
type Stats struct {
	Timestamp             time.Time `json:"timestamp"`
	QueueName             string    `json:"queue_name"`
	MainQueueLength       int64     `json:"main_queue_length"`
	DeadletterQueueLength int64     `json:"deadletter_queue_length"`
	OldestJobAge          string    `json:"oldest_job_age,omitempty"`
	NewestJobAge          string    `json:"newest_job_age,omitempty"`
	QueueHealth           string    `json:"queue_health"`
}

// Item is one entry of a paginated queue view.
type Item struct {
	Position      int    `json:"position"`
	JobID         string `json:"job_id"`
	Title         string `json:"title"`
	Company       string `json:"company"`
	QueuedAt      string `json:"queued_at"`
	RetryCount    int    `json:"retry_count"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ErrorReason   string `json:"error_reason,omitempty"`
	Corrupted     bool   `json:"corrupted,omitempty"`
}

// Contents is a paginated snapshot of one list.
type Contents struct {
	Timestamp time.Time `json:"timestamp"`
	QueueName string    `json:"queue_name"`
	QueueType string    `json:"queue_type"`
	Offset    int64     `json:"offset"`
	Limit     int64     `json:"limit"`
	Total     int64     `json:"total"`
	HasMore   bool      `json:"has_more"`
	Items     []Item    `json:"items"`
}

// BatchResult reports one batch mutation.
type BatchResult struct {
	Operation  string    `json:"operation"`
	TotalItems int       `json:"total"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors"`
	Duration   float64   `json:"duration_seconds"`
	Timestamp  time.Time `json:"timestamp"`
}

// Broadcaster is the push-plane dependency; satisfied by wshub.Hub.
type Broadcaster interface {
	Broadcast(message map[string]any)
}

// Manager reads and mutates queue contents on behalf of operators. Every
// batch mutation lands in a bounded in-process history ring and is announced
// on the push channel.
type Manager struct {
	q   *queue.Queue
	hub Broadcaster
	log *zap.Logger

	mu      sync.RWMutex
	history []BatchResult
}

func NewManager(q *queue.Queue, hub Broadcaster, log *zap.Logger) *Manager {
	return &Manager{q: q, hub: hub, log: log}
}

func (m *Manager) listFor(queueType string) string {
	if queueType == "deadletter" {
		return m.q.DeadLetter
	}
	return m.q.MainKey
}

// Stats reads lengths, boundary entry ages, and a derived health label.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	mainLen, err := m.q.Length(ctx, m.q.MainKey)
	if err != nil {
		return Stats{}, fmt.Errorf("main queue length: %w", err)
	}
	dlLen, err := m.q.Length(ctx, m.q.DeadLetter)
	if err != nil {
		return Stats{}, fmt.Errorf("dead-letter length: %w", err)
	}

	st := Stats{
		Timestamp:             time.Now().UTC(),
		QueueName:             m.q.MainKey,
		MainQueueLength:       mainLen,
		DeadletterQueueLength: dlLen,
		QueueHealth:           healthLabel(mainLen, dlLen),
	}

	if mainLen > 0 {
		if raws, err := m.q.Range(ctx, m.q.MainKey, 0, 1); err == nil && len(raws) > 0 {
			if j, err := queue.UnmarshalJob(raws[0]); err == nil {
				st.OldestJobAge = j.QueuedAt
			}
		}
		if raws, err := m.q.Range(ctx, m.q.MainKey, mainLen-1, 1); err == nil && len(raws) > 0 {
			if j, err := queue.UnmarshalJob(raws[0]); err == nil {
				st.NewestJobAge = j.QueuedAt
			}
		}
	}
	return st, nil
}

func healthLabel(mainLen, dlLen int64) string {
	switch {
	case dlLen > 50:
		return "critical"
	case mainLen > 1000 || dlLen > 20:
		return "degraded"
	default:
		return "healthy"
	}
}

// Contents pages through a list. An offset at or past the end returns an
// empty page with HasMore false.
func (m *Manager) Contents(ctx context.Context, queueType string, offset, limit int64) (Contents, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list := m.listFor(queueType)
	total, err := m.q.Length(ctx, list)
	if err != nil {
		return Contents{}, fmt.Errorf("queue length: %w", err)
	}

	c := Contents{
		Timestamp: time.Now().UTC(),
		QueueName: m.q.MainKey,
		QueueType: queueType,
		Offset:    offset,
		Limit:     limit,
		Total:     total,
		Items:     []Item{},
	}
	if offset >= total {
		return c, nil
	}

	raws, err := m.q.Range(ctx, list, offset, limit)
	if err != nil {
		return Contents{}, fmt.Errorf("queue range: %w", err)
	}
	for i, raw := range raws {
		item := Item{Position: int(offset) + i}
		if j, err := queue.UnmarshalJob(raw); err == nil {
			item.JobID = j.JobID
			item.Title = j.Title
			item.Company = j.Company
			item.QueuedAt = j.QueuedAt
			item.RetryCount = j.RetryCount
			item.CorrelationID = j.CorrelationID
			item.ErrorReason = j.ErrorReason
		} else {
			item.Corrupted = true
		}
		c.Items = append(c.Items, item)
	}
	c.HasMore = offset+int64(len(raws)) < total
	return c, nil
}

// BatchOperation applies op to the given positions of the source list.
// Positions are processed in descending order so earlier removals do not
// shift the later ones.
func (m *Manager) BatchOperation(ctx context.Context, op string, positions []int, sourceType string) (BatchResult, error) {
	start := time.Now()
	source := m.listFor(sourceType)

	sorted := append([]int(nil), positions...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	res := BatchResult{
		Operation:  op,
		TotalItems: len(sorted),
		Errors:     []string{},
		Timestamp:  start.UTC(),
	}

	for _, pos := range sorted {
		var err error
		switch op {
		case OpDelete:
			_, err = m.q.RemoveAt(ctx, source, int64(pos))
		case OpRetry:
			err = m.retryAt(ctx, source, int64(pos))
		case OpMoveToMain:
			if sourceType == "main" {
				err = fmt.Errorf("entry already in main queue")
			} else {
				err = m.moveAt(ctx, source, m.q.MainKey, int64(pos))
			}
		case OpMoveToDeadLetter:
			if sourceType == "deadletter" {
				err = fmt.Errorf("entry already in dead-letter queue")
			} else {
				err = m.moveAt(ctx, source, m.q.DeadLetter, int64(pos))
			}
		default:
			return BatchResult{}, fmt.Errorf("unknown operation %q", op)
		}

		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("position %d: %v", pos, err))
		} else {
			res.Successful++
		}
	}

	res.Duration = time.Since(start).Seconds()
	m.recordOperation(res)
	if m.hub != nil {
		m.hub.Broadcast(map[string]any{
			"type":   "queue_operation_completed",
			"result": res,
		})
	}
	return res, nil
}

// retryAt re-enqueues the entry at position onto the main queue with a fresh
// correlation id. Operator retries start a new trace; the old id remains
// only in history.
func (m *Manager) retryAt(ctx context.Context, source string, pos int64) error {
	raw, err := m.q.RemoveAt(ctx, source, pos)
	if err != nil {
		return err
	}
	job, err := queue.UnmarshalJob(raw)
	if err != nil {
		// Put the corrupted payload back on its source list (at the tail).
		_ = m.q.PushRaw(ctx, source, raw)
		return fmt.Errorf("corrupted entry: %w", err)
	}
	job.RetryCount++
	job.CorrelationID = uuid.NewString()
	job.Status = queue.StatusScraped
	job.ErrorReason = ""
	job.FailedAt = ""
	job.Stage = ""
	job.QueuedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return m.q.Enqueue(ctx, job)
}

func (m *Manager) moveAt(ctx context.Context, source, target string, pos int64) error {
	raw, err := m.q.RemoveAt(ctx, source, pos)
	if err != nil {
		return err
	}
	return m.q.PushRaw(ctx, target, raw)
}

// Clear drops all entries from one list. Clearing the main queue is allowed
// but noisy on purpose.
func (m *Manager) Clear(ctx context.Context, queueType string) (int64, error) {
	list := m.listFor(queueType)
	if queueType == "main" {
		m.log.Warn("clearing main queue", obs.String("queue", list))
	}
	n, err := m.q.Clear(ctx, list)
	if err != nil {
		return 0, err
	}
	m.recordOperation(BatchResult{
		Operation:  OpClear,
		TotalItems: int(n),
		Successful: int(n),
		Errors:     []string{},
		Timestamp:  time.Now().UTC(),
	})
	if m.hub != nil {
		m.hub.Broadcast(map[string]any{
			"type":       "queue_cleared",
			"queue_type": queueType,
			"cleared":    n,
		})
	}
	return n, nil
}

// Reorder rewrites a list sorted by the given criterion, or by an explicit
// permutation of current positions. Entries that fail to decode sort last.
func (m *Manager) Reorder(ctx context.Context, queueType, criterion string, permutation []int) error {
	list := m.listFor(queueType)
	total, err := m.q.Length(ctx, list)
	if err != nil {
		return fmt.Errorf("queue length: %w", err)
	}
	raws, err := m.q.Range(ctx, list, 0, total)
	if err != nil {
		return fmt.Errorf("queue snapshot: %w", err)
	}

	var ordered []string
	if len(permutation) > 0 {
		if len(permutation) != len(raws) {
			return fmt.Errorf("permutation length %d does not match queue length %d", len(permutation), len(raws))
		}
		seen := make(map[int]bool, len(permutation))
		ordered = make([]string, 0, len(raws))
		for _, p := range permutation {
			if p < 0 || p >= len(raws) || seen[p] {
				return fmt.Errorf("invalid permutation index %d", p)
			}
			seen[p] = true
			ordered = append(ordered, raws[p])
		}
	} else {
		ordered = sortByCriterion(raws, criterion)
	}

	if err := m.q.Rewrite(ctx, list, ordered); err != nil {
		return fmt.Errorf("rewrite queue: %w", err)
	}
	if m.hub != nil {
		m.hub.Broadcast(map[string]any{
			"type":       "queue_reordered",
			"queue_type": queueType,
			"criterion":  criterion,
			"total":      len(ordered),
		})
	}
	return nil
}

func sortByCriterion(raws []string, criterion string) []string {
	type keyed struct {
		raw       string
		corrupted bool
		retry     int
		queuedAt  string
		priority  int
	}
	entries := make([]keyed, 0, len(raws))
	for _, raw := range raws {
		k := keyed{raw: raw}
		j, err := queue.UnmarshalJob(raw)
		if err != nil {
			k.corrupted = true
		} else {
			k.retry = j.RetryCount
			k.queuedAt = j.QueuedAt
			if p, ok := j.RawData["priority"].(float64); ok {
				k.priority = int(p)
			}
		}
		entries = append(entries, k)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.corrupted != b.corrupted {
			return !a.corrupted
		}
		switch criterion {
		case "retry_count":
			return a.retry < b.retry
		case "priority":
			return a.priority > b.priority
		default: // queued_at
			return a.queuedAt < b.queuedAt
		}
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.raw
	}
	return out
}

func (m *Manager) recordOperation(res BatchResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, res)
	if len(m.history) > 100 {
		m.history = m.history[len(m.history)-100:]
	}
}

// OperationHistory returns up to limit recent results, newest last.
func (m *Manager) OperationHistory(limit int) []BatchResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]BatchResult, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}
