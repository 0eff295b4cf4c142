// Copyright 2025 James Ross
package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a positional operation misses its entry.
var ErrNotFound = errors.New("queue: entry not found")

// Transient reports whether a queue error is worth a reconnect-and-retry,
// as opposed to a misconfiguration the caller should surface.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "LOADING") ||
		strings.Contains(msg, "READONLY")
}

// Queue is a durable FIFO list with a sibling dead-letter list, backed by
// Redis. Entries enqueue at the tail (RPUSH) and dequeue from the head
// (BLPOP), so list position 0 is the oldest entry.
type Queue struct {
	rdb        *redis.Client
	MainKey    string
	DeadLetter string
}

func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, MainKey: name, DeadLetter: name + ":deadletter"}
}

// Enqueue appends the job to the tail of the main list.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.rdb.RPush(ctx, q.MainKey, payload).Err()
}

// Dequeue blocks up to timeout for the next entry off the head of the main
// list. Returns (nil, nil) when the queue stayed empty for the whole window.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.MainKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of %d elements", len(res))
	}
	job, err := UnmarshalJob(res[1])
	if err != nil {
		return nil, fmt.Errorf("decode queue entry: %w", err)
	}
	return &job, nil
}

// DequeueToProcessing atomically moves the head entry into the given
// processing list and returns its raw payload. Workers park in-flight
// entries here so the reaper can recover them if the worker dies before
// handoff. Returns ("", nil) on timeout.
func (q *Queue) DequeueToProcessing(ctx context.Context, procList string, timeout time.Duration) (string, error) {
	v, err := q.rdb.BLMove(ctx, q.MainKey, procList, "LEFT", "RIGHT", timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// Ack removes a previously dequeued payload from its processing list.
func (q *Queue) Ack(ctx context.Context, procList, payload string) error {
	return q.rdb.LRem(ctx, procList, 1, payload).Err()
}

// Length returns the current size of the named list.
func (q *Queue) Length(ctx context.Context, list string) (int64, error) {
	return q.rdb.LLen(ctx, list).Result()
}

// Range returns a read-only snapshot of raw entries. The snapshot may lag
// under concurrent mutation; positions are 0-indexed from the head.
func (q *Queue) Range(ctx context.Context, list string, offset, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return q.rdb.LRange(ctx, list, offset, offset+limit-1).Result()
}

// RemoveAt removes exactly one entry matching the content currently at
// position. Used for operator manipulations only; racing mutations can
// shift positions, in which case the matched content wins.
func (q *Queue) RemoveAt(ctx context.Context, list string, position int64) (string, error) {
	v, err := q.rdb.LIndex(ctx, list, position).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	n, err := q.rdb.LRem(ctx, list, 1, v).Result()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrNotFound
	}
	return v, nil
}

// MoveToDeadLetter appends the job to the dead-letter list, stamping the
// error metadata a dead-letter entry must carry. The payload is expected to
// have been popped from the main list already.
func (q *Queue) MoveToDeadLetter(ctx context.Context, job Job, errorReason, stage string) error {
	job.Status = StatusFailed
	job.ErrorReason = errorReason
	job.FailedAt = time.Now().UTC().Format(time.RFC3339Nano)
	job.Stage = stage
	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	return q.rdb.RPush(ctx, q.DeadLetter, payload).Err()
}

// PushRaw appends a raw payload to an arbitrary list. Operator tooling uses
// this to move entries between lists without re-encoding them.
func (q *Queue) PushRaw(ctx context.Context, list, payload string) error {
	return q.rdb.RPush(ctx, list, payload).Err()
}

// Rewrite atomically replaces the full contents of a list. Used by reorder:
// snapshot, sort, rewrite in one transaction.
func (q *Queue) Rewrite(ctx context.Context, list string, payloads []string) error {
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, list)
	for _, p := range payloads {
		pipe.RPush(ctx, list, p)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Clear drops all entries from the named list and returns how many it held.
func (q *Queue) Clear(ctx context.Context, list string) (int64, error) {
	n, err := q.rdb.LLen(ctx, list).Result()
	if err != nil {
		return 0, err
	}
	if err := q.rdb.Del(ctx, list).Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// Ping verifies connectivity for health checks.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Client exposes the underlying connection for components that need raw
// list access (reaper scan, health probes).
func (q *Queue) Client() *redis.Client {
	return q.rdb
}
