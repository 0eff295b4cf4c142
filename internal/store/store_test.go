// Copyright 2025 James Ross
package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jobrelay/jobrelay/internal/queue"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"), 5)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddJobInsertThenDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := queue.NewJob("X", "Y", "u4")
	res, err := s.AddJob(ctx, job)
	require.NoError(t, err)
	require.Equal(t, Inserted, res)

	res, err = s.AddJob(ctx, job)
	require.NoError(t, err)
	require.Equal(t, Duplicate, res)

	n, err := s.GetJobCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestAddJobConcurrentSameHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := queue.NewJob("Racer", "Acme", "u-race")

	const writers = 8
	results := make([]AddResult, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.AddJob(ctx, job)
		}(i)
	}
	wg.Wait()

	inserted := 0
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		if results[i] == Inserted {
			inserted++
		}
	}
	require.Equal(t, 1, inserted, "exactly one concurrent insert must win")

	n, err := s.GetJobCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestLookupByHashRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := queue.NewJob("Data Analyst", "Acme", "u1")
	job.Status = queue.StatusSaved
	job.AnalysisData = map[string]any{"seniority": "mid"}
	job.RawData = map[string]any{"novel_field": "kept"}

	_, err := s.AddJob(ctx, job)
	require.NoError(t, err)

	rec, err := s.LookupByHash(ctx, job.ContentHash())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "Data Analyst", rec.Title)
	require.Equal(t, "mid", rec.AnalysisData["seniority"])
	require.Equal(t, "kept", rec.RawData["novel_field"])
	require.False(t, rec.Applied)

	missing, err := s.LookupByHash(ctx, "no-such-hash")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestGetJobStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	saved := queue.NewJob("A", "Acme", "u1")
	saved.Status = queue.StatusSaved
	_, err := s.AddJob(ctx, saved)
	require.NoError(t, err)

	failed := queue.NewJob("B", "Acme", "u2")
	failed.Status = queue.StatusFailed
	_, err = s.AddJob(ctx, failed)
	require.NoError(t, err)

	stats, err := s.GetJobStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.TotalJobs)
	require.EqualValues(t, 1, stats.FailedJobs)
	require.EqualValues(t, 2, stats.JobsToday)
}
