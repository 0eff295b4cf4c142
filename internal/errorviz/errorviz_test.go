// Copyright 2025 James Ross
package errorviz

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/jobrelay/jobrelay/internal/store"
)

func setupManager(t *testing.T) (*Manager, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb, "jobs:test")
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(q, st, zap.NewNop()), q
}

func deadLetter(t *testing.T, q *queue.Queue, title, company, reason, stage, cid string, retries int, failedAt time.Time) {
	t.Helper()
	job := queue.NewJob(title, company, "u-"+title)
	job.JobID = "job-" + title
	job.CorrelationID = cid
	job.RetryCount = retries
	job.ErrorReason = reason
	job.FailedAt = failedAt.UTC().Format(time.RFC3339)
	job.Stage = stage
	job.Status = queue.StatusFailed
	payload, err := job.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := q.PushRaw(context.Background(), q.DeadLetter, payload); err != nil {
		t.Fatal(err)
	}
}

func TestSummaryCountsAndTopTypes(t *testing.T) {
	m, q := setupManager(t)
	ctx := context.Background()
	now := time.Now()

	deadLetter(t, q, "A", "Acme", "missing_required_fields", "processing", "c1", 0, now)
	deadLetter(t, q, "B", "Acme", "missing_required_fields", "processing", "c2", 0, now)
	deadLetter(t, q, "C", "Beta", "suitability_failed", "processing", "c3", 0, now.Add(-3*time.Hour))
	deadLetter(t, q, "D", "Beta", "database_save_failed", "storage", "c4", 4, now)

	summary, err := m.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalErrors != 4 {
		t.Fatalf("total errors = %d, want 4", summary.TotalErrors)
	}
	if summary.TopErrorTypes[0].Type != "missing_required_fields" || summary.TopErrorTypes[0].Count != 2 {
		t.Fatalf("top type = %+v", summary.TopErrorTypes[0])
	}
	// Only D is critical: database_save_failed is a critical class and its
	// retry count of 4 also qualifies, but the entry counts once.
	if summary.CriticalErrors != 1 {
		t.Fatalf("critical errors = %d, want 1", summary.CriticalErrors)
	}
	if summary.RecentErrors != 3 {
		t.Fatalf("recent errors = %d, want 3", summary.RecentErrors)
	}
}

func TestCorruptedEntryBecomesSynthetic(t *testing.T) {
	m, q := setupManager(t)
	ctx := context.Background()

	if err := q.PushRaw(ctx, q.DeadLetter, "!!!garbage"); err != nil {
		t.Fatal(err)
	}
	errors, err := m.deadLetterErrors(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(errors) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(errors))
	}
	if errors[0].ErrorType != "data_corruption" {
		t.Fatalf("error type = %q, want data_corruption", errors[0].ErrorType)
	}
	if errors[0].RawPayload == "" {
		t.Fatal("raw payload must be preserved on synthetic entries")
	}
}

func TestFailedJobsAnalysisBuckets(t *testing.T) {
	m, q := setupManager(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		deadLetter(t, q, string(rune('a'+i)), "Acme", "suitability_failed", "processing", "shared-cid", 1, now)
	}
	deadLetter(t, q, "z", "Beta", "database_save_failed", "storage", "solo-cid", 0, now)

	a, err := m.FailedJobs(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if a.TotalAnalyzed != 4 {
		t.Fatalf("analyzed = %d, want 4", a.TotalAnalyzed)
	}
	if a.ErrorBreakdown["suitability_failed"].Count != 3 {
		t.Fatalf("suitability count = %d", a.ErrorBreakdown["suitability_failed"].Count)
	}
	if a.ErrorBreakdown["suitability_failed"].Retryable {
		t.Fatal("suitability_failed must be non-retryable")
	}
	if a.StageFailures["processing"] != 3 || a.StageFailures["storage"] != 1 {
		t.Fatalf("stage failures = %v", a.StageFailures)
	}
	if a.CompanyFailures["Acme"] != 3 {
		t.Fatalf("company failures = %v", a.CompanyFailures)
	}
	if a.CorrelationClusters["shared-cid"] != 3 {
		t.Fatalf("correlation clusters = %v", a.CorrelationClusters)
	}
	if _, ok := a.CorrelationClusters["solo-cid"]; ok {
		t.Fatal("singleton correlation ids are not clusters")
	}
	if a.RetryAnalysis["1_retries"] != 3 {
		t.Fatalf("retry analysis = %v", a.RetryAnalysis)
	}
	if len(a.RecoverySuggestions) == 0 {
		t.Fatal("expected recovery suggestions")
	}
}

func TestErrorTimelineBucketsAndTrend(t *testing.T) {
	m, q := setupManager(t)
	ctx := context.Background()
	now := time.Now()

	// Recent burst, quiet earlier window.
	for i := 0; i < 6; i++ {
		deadLetter(t, q, string(rune('a'+i)), "Acme", "suitability_failed", "processing", "", 0, now)
	}
	deadLetter(t, q, "old", "Acme", "suitability_failed", "processing", "", 0, now.Add(-20*time.Hour))

	tl, err := m.ErrorTimeline(ctx, 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(tl.Buckets) != 24 {
		t.Fatalf("buckets = %d, want 24", len(tl.Buckets))
	}
	total := 0
	for _, b := range tl.Buckets {
		total += b.TotalErrors
	}
	if total != 7 {
		t.Fatalf("bucketed errors = %d, want 7", total)
	}
	if tl.Trend != "increasing" {
		t.Fatalf("trend = %q, want increasing", tl.Trend)
	}
}

func TestTimelineTrendInsufficientData(t *testing.T) {
	if got := timelineTrend([]TimelineBucket{{TotalErrors: 1}}); got != "insufficient_data" {
		t.Fatalf("trend = %q, want insufficient_data", got)
	}
}

func TestDetailsWithRelatedErrors(t *testing.T) {
	m, q := setupManager(t)
	ctx := context.Background()
	now := time.Now()

	deadLetter(t, q, "target", "Acme", "suitability_failed", "processing", "cid-x", 1, now)
	deadLetter(t, q, "sibling", "Acme", "missing_required_fields", "processing", "cid-x", 0, now)
	deadLetter(t, q, "cousin", "Acme", "database_save_failed", "storage", "cid-y", 0, now)
	deadLetter(t, q, "stranger", "Zeta", "suitability_failed", "processing", "cid-z", 0, now)

	details, err := m.Details(ctx, "job-target")
	if err != nil {
		t.Fatal(err)
	}
	if details == nil {
		t.Fatal("expected details")
	}
	if details.Error.ErrorType != "suitability_failed" {
		t.Fatalf("error type = %q", details.Error.ErrorType)
	}
	if details.Retryable {
		t.Fatal("suitability_failed is non-retryable")
	}
	if details.SuggestedAction == "" {
		t.Fatal("expected a suggested action")
	}

	relations := map[string]string{}
	for _, r := range details.RelatedErrors {
		relations[r.JobID] = r.RelationType
	}
	if relations["job-sibling"] != "same_correlation_id" {
		t.Fatalf("sibling relation = %q", relations["job-sibling"])
	}
	if relations["job-cousin"] != "same_company" {
		t.Fatalf("cousin relation = %q", relations["job-cousin"])
	}
	if relations["job-stranger"] != "same_error_type" {
		t.Fatalf("stranger relation = %q", relations["job-stranger"])
	}

	missing, err := m.Details(ctx, "no-such-job")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("expected nil for unknown job id")
	}
}

func TestParseTimestampFallbacks(t *testing.T) {
	if got := ParseTimestamp("2025-06-01T10:00:00Z"); got.Hour() != 10 {
		t.Fatalf("RFC3339 parse failed: %v", got)
	}
	if got := ParseTimestamp("2025-06-01 10:00:00"); got.Hour() != 10 {
		t.Fatalf("space layout parse failed: %v", got)
	}
	before := time.Now().Add(-time.Minute)
	got := ParseTimestamp("not a timestamp")
	if got.Before(before) {
		t.Fatalf("unparseable timestamp must default to now, got %v", got)
	}
}
