// Copyright 2025 James Ross
package errorviz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jobrelay/jobrelay/internal/obs"
	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/jobrelay/jobrelay/internal/store"
	"go.uber.org/zap"
)

// JobError is one dead-letter entry in the shape the analytics work on.
// Corrupted payloads still come through, tagged data_corruption, so no
// failure ever disappears from the analytics.
type JobError struct {
	JobID         string `json:"job_id"`
	Title         string `json:"title"`
	Company       string `json:"company"`
	ErrorType     string `json:"error_type"`
	ErrorMessage  string `json:"error_message"`
	FailedAt      string `json:"failed_at"`
	RetryCount    int    `json:"retry_count"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Stage         string `json:"stage,omitempty"`
	RawPayload    string `json:"raw_payload,omitempty"`
}

// ErrorSummary aggregates the current dead-letter population.
type ErrorSummary struct {
	Timestamp        time.Time        `json:"timestamp"`
	TotalErrors      int              `json:"total_errors"`
	ErrorRatePercent float64          `json:"error_rate_percent"`
	CriticalErrors   int              `json:"critical_errors"`
	RecentErrors     int              `json:"recent_errors"`
	TopErrorTypes    []ErrorTypeCount `json:"top_error_types"`
	ErrorTrend       string           `json:"error_trend"`
}

type ErrorTypeCount struct {
	Type       string  `json:"type"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// ErrorBreakdown is the per-type slice of a failed-jobs analysis.
type ErrorBreakdown struct {
	Count     int        `json:"count"`
	Retryable bool       `json:"retryable"`
	Examples  []JobError `json:"examples"`
}

// FailedJobsAnalysis is the full dead-letter breakdown.
type FailedJobsAnalysis struct {
	Timestamp           time.Time                 `json:"timestamp"`
	TotalAnalyzed       int                       `json:"total_analyzed"`
	ErrorBreakdown      map[string]ErrorBreakdown `json:"error_breakdown"`
	StageFailures       map[string]int            `json:"stage_failures"`
	CompanyFailures     map[string]int            `json:"company_failures"`
	TimeDistribution    map[string]int            `json:"time_distribution"`
	RetryAnalysis       map[string]int            `json:"retry_analysis"`
	CorrelationClusters map[string]int            `json:"correlation_clusters"`
	RecoverySuggestions []string                  `json:"recovery_suggestions"`
}

// TimelineBucket is one hour of error history.
type TimelineBucket struct {
	Hour        string         `json:"hour"`
	TotalErrors int            `json:"total_errors"`
	ErrorTypes  map[string]int `json:"error_types"`
}

// Timeline is hourly buckets over a trailing window.
type Timeline struct {
	Timestamp time.Time        `json:"timestamp"`
	Hours     int              `json:"hours"`
	Buckets   []TimelineBucket `json:"buckets"`
	Trend     string           `json:"trend"`
}

// RelatedError links a dead-letter entry to others sharing a trace, company
// or failure class.
type RelatedError struct {
	JobID        string `json:"job_id"`
	Title        string `json:"title"`
	Company      string `json:"company"`
	ErrorType    string `json:"error_type"`
	FailedAt     string `json:"failed_at"`
	RelationType string `json:"relation_type"`
}

// ErrorDetails is one entry plus its context.
type ErrorDetails struct {
	Error           JobError       `json:"error"`
	Retryable       bool           `json:"retryable"`
	SuggestedAction string         `json:"suggested_action"`
	RelatedErrors   []RelatedError `json:"related_errors"`
}

var criticalErrorTypes = map[string]bool{
	"database_save_failed":      true,
	"database_connection_failed": true,
	"connection_failed":         true,
	"system_resource_exhausted": true,
	"authentication_failed":     true,
	"rate_limit_exceeded":       true,
	"permission_denied":         true,
}

var nonRetryableErrorTypes = map[string]bool{
	"data_corruption":         true,
	"missing_required_fields": true,
	"suitability_failed":      true,
	"authentication_failed":   true,
	"permission_denied":       true,
}

// timestampLayouts are tried in order when parsing dead-letter timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Manager reads the dead-letter list and produces error analytics.
type Manager struct {
	q     *queue.Queue
	store *store.Store
	log   *zap.Logger
}

func NewManager(q *queue.Queue, st *store.Store, log *zap.Logger) *Manager {
	return &Manager{q: q, store: st, log: log}
}

// deadLetterErrors pages raw entries off the dead-letter list and decodes
// them defensively.
func (m *Manager) deadLetterErrors(ctx context.Context, limit int64) ([]JobError, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := m.q.Range(ctx, m.q.DeadLetter, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("read dead-letter list: %w", err)
	}
	out := make([]JobError, 0, len(raws))
	for _, raw := range raws {
		out = append(out, decodeEntry(raw))
	}
	return out, nil
}

func decodeEntry(raw string) JobError {
	job, err := queue.UnmarshalJob(raw)
	if err != nil || (job.Title == "" && job.Company == "" && job.ErrorReason == "") {
		payload := raw
		if len(payload) > 512 {
			payload = payload[:512]
		}
		return JobError{
			JobID:        "unknown",
			Title:        "corrupted entry",
			ErrorType:    "data_corruption",
			ErrorMessage: "entry could not be decoded",
			FailedAt:     time.Now().UTC().Format(time.RFC3339),
			RawPayload:   payload,
		}
	}
	et := job.ErrorReason
	if et == "" {
		et = "unknown"
	}
	return JobError{
		JobID:         job.JobID,
		Title:         job.Title,
		Company:       job.Company,
		ErrorType:     et,
		ErrorMessage:  job.ErrorReason,
		FailedAt:      job.FailedAt,
		RetryCount:    job.RetryCount,
		CorrelationID: job.CorrelationID,
		Stage:         job.Stage,
	}
}

// ParseTimestamp decodes with decreasing strictness, defaulting to now so a
// malformed timestamp still lands in a bucket rather than vanishing.
func ParseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// Summary builds the headline error statistics.
func (m *Manager) Summary(ctx context.Context) (ErrorSummary, error) {
	errors, err := m.deadLetterErrors(ctx, 500)
	if err != nil {
		return ErrorSummary{}, err
	}

	totalJobs := int64(1)
	dbFailed := int64(0)
	if stats, serr := m.store.GetJobStats(ctx); serr == nil {
		totalJobs = stats.TotalJobs
		dbFailed = stats.FailedJobs
	} else {
		m.log.Warn("store stats unavailable for error summary", obs.Err(serr))
	}

	total := len(errors) + int(dbFailed)
	rate := 0.0
	if totalJobs > 0 {
		rate = float64(total) / float64(totalJobs) * 100
	}

	counts := map[string]int{}
	critical := 0
	recentCutoff := time.Now().Add(-time.Hour)
	recent := 0
	for _, e := range errors {
		counts[e.ErrorType]++
		if e.RetryCount > 2 || criticalErrorTypes[e.ErrorType] {
			critical++
		}
		if ParseTimestamp(e.FailedAt).After(recentCutoff) {
			recent++
		}
	}

	top := topTypes(counts, total, 5)

	return ErrorSummary{
		Timestamp:        time.Now().UTC(),
		TotalErrors:      total,
		ErrorRatePercent: round2(rate),
		CriticalErrors:   critical,
		RecentErrors:     recent,
		TopErrorTypes:    top,
		ErrorTrend:       m.errorTrend(errors),
	}, nil
}

func topTypes(counts map[string]int, total, n int) []ErrorTypeCount {
	out := make([]ErrorTypeCount, 0, len(counts))
	for t, c := range counts {
		pct := 0.0
		if total > 0 {
			pct = round2(float64(c) / float64(total) * 100)
		}
		out = append(out, ErrorTypeCount{Type: t, Count: c, Percentage: pct})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// errorTrend compares the last hour against the hour before it.
func (m *Manager) errorTrend(errors []JobError) string {
	now := time.Now()
	oneHourAgo := now.Add(-time.Hour)
	twoHoursAgo := now.Add(-2 * time.Hour)

	recent, previous := 0, 0
	for _, e := range errors {
		t := ParseTimestamp(e.FailedAt)
		switch {
		case t.After(oneHourAgo):
			recent++
		case t.After(twoHoursAgo):
			previous++
		}
	}
	if previous == 0 {
		if recent == 0 {
			return "stable"
		}
		return "increasing"
	}
	change := float64(recent-previous) / float64(previous) * 100
	switch {
	case change > 20:
		return "increasing"
	case change < -20:
		return "decreasing"
	default:
		return "stable"
	}
}

// FailedJobs produces the full dead-letter breakdown.
func (m *Manager) FailedJobs(ctx context.Context, limit int64) (FailedJobsAnalysis, error) {
	errors, err := m.deadLetterErrors(ctx, limit)
	if err != nil {
		return FailedJobsAnalysis{}, err
	}

	a := FailedJobsAnalysis{
		Timestamp:           time.Now().UTC(),
		TotalAnalyzed:       len(errors),
		ErrorBreakdown:      map[string]ErrorBreakdown{},
		StageFailures:       map[string]int{},
		CompanyFailures:     map[string]int{},
		TimeDistribution:    map[string]int{},
		RetryAnalysis:       map[string]int{},
		CorrelationClusters: map[string]int{},
	}

	for _, e := range errors {
		bd := a.ErrorBreakdown[e.ErrorType]
		bd.Count++
		bd.Retryable = !nonRetryableErrorTypes[e.ErrorType]
		if len(bd.Examples) < 3 {
			bd.Examples = append(bd.Examples, e)
		}
		a.ErrorBreakdown[e.ErrorType] = bd

		if e.Stage != "" {
			a.StageFailures[e.Stage]++
		}
		if e.Company != "" {
			a.CompanyFailures[e.Company]++
		}
		hour := ParseTimestamp(e.FailedAt).Format("2006-01-02T15:00")
		a.TimeDistribution[hour]++
		a.RetryAnalysis[fmt.Sprintf("%d_retries", e.RetryCount)]++
		if e.CorrelationID != "" {
			a.CorrelationClusters[e.CorrelationID]++
		}
	}

	// Correlation clusters only matter when more than one entry shares a trace.
	for cid, n := range a.CorrelationClusters {
		if n < 2 {
			delete(a.CorrelationClusters, cid)
		}
	}

	a.RecoverySuggestions = recoverySuggestions(a)
	return a, nil
}

func recoverySuggestions(a FailedJobsAnalysis) []string {
	var out []string

	highRetry := 0
	for label, count := range a.RetryAnalysis {
		var n int
		if _, err := fmt.Sscanf(label, "%d_retries", &n); err == nil && n >= 3 {
			highRetry += count
		}
	}
	if highRetry > 5 {
		out = append(out, "Consider reviewing retry logic - many jobs failing after multiple retries")
	}

	var maxStage string
	var maxStageCount int
	for stage, n := range a.StageFailures {
		if n > maxStageCount {
			maxStage, maxStageCount = stage, n
		}
	}
	if maxStageCount > 10 {
		out = append(out, fmt.Sprintf("High failure rate in %s stage - investigate stage-specific issues", maxStage))
	}

	var maxCompany string
	var maxCompanyCount int
	for company, n := range a.CompanyFailures {
		if n > maxCompanyCount {
			maxCompany, maxCompanyCount = company, n
		}
	}
	if maxCompanyCount > 5 {
		out = append(out, fmt.Sprintf("Multiple failures for %s - check company-specific processing", maxCompany))
	}

	for errType, bd := range a.ErrorBreakdown {
		if bd.Count > 10 {
			switch {
			case containsFold(errType, "connection"):
				out = append(out, "Network connectivity issues detected - check service availability")
			case containsFold(errType, "validation") || errType == "missing_required_fields":
				out = append(out, "Data validation failures - review input data quality")
			}
		}
	}

	if len(out) == 0 {
		out = append(out, "Error patterns appear normal - continue monitoring")
	}
	return out
}

// ErrorTimeline builds hourly buckets over the trailing window.
func (m *Manager) ErrorTimeline(ctx context.Context, hours int) (Timeline, error) {
	if hours <= 0 {
		hours = 24
	}
	errors, err := m.deadLetterErrors(ctx, 1000)
	if err != nil {
		return Timeline{}, err
	}

	now := time.Now().UTC().Truncate(time.Hour)
	buckets := make([]TimelineBucket, hours)
	index := map[string]int{}
	for i := 0; i < hours; i++ {
		h := now.Add(-time.Duration(hours-1-i) * time.Hour)
		key := h.Format("2006-01-02T15:00")
		buckets[i] = TimelineBucket{Hour: key, ErrorTypes: map[string]int{}}
		index[key] = i
	}

	for _, e := range errors {
		key := ParseTimestamp(e.FailedAt).UTC().Truncate(time.Hour).Format("2006-01-02T15:00")
		if i, ok := index[key]; ok {
			buckets[i].TotalErrors++
			buckets[i].ErrorTypes[e.ErrorType]++
		}
	}

	return Timeline{
		Timestamp: time.Now().UTC(),
		Hours:     hours,
		Buckets:   buckets,
		Trend:     timelineTrend(buckets),
	}, nil
}

// timelineTrend compares the halves of the bucket series; a 25% move counts.
func timelineTrend(buckets []TimelineBucket) string {
	if len(buckets) < 2 {
		return "insufficient_data"
	}
	mid := len(buckets) / 2
	first, second := 0, 0
	for _, b := range buckets[:mid] {
		first += b.TotalErrors
	}
	for _, b := range buckets[mid:] {
		second += b.TotalErrors
	}
	firstAvg := float64(first) / float64(mid)
	secondAvg := float64(second) / float64(len(buckets)-mid)
	if firstAvg == 0 {
		if secondAvg == 0 {
			return "stable"
		}
		return "increasing"
	}
	change := (secondAvg - firstAvg) / firstAvg * 100
	switch {
	case change > 25:
		return "increasing"
	case change < -25:
		return "decreasing"
	default:
		return "stable"
	}
}

// Details looks one failed job up and gathers its related errors.
func (m *Manager) Details(ctx context.Context, jobID string) (*ErrorDetails, error) {
	errors, err := m.deadLetterErrors(ctx, 500)
	if err != nil {
		return nil, err
	}
	var target *JobError
	for i := range errors {
		if errors[i].JobID == jobID {
			target = &errors[i]
			break
		}
	}
	if target == nil {
		return nil, nil
	}

	var related []RelatedError
	for _, e := range errors {
		if e.JobID == target.JobID {
			continue
		}
		rel := relationType(*target, e)
		if rel == "" {
			continue
		}
		related = append(related, RelatedError{
			JobID:        e.JobID,
			Title:        e.Title,
			Company:      e.Company,
			ErrorType:    e.ErrorType,
			FailedAt:     e.FailedAt,
			RelationType: rel,
		})
		if len(related) >= 10 {
			break
		}
	}

	return &ErrorDetails{
		Error:           *target,
		Retryable:       !nonRetryableErrorTypes[target.ErrorType],
		SuggestedAction: suggestedAction(*target),
		RelatedErrors:   related,
	}, nil
}

func relationType(a, b JobError) string {
	switch {
	case a.CorrelationID != "" && a.CorrelationID == b.CorrelationID:
		return "same_correlation_id"
	case a.Company != "" && a.Company == b.Company:
		return "same_company"
	case a.ErrorType == b.ErrorType:
		return "same_error_type"
	default:
		return ""
	}
}

func suggestedAction(e JobError) string {
	switch {
	case e.ErrorType == "missing_required_fields":
		return "Check data source for missing job information"
	case e.ErrorType == "suitability_failed":
		return "Review job filtering criteria"
	case e.RetryCount > 3:
		return "Manual review required - multiple retry failures"
	case containsFold(e.ErrorType, "connection"):
		return "Check network connectivity and service availability"
	default:
		return "Review error details and consider manual intervention"
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
