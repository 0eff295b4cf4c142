// Copyright 2025 James Ross
package queue

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a job inside the pipeline.
type Status string

const (
	StatusScraped    Status = "scraped"
	StatusProcessing Status = "processing"
	StatusAnalyzed   Status = "analyzed"
	StatusSaved      Status = "saved"
	StatusDuplicate  Status = "duplicate"
	StatusFailed     Status = "failed"
)

// Job is the unit of work flowing through the pipeline. Known fields are
// typed; anything else a producer ships rides along in RawData.
type Job struct {
	JobID         string         `json:"job_id"`
	Title         string         `json:"title"`
	Company       string         `json:"company"`
	Location      string         `json:"location,omitempty"`
	URL           string         `json:"url,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Salary        string         `json:"salary,omitempty"`
	JobType       string         `json:"job_type,omitempty"`
	PostedDate    string         `json:"posted_date,omitempty"`
	Site          string         `json:"site,omitempty"`
	SearchKeyword string         `json:"search_keyword,omitempty"`
	ScrapedAt     string         `json:"scraped_at,omitempty"`
	RawData       map[string]any `json:"raw_data,omitempty"`

	Status        Status `json:"status,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryCount    int    `json:"retry_count"`
	QueuedAt      string `json:"queued_at,omitempty"`

	// Dead-letter bookkeeping; empty while the job is live.
	ErrorReason string `json:"error_reason,omitempty"`
	FailedAt    string `json:"failed_at,omitempty"`
	Stage       string `json:"stage,omitempty"`

	AnalysisData map[string]any `json:"analysis_data,omitempty"`
}

func NewJob(title, company, url string) Job {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return Job{
		Title:     title,
		Company:   company,
		URL:       url,
		Status:    StatusScraped,
		ScrapedAt: now,
		QueuedAt:  now,
		RawData:   map[string]any{},
	}
}

// ContentHash keys duplicate detection: lowercase title+company+url.
func (j Job) ContentHash() string {
	content := strings.ToLower(j.Title) + strings.ToLower(j.Company) + j.URL
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ToMap renders the job as the loose map shape the analyzer contract takes.
func (j Job) ToMap() map[string]any {
	b, err := json.Marshal(j)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}
