// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jobrelay/jobrelay/internal/queue"
)

// AddResult is the outcome of an AddJob call.
type AddResult int

const (
	Inserted AddResult = iota
	Duplicate
)

// Stats summarizes the stored job population.
type Stats struct {
	TotalJobs   int64 `json:"total_jobs"`
	AppliedJobs int64 `json:"applied_jobs"`
	FailedJobs  int64 `json:"failed_jobs"`
	PendingJobs int64 `json:"pending_jobs"`
	JobsToday   int64 `json:"jobs_today"`
}

// Record is the canonical stored form of a job.
type Record struct {
	ContentHash  string         `json:"content_hash"`
	JobID        string         `json:"job_id"`
	Title        string         `json:"title"`
	Company      string         `json:"company"`
	Location     string         `json:"location"`
	URL          string         `json:"url"`
	Summary      string         `json:"summary"`
	Salary       string         `json:"salary"`
	JobType      string         `json:"job_type"`
	PostedDate   string         `json:"posted_date"`
	Site         string         `json:"site"`
	SearchKeyword string        `json:"search_keyword"`
	ScrapedAt    string         `json:"scraped_at"`
	Status       string         `json:"status"`
	Applied      bool           `json:"applied"`
	AnalysisData map[string]any `json:"analysis_data"`
	RawData      map[string]any `json:"raw_data"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Store persists finalized jobs in SQLite, deduplicating on content hash.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    content_hash  TEXT PRIMARY KEY,
    job_id        TEXT,
    title         TEXT NOT NULL,
    company       TEXT NOT NULL,
    location      TEXT,
    url           TEXT,
    summary       TEXT,
    salary        TEXT,
    job_type      TEXT,
    posted_date   TEXT,
    site          TEXT,
    search_keyword TEXT,
    scraped_at    TEXT,
    status        TEXT,
    applied       INTEGER NOT NULL DEFAULT 0,
    analysis_data TEXT,
    raw_data      TEXT,
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_job_id ON jobs(job_id);
CREATE INDEX IF NOT EXISTS idx_jobs_title ON jobs(title);
CREATE INDEX IF NOT EXISTS idx_jobs_company ON jobs(company);
CREATE INDEX IF NOT EXISTS idx_jobs_site ON jobs(site);
CREATE INDEX IF NOT EXISTS idx_jobs_scraped_at ON jobs(scraped_at);
`

// Open opens (creating if needed) the SQLite database at path. ":memory:"
// opens a throwaway in-memory store.
func Open(path string, poolSize int) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	}
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	if path == ":memory:" {
		// Shared cache keeps the pool's connections on one database.
		dsn = "file::memory:?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if poolSize < 1 {
		poolSize = 5
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// AddJob persists the job, deduplicating on content hash. Under concurrent
// inserts of the same hash, exactly one caller sees Inserted; the rest see
// Duplicate. Unknown producer fields survive in raw_data.
func (s *Store) AddJob(ctx context.Context, job queue.Job) (AddResult, error) {
	hash := job.ContentHash()
	now := time.Now().UTC()

	analysis, err := json.Marshal(job.AnalysisData)
	if err != nil {
		return 0, fmt.Errorf("encode analysis data: %w", err)
	}
	raw, err := json.Marshal(job.RawData)
	if err != nil {
		return 0, fmt.Errorf("encode raw data: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO jobs (
            content_hash, job_id, title, company, location, url, summary,
            salary, job_type, posted_date, site, search_keyword, scraped_at,
            status, applied, analysis_data, raw_data, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
        ON CONFLICT(content_hash) DO NOTHING`,
		hash, job.JobID, job.Title, job.Company, job.Location, job.URL,
		job.Summary, job.Salary, job.JobType, job.PostedDate, job.Site,
		job.SearchKeyword, job.ScrapedAt, string(job.Status),
		string(analysis), string(raw), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Inserted, nil
}

// GetJobCount returns the total number of stored jobs.
func (s *Store) GetJobCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	return n, err
}

// GetJobStats returns aggregate counts for the monitoring plane.
func (s *Store) GetJobStats(ctx context.Context) (Stats, error) {
	var st Stats
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(CASE WHEN applied = 1 THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN status NOT IN ('saved', 'failed', 'duplicate') THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0)
        FROM jobs`, dayStart).
		Scan(&st.TotalJobs, &st.AppliedJobs, &st.FailedJobs, &st.PendingJobs, &st.JobsToday)
	if err != nil {
		return Stats{}, fmt.Errorf("query job stats: %w", err)
	}
	return st, nil
}

// LookupByHash fetches a stored record by content hash.
func (s *Store) LookupByHash(ctx context.Context, hash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT content_hash, job_id, title, company, location, url, summary,
               salary, job_type, posted_date, site, search_keyword, scraped_at,
               status, applied, analysis_data, raw_data, created_at, updated_at
        FROM jobs WHERE content_hash = ?`, hash)

	var rec Record
	var applied int
	var analysis, raw string
	err := row.Scan(&rec.ContentHash, &rec.JobID, &rec.Title, &rec.Company,
		&rec.Location, &rec.URL, &rec.Summary, &rec.Salary, &rec.JobType,
		&rec.PostedDate, &rec.Site, &rec.SearchKeyword, &rec.ScrapedAt,
		&rec.Status, &applied, &analysis, &raw, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup by hash: %w", err)
	}
	rec.Applied = applied != 0
	if analysis != "" {
		_ = json.Unmarshal([]byte(analysis), &rec.AnalysisData)
	}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &rec.RawData)
	}
	return &rec, nil
}

// Ping verifies the store is reachable for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Connected reports reachability as a plain bool for status snapshots.
func (s *Store) Connected(ctx context.Context) bool {
	return s.Ping(ctx) == nil
}

// ClassifyError maps a store failure to an error taxonomy label.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "locked") || strings.Contains(msg, "busy"):
		return "database_connection_failed"
	case strings.Contains(msg, "no such table") || strings.Contains(msg, "readonly"):
		return "database_save_failed"
	default:
		return "database_save_failed"
	}
}
