// Copyright 2025 James Ross
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

func (s *Server) handleErrorSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.hub.Errors.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ERROR_SUMMARY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt64(r, "limit", 100)
	analysis, err := s.hub.Errors.FailedJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "FAILED_JOBS", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleErrorTimeline(w http.ResponseWriter, r *http.Request) {
	hours := int(queryInt64(r, "hours", 24))
	if hours > 168 {
		writeError(w, http.StatusBadRequest, "BAD_HOURS", "hours must be at most 168")
		return
	}
	timeline, err := s.hub.Errors.ErrorTimeline(r.Context(), hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ERROR_TIMELINE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (s *Server) handleErrorDetails(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	details, err := s.hub.Errors.Details(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ERROR_DETAILS", err.Error())
		return
	}
	if details == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No failed job with that id")
		return
	}
	writeJSON(w, http.StatusOK, envelope("details", details))
}

// handleErrorPatterns exposes the correlation and company clusters of the
// failed-jobs analysis on their own endpoint.
func (s *Server) handleErrorPatterns(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.hub.Errors.FailedJobs(r.Context(), 500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ERROR_PATTERNS", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":            time.Now().UTC(),
		"correlation_clusters": analysis.CorrelationClusters,
		"company_failures":     analysis.CompanyFailures,
		"stage_failures":       analysis.StageFailures,
		"retry_analysis":       analysis.RetryAnalysis,
	})
}

func (s *Server) handleErrorCategories(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.hub.Errors.FailedJobs(r.Context(), 500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ERROR_CATEGORIES", err.Error())
		return
	}
	categories := map[string]any{}
	for errType, bd := range analysis.ErrorBreakdown {
		categories[errType] = map[string]any{
			"count":     bd.Count,
			"retryable": bd.Retryable,
		}
	}
	writeJSON(w, http.StatusOK, envelope("categories", categories))
}

func (s *Server) handleErrorDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	summary, err := s.hub.Errors.Summary(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ERROR_DASHBOARD", err.Error())
		return
	}
	timeline, err := s.hub.Errors.ErrorTimeline(ctx, 24)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ERROR_DASHBOARD", err.Error())
		return
	}
	analysis, err := s.hub.Errors.FailedJobs(ctx, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ERROR_DASHBOARD", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC(),
		"summary":   summary,
		"timeline":  timeline,
		"analysis":  analysis,
	})
}

func (s *Server) handleErrorHealthImpact(w http.ResponseWriter, r *http.Request) {
	summary, err := s.hub.Errors.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "HEALTH_IMPACT", err.Error())
		return
	}
	impact := "low"
	switch {
	case summary.CriticalErrors > 10 || summary.ErrorRatePercent > 25:
		impact = "high"
	case summary.CriticalErrors > 0 || summary.ErrorRatePercent > 10:
		impact = "medium"
	}
	resp := map[string]any{
		"timestamp":          time.Now().UTC(),
		"impact":             impact,
		"error_rate_percent": summary.ErrorRatePercent,
		"critical_errors":    summary.CriticalErrors,
		"error_trend":        summary.ErrorTrend,
	}
	if snap := s.hub.Health.Current(); snap != nil {
		resp["overall_health"] = snap.OverallStatus
	}
	writeJSON(w, http.StatusOK, resp)
}
