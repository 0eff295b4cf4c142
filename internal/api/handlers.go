// Copyright 2025 James Ross
package api

import (
	"net/http"
	"strconv"
	"time"
)

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connected := s.hub.Queue.Ping(ctx) == nil
	resp := map[string]any{
		"timestamp": time.Now().UTC(),
		"connected": connected,
	}
	if connected {
		if n, err := s.hub.Queue.Length(ctx, s.hub.Queue.MainKey); err == nil {
			resp["main_queue_length"] = n
		}
		if n, err := s.hub.Queue.Length(ctx, s.hub.Queue.DeadLetter); err == nil {
			resp["deadletter_queue_length"] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	offset := queryInt64(r, "offset", 0)
	limit := queryInt64(r, "limit", 50)
	contents, err := s.hub.QueueMgr.Contents(r.Context(), "deadletter", offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUEUE_READ", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, contents)
}

func (s *Server) handlePipelineHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.hub.Health.Current()
	if snap == nil {
		// No background check has run yet; do one inline.
		fresh := s.hub.Health.Check(r.Context())
		snap = &fresh
	}
	writeJSON(w, http.StatusOK, envelope("health", snap))
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	limit := int(queryInt64(r, "limit", 20))
	writeJSON(w, http.StatusOK, envelope("history", s.hub.Health.History(limit)))
}

func (s *Server) handlePipelineMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.hub.RealTime.CurrentMetrics()
	if m == nil {
		writeError(w, http.StatusNotFound, "NO_METRICS", "No metrics collected yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC(),
		"metrics":   m,
		"trends":    s.hub.RealTime.MetricsTrends(),
	})
}

func (s *Server) handleLiveStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"timestamp":          time.Now().UTC(),
		"monitoring_active":  s.hub.RealTime.Running(),
		"push_subscribers":   s.hub.Push.SubscriberCount(),
	}
	if m := s.hub.RealTime.CurrentMetrics(); m != nil {
		resp["metrics"] = m
	}
	if st := s.hub.RealTime.CurrentStatus(); st != nil {
		resp["status"] = st
	}
	if snap := s.hub.Health.Current(); snap != nil {
		resp["overall_health"] = snap.OverallStatus
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}
