// Copyright 2025 James Ross
package api

import (
	"net/http"
	"time"
)

func (s *Server) handleRealtimeStart(w http.ResponseWriter, r *http.Request) {
	started := s.hub.RealTime.Start(s.monitorCtx)
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":       time.Now().UTC(),
		"started":         started,
		"already_running": !started,
	})
}

func (s *Server) handleRealtimeStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.hub.RealTime.Stop()
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":   time.Now().UTC(),
		"stopped":     stopped,
		"was_running": stopped,
	})
}

func (s *Server) handleRealtimeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":          time.Now().UTC(),
		"monitoring_active":  s.hub.RealTime.Running(),
		"broadcast_interval": s.cfg.Monitor.BroadcastInterval.Seconds(),
		"push_subscribers":   s.hub.Push.SubscriberCount(),
	})
}

func (s *Server) handleCurrentMetrics(w http.ResponseWriter, r *http.Request) {
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

func (s *Server) handleCurrentStatus(w http.ResponseWriter, r *http.Request) {
	st := s.hub.RealTime.CurrentStatus()
	if st == nil {
		writeError(w, http.StatusNotFound, "NO_STATUS", "No status collected yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC(),
		"status":    st,
		"trends":    s.hub.RealTime.StatusTrends(),
	})
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	limit := int(queryInt64(r, "limit", 50))
	writeJSON(w, http.StatusOK, envelope("history", s.hub.RealTime.MetricsHistory(limit)))
}

func (s *Server) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	limit := int(queryInt64(r, "limit", 50))
	writeJSON(w, http.StatusOK, envelope("history", s.hub.RealTime.StatusHistory(limit)))
}

func (s *Server) handleRealtimeDashboard(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"timestamp":         time.Now().UTC(),
		"monitoring_active": s.hub.RealTime.Running(),
		"metrics_trends":    s.hub.RealTime.MetricsTrends(),
		"status_trends":     s.hub.RealTime.StatusTrends(),
		"metrics_history":   s.hub.RealTime.MetricsHistory(20),
		"status_history":    s.hub.RealTime.StatusHistory(20),
	}
	if m := s.hub.RealTime.CurrentMetrics(); m != nil {
		resp["current_metrics"] = m
	}
	if st := s.hub.RealTime.CurrentStatus(); st != nil {
		resp["current_status"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebsocketInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":           time.Now().UTC(),
		"endpoint":            "/ws",
		"active_connections":  s.hub.Push.SubscriberCount(),
		"total_messages_sent": s.hub.Push.MessagesSent(),
		"message_types": []string{
			"pipeline_metrics_update",
			"system_status_update",
			"health_status_update",
			"error_alert",
			"queue_operation_completed",
			"queue_cleared",
			"queue_reordered",
			"test_broadcast",
		},
	})
}

func (s *Server) handleBroadcastTest(w http.ResponseWriter, r *http.Request) {
	s.hub.Push.Broadcast(map[string]any{
		"type":      "test_broadcast",
		"message":   "test broadcast from operator API",
		"timestamp": time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":   time.Now().UTC(),
		"success":     true,
		"subscribers": s.hub.Push.SubscriberCount(),
	})
}
