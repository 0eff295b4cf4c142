// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jobrelay/jobrelay/internal/queuemgr"
)

type batchOperationRequest struct {
	Operation string `json:"operation"`
	Positions []int  `json:"positions"`
	Source    string `json:"source"`
	Target    string `json:"target,omitempty"`
}

type reorderRequest struct {
	QueueType   string `json:"queue_type"`
	Criterion   string `json:"criterion,omitempty"`
	Permutation []int  `json:"permutation,omitempty"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.hub.QueueMgr.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUEUE_STATS", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueContents(w http.ResponseWriter, r *http.Request) {
	queueType := r.URL.Query().Get("type")
	if queueType == "" {
		queueType = "main"
	}
	if queueType != "main" && queueType != "deadletter" {
		writeError(w, http.StatusBadRequest, "BAD_QUEUE_TYPE", "type must be main or deadletter")
		return
	}
	offset := queryInt64(r, "offset", 0)
	limit := queryInt64(r, "limit", 50)
	contents, err := s.hub.QueueMgr.Contents(r.Context(), queueType, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUEUE_CONTENTS", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, contents)
}

func (s *Server) handleBatchOperation(w http.ResponseWriter, r *http.Request) {
	var req batchOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_BODY", "Invalid request body")
		return
	}
	switch req.Operation {
	case queuemgr.OpDelete, queuemgr.OpRetry, queuemgr.OpMoveToMain, queuemgr.OpMoveToDeadLetter:
	default:
		writeError(w, http.StatusBadRequest, "BAD_OPERATION", "Unknown batch operation")
		return
	}
	if len(req.Positions) == 0 {
		writeError(w, http.StatusBadRequest, "NO_POSITIONS", "positions must be non-empty")
		return
	}
	if req.Source == "" {
		req.Source = "main"
	}
	result, err := s.hub.QueueMgr.BatchOperation(r.Context(), req.Operation, req.Positions, req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BATCH_OPERATION", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	queueType := r.URL.Query().Get("type")
	if queueType == "" {
		queueType = "deadletter"
	}
	if queueType != "main" && queueType != "deadletter" {
		writeError(w, http.StatusBadRequest, "BAD_QUEUE_TYPE", "type must be main or deadletter")
		return
	}
	n, err := s.hub.QueueMgr.Clear(r.Context(), queueType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUEUE_CLEAR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":  time.Now().UTC(),
		"queue_type": queueType,
		"cleared":    n,
	})
}

func (s *Server) handleQueueReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_BODY", "Invalid request body")
		return
	}
	if req.QueueType == "" {
		req.QueueType = "main"
	}
	if len(req.Permutation) == 0 {
		switch req.Criterion {
		case "priority", "retry_count", "queued_at":
		default:
			writeError(w, http.StatusBadRequest, "BAD_CRITERION", "criterion must be priority, retry_count or queued_at")
			return
		}
	}
	if err := s.hub.QueueMgr.Reorder(r.Context(), req.QueueType, req.Criterion, req.Permutation); err != nil {
		writeError(w, http.StatusBadRequest, "QUEUE_REORDER", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":  time.Now().UTC(),
		"queue_type": req.QueueType,
		"criterion":  req.Criterion,
		"success":    true,
	})
}

func (s *Server) handleOperationHistory(w http.ResponseWriter, r *http.Request) {
	limit := int(queryInt64(r, "limit", 50))
	writeJSON(w, http.StatusOK, envelope("operations", s.hub.QueueMgr.OperationHistory(limit)))
}

func (s *Server) handleQueueDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.hub.QueueMgr.Stats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUEUE_DASHBOARD", err.Error())
		return
	}
	main, err := s.hub.QueueMgr.Contents(ctx, "main", 0, 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUEUE_DASHBOARD", err.Error())
		return
	}
	dl, err := s.hub.QueueMgr.Contents(ctx, "deadletter", 0, 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUEUE_DASHBOARD", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":          time.Now().UTC(),
		"stats":              stats,
		"main_preview":       main,
		"deadletter_preview": dl,
		"recent_operations":  s.hub.QueueMgr.OperationHistory(10),
	})
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.hub.QueueMgr.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUEUE_HEALTH", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":               time.Now().UTC(),
		"queue_health":            stats.QueueHealth,
		"main_queue_length":       stats.MainQueueLength,
		"deadletter_queue_length": stats.DeadletterQueueLength,
	})
}
