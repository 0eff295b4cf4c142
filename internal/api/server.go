// Copyright 2025 James Ross
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/jobrelay/jobrelay/internal/errorviz"
	"github.com/jobrelay/jobrelay/internal/health"
	"github.com/jobrelay/jobrelay/internal/monitor"
	"github.com/jobrelay/jobrelay/internal/queue"
	"github.com/jobrelay/jobrelay/internal/queuemgr"
	"github.com/jobrelay/jobrelay/internal/store"
	"github.com/jobrelay/jobrelay/internal/wshub"
	"go.uber.org/zap"
)

// Hub bundles the observability components the HTTP layer serves. One hub is
// constructed at startup and shared; nothing here is a process-wide global.
type Hub struct {
	Queue    *queue.Queue
	Store    *store.Store
	Health   *health.Monitor
	RealTime *monitor.RealTime
	Errors   *errorviz.Manager
	QueueMgr *queuemgr.Manager
	Push     *wshub.Hub
}

// Server is the operator-facing request/response plane plus the push
// channel upgrade endpoint.
type Server struct {
	cfg    *config.Config
	hub    *Hub
	logger *zap.Logger
	server *http.Server

	// monitorCtx parents the real-time sampling loops started over the API.
	monitorCtx context.Context
}

func NewServer(cfg *config.Config, hub *Hub, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, hub: hub, logger: logger, monitorCtx: context.Background()}
}

// SetMonitorContext sets the parent context for API-started monitor loops.
func (s *Server) SetMonitorContext(ctx context.Context) { s.monitorCtx = ctx }

// Start starts the API server and blocks until shutdown.
func (s *Server) Start() error {
	handler := s.Routes()

	s.server = &http.Server{
		Addr:         s.cfg.API.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.API.ReadTimeout,
		WriteTimeout: s.cfg.API.WriteTimeout,
	}
	s.logger.Info("starting API server", zap.String("addr", s.cfg.API.ListenAddr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Routes builds the full router (exported for tests).
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.hub.Push.ServeWS)

	api := r.PathPrefix("/api").Subrouter()

	redis := api.PathPrefix("/redis").Subrouter()
	redis.HandleFunc("/queue-status", s.handleQueueStatus).Methods(http.MethodGet)
	redis.HandleFunc("/dead-letter", s.handleDeadLetter).Methods(http.MethodGet)

	hc := api.PathPrefix("/health").Subrouter()
	hc.HandleFunc("/pipeline-health", s.handlePipelineHealth).Methods(http.MethodGet)
	hc.HandleFunc("/history", s.handleHealthHistory).Methods(http.MethodGet)

	pl := api.PathPrefix("/pipeline").Subrouter()
	pl.HandleFunc("/metrics", s.handlePipelineMetrics).Methods(http.MethodGet)
	pl.HandleFunc("/live-stats", s.handleLiveStats).Methods(http.MethodGet)

	er := api.PathPrefix("/errors").Subrouter()
	er.HandleFunc("/summary", s.handleErrorSummary).Methods(http.MethodGet)
	er.HandleFunc("/failed-jobs", s.handleFailedJobs).Methods(http.MethodGet)
	er.HandleFunc("/timeline", s.handleErrorTimeline).Methods(http.MethodGet)
	er.HandleFunc("/patterns", s.handleErrorPatterns).Methods(http.MethodGet)
	er.HandleFunc("/categories", s.handleErrorCategories).Methods(http.MethodGet)
	er.HandleFunc("/dashboard-data", s.handleErrorDashboard).Methods(http.MethodGet)
	er.HandleFunc("/health-impact", s.handleErrorHealthImpact).Methods(http.MethodGet)
	er.HandleFunc("/job/{id}", s.handleErrorDetails).Methods(http.MethodGet)

	qm := api.PathPrefix("/queue").Subrouter()
	qm.HandleFunc("/stats", s.handleQueueStats).Methods(http.MethodGet)
	qm.HandleFunc("/contents", s.handleQueueContents).Methods(http.MethodGet)
	qm.HandleFunc("/batch-operation", s.handleBatchOperation).Methods(http.MethodPost)
	qm.HandleFunc("/clear", s.handleQueueClear).Methods(http.MethodDelete)
	qm.HandleFunc("/reorder", s.handleQueueReorder).Methods(http.MethodPost)
	qm.HandleFunc("/operations/history", s.handleOperationHistory).Methods(http.MethodGet)
	qm.HandleFunc("/dashboard-data", s.handleQueueDashboard).Methods(http.MethodGet)
	qm.HandleFunc("/health", s.handleQueueHealth).Methods(http.MethodGet)

	rt := api.PathPrefix("/realtime").Subrouter()
	rt.HandleFunc("/start", s.handleRealtimeStart).Methods(http.MethodPost)
	rt.HandleFunc("/stop", s.handleRealtimeStop).Methods(http.MethodPost)
	rt.HandleFunc("/status", s.handleRealtimeStatus).Methods(http.MethodGet)
	rt.HandleFunc("/current-metrics", s.handleCurrentMetrics).Methods(http.MethodGet)
	rt.HandleFunc("/current-status", s.handleCurrentStatus).Methods(http.MethodGet)
	rt.HandleFunc("/metrics-history", s.handleMetricsHistory).Methods(http.MethodGet)
	rt.HandleFunc("/status-history", s.handleStatusHistory).Methods(http.MethodGet)
	rt.HandleFunc("/dashboard-data", s.handleRealtimeDashboard).Methods(http.MethodGet)
	rt.HandleFunc("/websocket-info", s.handleWebsocketInfo).Methods(http.MethodGet)
	rt.HandleFunc("/broadcast-test", s.handleBroadcastTest).Methods(http.MethodPost)

	var handler http.Handler = r
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware()(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":     message,
		"code":      code,
		"timestamp": time.Now().UTC(),
	})
}

// envelope stamps a payload with the response timestamp.
func envelope(key string, v any) map[string]any {
	return map[string]any{
		"timestamp": time.Now().UTC(),
		key:         v,
	}
}
