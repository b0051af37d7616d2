package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/services"
)

const maxBodyBytes = 1 << 20

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	service *api.Service
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:    strings.TrimSpace(cfg.API.Bind),
		logger:  logging.NewComponentLogger(logger, "api-server"),
		daemon:  d,
		service: d.service,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", srv.handleStatus)

	mux.HandleFunc("POST /api/pipelines", srv.handleCreatePipeline)
	mux.HandleFunc("GET /api/pipelines/{id}", srv.handleGetPipeline)
	mux.HandleFunc("POST /api/pipelines/{id}/advance", srv.handleAdvance)
	mux.HandleFunc("POST /api/pipelines/{id}/rollback", srv.handleRollback)
	mux.HandleFunc("POST /api/pipelines/{id}/stages/{stage}/artifacts", srv.handleAddArtifact)
	mux.HandleFunc("PUT /api/pipelines/{id}/notifications", srv.handleSetPrefs)
	mux.HandleFunc("POST /api/pipelines/{id}/rules/evaluate", srv.handleEvaluateRules)

	mux.HandleFunc("GET /api/projects/{project}/pipeline", srv.handleGetProjectPipeline)
	mux.HandleFunc("GET /api/projects/{project}/history", srv.handleProjectHistory)
	mux.HandleFunc("GET /api/projects/{project}/performance", srv.handlePerformance)

	mux.HandleFunc("POST /api/checkpoints", srv.handleCreateCheckpoint)
	mux.HandleFunc("POST /api/checkpoints/bulk-approve", srv.handleBulkApprove)
	mux.HandleFunc("POST /api/checkpoints/{id}/approve", srv.handleApprove)
	mux.HandleFunc("POST /api/checkpoints/{id}/reject", srv.handleReject)

	mux.HandleFunc("GET /api/users/{user}/reviews", srv.handlePendingReviews)
	mux.HandleFunc("GET /api/users/{user}/inbox", srv.handleInbox)
	mux.HandleFunc("POST /api/users/{user}/inbox/read", srv.handleMarkRead)

	mux.HandleFunc("GET /api/metrics/stages/{stage}", srv.handleStageMetrics)
	mux.HandleFunc("GET /api/metrics/report", srv.handleReport)

	mux.HandleFunc("GET /api/rules", srv.handleListRules)
	mux.HandleFunc("POST /api/rules", srv.handleCreateRule)
	mux.HandleFunc("POST /api/rules/import", srv.handleImportRules)

	mux.HandleFunc("GET /api/jobs", srv.handleListJobs)
	mux.HandleFunc("GET /api/watch", srv.handleWatch)

	root := http.NewServeMux()
	root.Handle("/api/", authMiddleware(cfg.API.Token, mux))
	root.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	srv.handler = srv.withRequestID(root)
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return errors.New("api bind address is empty")
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "api server error", "api_serve_failed", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
	}
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req api.CreatePipelineRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.service.CreatePipeline(r.Context(), req.ProjectID, req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *apiServer) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.GetPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "pipeline not found")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *apiServer) handleGetProjectPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.GetPipelineByProject(r.Context(), r.PathValue("project"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "project has no pipeline")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *apiServer) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req api.AdvanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.service.AdvanceToNextStage(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req api.RollbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.service.RollbackToPreviousStage(r.Context(), r.PathValue("id"), req.Target, req.Actor, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *apiServer) handleAddArtifact(w http.ResponseWriter, r *http.Request) {
	var req api.ArtifactRequest
	if !s.decode(w, r, &req) {
		return
	}
	artifact, err := s.service.AddArtifact(r.Context(), r.PathValue("id"), r.PathValue("stage"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, artifact)
}

func (s *apiServer) handleSetPrefs(w http.ResponseWriter, r *http.Request) {
	var req api.NotificationPrefs
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.SetNotificationPrefs(r.Context(), r.PathValue("id"), req); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleEvaluateRules(w http.ResponseWriter, r *http.Request) {
	var req api.EvaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	report, err := s.service.EvaluateRules(r.Context(), r.PathValue("id"), req.Stage, req.Context)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *apiServer) handleProjectHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.intQuery(w, r, "limit")
	if !ok {
		return
	}
	history, err := s.service.GetProjectHistory(r.Context(), r.PathValue("project"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *apiServer) handlePerformance(w http.ResponseWriter, r *http.Request) {
	rows, err := s.service.GetStagePerformanceMetrics(r.Context(), r.PathValue("project"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "project has no pipeline")
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *apiServer) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req api.CheckpointRequest
	if !s.decode(w, r, &req) {
		return
	}
	cp, err := s.service.CreateCheckpoint(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cp)
}

func (s *apiServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req api.DecisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.service.ApproveCheckpoint(r.Context(), r.PathValue("id"), req.Actor, req.Feedback)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleReject(w http.ResponseWriter, r *http.Request) {
	var req api.DecisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.service.RejectCheckpoint(r.Context(), r.PathValue("id"), req.Actor, req.Feedback)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	var req api.BulkApproveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "validation", "ids are required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.service.BulkApproveCheckpoints(r.Context(), req.IDs, req.Actor))
}

func (s *apiServer) handlePendingReviews(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.PendingReviews(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *apiServer) handleInbox(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.intQuery(w, r, "limit")
	if !ok {
		return
	}
	list, err := s.service.UnreadNotifications(r.Context(), r.PathValue("user"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *apiServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req api.MarkReadRequest
	if !s.decode(w, r, &req) {
		return
	}
	changed, err := s.service.MarkNotificationsRead(r.Context(), r.PathValue("user"), req.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MarkReadResponse{Changed: changed})
}

func (s *apiServer) handleStageMetrics(w http.ResponseWriter, r *http.Request) {
	since, until, ok := s.windowQuery(w, r)
	if !ok {
		return
	}
	m, err := s.service.GetStageMetrics(r.Context(), r.PathValue("stage"), since, until)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *apiServer) handleReport(w http.ResponseWriter, r *http.Request) {
	since, until, ok := s.windowQuery(w, r)
	if !ok {
		return
	}
	report, err := s.service.GeneratePipelineReport(r.Context(), since, until)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *apiServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.service.ListRules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rules)
}

func (s *apiServer) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req api.RuleRequest
	if !s.decode(w, r, &req) {
		return
	}
	rule, err := s.service.CreateAutomationRule(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *apiServer) handleImportRules(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "validation", "owner is required")
		return
	}
	res, err := s.service.ImportRules(r.Context(), io.LimitReader(r.Body, maxBodyBytes), owner)
	if err != nil {
		s.fail(w, r, services.Wrap(services.ErrValidation, "api", "import rules", "read document", err))
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.ListJobs(r.Context(), strings.TrimSpace(r.URL.Query().Get("status")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *apiServer) intQuery(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid %s %q", key, raw))
		return 0, false
	}
	return n, true
}

func (s *apiServer) windowQuery(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	var bounds [2]time.Time
	for i, key := range []string{"since", "until"} {
		raw := strings.TrimSpace(r.URL.Query().Get(key))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid %s %q: expected RFC3339", key, raw))
			return time.Time{}, time.Time{}, false
		}
		bounds[i] = t
	}
	return bounds[0], bounds[1], true
}

// statusFor maps error kinds to HTTP statuses.
func statusFor(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "invalid_transition", "duplicate_decision", "conflict":
		return http.StatusConflict
	case "unauthorized":
		return http.StatusForbidden
	case "validation":
		return http.StatusBadRequest
	case "transient":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind, message := services.Details(err)
	status := statusFor(kind)
	logger := logging.WithContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logger, "api request failed", "api_request_failed",
			logging.String("path", r.URL.Path),
			logging.String("kind", kind),
			logging.Error(err),
		)
	} else {
		logger.Debug("api request rejected",
			logging.String("path", r.URL.Path),
			logging.String("kind", kind),
			logging.String("reason", message),
		)
	}
	s.writeError(w, status, kind, message)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message, Kind: kind})
}
