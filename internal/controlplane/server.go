package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/agentpool/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// busPingTimeout bounds the bus ping made by /health.
const busPingTimeout = 2 * time.Second

// Server provides the HTTP API for the pool daemon.
type Server struct {
	service  *Service
	addr     string
	version  string
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	server   *http.Server
}

// NewServer creates a new HTTP server. gatherer may be nil, in which case
// /metrics is not served.
func NewServer(service *Service, addr, version string, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		service:  service,
		addr:     addr,
		version:  version,
		gatherer: gatherer,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Task endpoints
	mux.HandleFunc("POST /tasks", s.createTask)
	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.cancelTask)
	mux.HandleFunc("POST /tasks/{id}/approve", s.approveTask)
	mux.HandleFunc("GET /tasks/{id}/attempts", s.taskAttempts)

	// Agent endpoints
	mux.HandleFunc("GET /agents", s.listAgents)
	mux.HandleFunc("POST /agents/{id}/stop", s.stopAgent)
	mux.HandleFunc("POST /agents/{id}/kill", s.killAgent)

	// Environment endpoints
	mux.HandleFunc("GET /environments", s.listEnvironments)
	mux.HandleFunc("POST /conversations/{id}/attach", s.attachConversation)
	mux.HandleFunc("POST /conversations/{id}/release", s.releaseConversation)
	mux.HandleFunc("POST /cleanup", s.runCleanup)

	mux.HandleFunc("GET /audit", s.audit)
	mux.HandleFunc("/health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	return nil
}

// --- Task Handlers ---

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	Description    string               `json:"description"`
	CodebaseID     string               `json:"codebase_id,omitempty"`
	Priority       int                  `json:"priority,omitempty"`
	TargetAgentID  string               `json:"target_agent_id,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Platform       string               `json:"platform,omitempty"`
	WorktreePath   string               `json:"worktree_path,omitempty"`
	Context        *models.TaskContext  `json:"context,omitempty"`
	Expectations   *models.Expectations `json:"expectations,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// ReasonRequest carries an optional free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.service.CancelTask(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// ApproveRequest is the body of POST /tasks/{id}/approve.
type ApproveRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) approveTask(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.ApproveTask(r.Context(), r.PathValue("id"), req.Approved, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"task_id": r.PathValue("id"), "approved": req.Approved})
}

func (s *Server) taskAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.service.Attempts(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	s.writeJSON(w, http.StatusOK, attempts)
}

// --- Agent Handlers ---

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.service.ListAgents()
	if agents == nil {
		agents = []models.Agent{}
	}
	s.writeJSON(w, http.StatusOK, agents)
}

// StopRequest is the body of POST /agents/{id}/stop.
type StopRequest struct {
	TaskID   string `json:"task_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Graceful bool   `json:"graceful"`
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	req := StopRequest{Graceful: true}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.StopAgent(r.Context(), r.PathValue("id"), req.TaskID, req.Reason, req.Graceful); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) killAgent(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.KillAgent(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

// --- Environment Handlers ---

func (s *Server) listEnvironments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	envs, err := s.service.ListEnvironments(r.Context(), q.Get("codebase"), q.Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if envs == nil {
		envs = []models.Environment{}
	}
	s.writeJSON(w, http.StatusOK, envs)
}

// AttachRequest is the body of POST /conversations/{id}/attach.
type AttachRequest struct {
	EnvID string `json:"env_id"`
}

func (s *Server) attachConversation(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	env, err := s.service.AttachConversation(r.Context(), r.PathValue("id"), req.EnvID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) releaseConversation(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.ReleaseConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) runCleanup(w http.ResponseWriter, r *http.Request) {
	rep, err := s.service.RunCleanup(r.Context(), r.URL.Query().Get("codebase"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, errors.Join(ErrBadRequest, err))
			return
		}
		limit = n
	}
	entries, err := s.service.Audit(r.Context(), q.Get("task_id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Bus     string `json:"bus"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	db, bus := s.service.Health(r.Context(), busPingTimeout)
	resp := HealthResponse{
		OK:      db == "ok" && bus == "ok",
		DB:      db,
		Bus:     bus,
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
