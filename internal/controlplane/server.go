package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/lockwarden/internal/conflict"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
	lwotel "github.com/fentz26/lockwarden/internal/otel"
	"github.com/fentz26/lockwarden/internal/routing"
	"github.com/fentz26/lockwarden/internal/tasks"
)

// Server provides the HTTP API.
type Server struct {
	service *Service
	addr    string
	hub     *Hub
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
		hub:     NewHub(service.Bus(), service.logger),
		logger:  service.logger,
	}
}

// Handler returns the routed handler, wrapped with tracing and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/snapshot", s.handleSnapshot)

	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/agents/", s.handleAgentByID)

	mux.HandleFunc("/locks", s.handleLocks)
	mux.HandleFunc("/locks/", s.handleLockByID)
	mux.HandleFunc("/queue", s.handleQueue)

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/dispatch", s.handleDispatch)

	mux.HandleFunc("/conflicts", s.handleConflicts)
	mux.HandleFunc("/conflicts/", s.handleConflictByID)

	mux.HandleFunc("/activity", s.handleActivity)
	mux.HandleFunc("/routing", s.handleRouting)
	mux.HandleFunc("/routing/infer", s.handleInfer)

	mux.Handle("/ws", s.hub)

	return s.instrument(mux)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	s.logger.Info("serving API", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets the WebSocket upgrader reach the hijacker.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		route := routeOf(r.URL.Path)
		ctx, span := lwotel.StartServerSpan(r.Context(), s.service.tracer, r.Method+" "+route)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.End()
		s.service.metrics.RecordHTTP(ctx, route, rec.status, time.Since(start))
	})
}

// routeOf collapses ids so metrics keep a bounded label set.
func routeOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 {
		parts[1] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: http.StatusBadRequest})
}

func notFound(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: what + " not found", Code: http.StatusNotFound})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed", Code: http.StatusMethodNotAllowed})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid json")
		return false
	}
	return true
}

// splitID turns /prefix/{id}/{action} into id and action.
func splitID(path, prefix string) (string, string) {
	parts := strings.SplitN(strings.TrimPrefix(path, prefix), "/", 2)
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	return id, action
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// --- Health and views ---

// HealthResponse is returned by /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	resp := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if s.service.Store() == nil {
		resp.DB = "disabled"
	} else if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Stats())
}

// handleSnapshot returns the bounded dashboard view, or the complete state
// with ?full=true.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if queryBool(r, "full") {
		writeJSON(w, http.StatusOK, s.service.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, s.service.View(queryInt(r, "activity", 50)))
}

// --- Agents ---

type registerRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.ListAgents())
	case http.MethodPost:
		var req registerRequest
		if !decode(w, r, &req) {
			return
		}
		agent, err := s.service.RegisterAgent(r.Context(), req.AgentID, req.Capabilities)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, agent)
	default:
		methodNotAllowed(w)
	}
}

// handleAgentByID handles /agents/{id}/*
func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitID(r.URL.Path, "/agents/")
	if id == "" {
		badRequest(w, "agent id required")
		return
	}

	var (
		agent models.Agent
		err   error
	)
	switch {
	case action == "" && r.Method == http.MethodGet:
		a, ok := s.service.GetAgent(id)
		if !ok {
			notFound(w, "agent")
			return
		}
		writeJSON(w, http.StatusOK, a)
		return
	case action == "heartbeat" && r.Method == http.MethodPost:
		agent, err = s.service.Heartbeat(id)
	case action == "error" && r.Method == http.MethodPost:
		var req reasonRequest
		if !decode(w, r, &req) {
			return
		}
		agent, err = s.service.ReportAgentError(r.Context(), id, req.Reason)
	case action == "recover" && r.Method == http.MethodPost:
		agent, err = s.service.RecoverAgent(id)
	default:
		notFound(w, "route")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// --- Locks ---

type lockRequest struct {
	AgentID        string            `json:"agent_id"`
	ResourceID     string            `json:"resource_id"`
	LockType       models.LockType   `json:"lock_type,omitempty"`
	LockLevel      models.LockLevel  `json:"lock_level"`
	Priority       int               `json:"priority"`
	Intent         string            `json:"intent,omitempty"`
	TTLSec         int               `json:"ttl_sec,omitempty"`
	Strategy       models.Strategy   `json:"conflict_strategy,omitempty"`
	TaskID         string            `json:"task_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	WaitTimeoutSec int               `json:"wait_timeout_sec,omitempty"`
	Preempt        bool              `json:"preempt,omitempty"`
}

type lockActionRequest struct {
	AgentID  string `json:"agent_id"`
	ExtraSec int    `json:"extra_sec,omitempty"`
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		f := locks.Filter{
			AgentID:  q.Get("agent"),
			Resource: q.Get("resource"),
			TaskID:   q.Get("task"),
			Status:   models.LockStatus(q.Get("status")),
		}
		writeJSON(w, http.StatusOK, lockViews(s.service.ListLocks(f, queryBool(r, "all"))))
	case http.MethodPost:
		var req lockRequest
		if !decode(w, r, &req) {
			return
		}
		if req.LockLevel == "" {
			req.LockLevel = models.LockLevelWrite
		}
		res, err := s.service.RequestLock(r.Context(), locks.Request{
			AgentID:     req.AgentID,
			ResourceID:  req.ResourceID,
			LockType:    req.LockType,
			Level:       req.LockLevel,
			Priority:    req.Priority,
			Intent:      req.Intent,
			TTL:         seconds(req.TTLSec),
			Strategy:    req.Strategy,
			TaskID:      req.TaskID,
			Metadata:    req.Metadata,
			WaitTimeout: seconds(req.WaitTimeoutSec),
			Preempt:     req.Preempt,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if res.Outcome == locks.OutcomeGranted {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
	default:
		methodNotAllowed(w)
	}
}

// handleLockByID handles /locks/{id}/*
func (s *Server) handleLockByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitID(r.URL.Path, "/locks/")
	if id == "" {
		badRequest(w, "lock id required")
		return
	}
	if action == "" && r.Method == http.MethodGet {
		l, ok := s.service.GetLock(id)
		if !ok {
			notFound(w, "lock")
			return
		}
		writeJSON(w, http.StatusOK, LockView{Lock: l, Indicator: l.Indicator()})
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req lockActionRequest
	if !decode(w, r, &req) {
		return
	}
	var (
		out any
		err error
	)
	switch action {
	case "release":
		out, err = s.service.ReleaseLock(r.Context(), req.AgentID, id)
	case "renew":
		out, err = s.service.RenewLock(r.Context(), req.AgentID, id, seconds(req.ExtraSec))
	case "cancel":
		out, err = s.service.CancelLock(r.Context(), req.AgentID, id)
	default:
		notFound(w, "route")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleQueue returns the promotion order for a resource's family.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	queue, err := s.service.LockQueue(r.URL.Query().Get("resource"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lockViews(queue))
}

// --- Tasks ---

type taskRequest struct {
	ID                   string           `json:"task_id,omitempty"`
	TaskType             string           `json:"task_type"`
	Description          string           `json:"description"`
	Resources            []string         `json:"resources"`
	Dependencies         []string         `json:"dependencies,omitempty"`
	RequiredCapabilities []string         `json:"required_capabilities,omitempty"`
	LockLevel            models.LockLevel `json:"lock_level,omitempty"`
	Priority             int              `json:"priority"`
	Strategy             models.Strategy  `json:"conflict_strategy,omitempty"`
	EstimatedSec         int              `json:"estimated_duration_sec,omitempty"`
}

type assignRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

type progressRequest struct {
	Progress int `json:"progress"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := tasks.Filter{
			Status:  models.TaskStatus(r.URL.Query().Get("status")),
			AgentID: r.URL.Query().Get("agent"),
		}
		writeJSON(w, http.StatusOK, nonNil(s.service.ListTasks(f)))
	case http.MethodPost:
		var req taskRequest
		if !decode(w, r, &req) {
			return
		}
		task, err := s.service.SubmitTask(r.Context(), tasks.Spec{
			ID:                   req.ID,
			TaskType:             req.TaskType,
			Description:          req.Description,
			Resources:            req.Resources,
			Dependencies:         req.Dependencies,
			RequiredCapabilities: req.RequiredCapabilities,
			LockLevel:            req.LockLevel,
			Priority:             req.Priority,
			Strategy:             req.Strategy,
			EstimatedDuration:    seconds(req.EstimatedSec),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		methodNotAllowed(w)
	}
}

// handleTaskByID handles /tasks/{id}/*
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitID(r.URL.Path, "/tasks/")
	if id == "" {
		badRequest(w, "task id required")
		return
	}
	if action == "" && r.Method == http.MethodGet {
		t, ok := s.service.GetTask(id)
		if !ok {
			notFound(w, "task")
			return
		}
		writeJSON(w, http.StatusOK, t)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var (
		out any
		err error
	)
	switch action {
	case "assign":
		var req assignRequest
		if !decode(w, r, &req) {
			return
		}
		out, err = s.service.AssignTask(r.Context(), id, req.AgentIDs)
	case "start":
		out, err = s.service.StartTask(r.Context(), id)
	case "complete":
		var req tasks.Outcome
		if !decode(w, r, &req) {
			return
		}
		out, err = s.service.CompleteTask(r.Context(), id, req)
	case "progress":
		var req progressRequest
		if !decode(w, r, &req) {
			return
		}
		out, err = s.service.UpdateProgress(id, req.Progress)
	default:
		notFound(w, "route")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.service.Dispatch(queryInt(r, "limit", 0))))
}

// --- Conflicts ---

type resolveRequest struct {
	Decision conflict.Decision `json:"decision"`
	Note     string            `json:"note,omitempty"`
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	f := conflict.Filter{
		Unresolved: queryBool(r, "open"),
		Type:       models.ConflictType(r.URL.Query().Get("type")),
		AgentID:    r.URL.Query().Get("agent"),
	}
	writeJSON(w, http.StatusOK, nonNil(s.service.ListConflicts(f)))
}

// handleConflictByID handles /conflicts/{id}/*
func (s *Server) handleConflictByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitID(r.URL.Path, "/conflicts/")
	if id == "" {
		badRequest(w, "conflict id required")
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		c, ok := s.service.GetConflict(id)
		if !ok {
			notFound(w, "conflict")
			return
		}
		writeJSON(w, http.StatusOK, c)
	case action == "resolve" && r.Method == http.MethodPost:
		var req resolveRequest
		if !decode(w, r, &req) {
			return
		}
		c, err := s.service.ResolveConflict(r.Context(), id, req.Decision, req.Note)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	default:
		notFound(w, "route")
	}
}

// --- Activity and routing ---

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	writeJSON(w, http.StatusOK, s.service.Activity(since, queryInt(r, "limit", 100)))
}

// RoutingResponse describes the active capability rules.
type RoutingResponse struct {
	Config     *routing.Config `json:"config"`
	Strategies []string        `json:"strategies"`
}

func (s *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, RoutingResponse{
		Config:     s.service.Router().Config(),
		Strategies: sortedStrategies(s.service.Strategies()),
	})
}

// handleInfer dry-runs capability inference for a task.
func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req routing.Task
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.service.Router().Route(req))
}
