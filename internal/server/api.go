// ABOUTME: HTTP routes and JSON handlers for health, agents, workflows and admin operations
// ABOUTME: Coordinator errors map onto status codes in one place, statusFor

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/counsel-coordinator/internal/agent"
	"github.com/2389/counsel-coordinator/internal/auth"
	"github.com/2389/counsel-coordinator/internal/channel"
	"github.com/2389/counsel-coordinator/internal/coordinator"
	"github.com/2389/counsel-coordinator/internal/health"
	"github.com/2389/counsel-coordinator/internal/store"
	"github.com/2389/counsel-coordinator/internal/workflow"
)

const maxBodyBytes = 1 << 20

// StartWorkflowRequest is the JSON request body for POST /api/workflows.
type StartWorkflowRequest struct {
	Name  string              `json:"name"`
	Steps []workflow.StepSpec `json:"steps"`
	// Run starts executing the workflow in the background after it is created.
	Run bool `json:"run,omitempty"`
}

// StartWorkflowResponse is the JSON response for POST /api/workflows.
type StartWorkflowResponse struct {
	ID      string `json:"id"`
	Running bool   `json:"running"`
}

// CreateTokenRequest is the JSON request body for POST /api/admin/tokens.
type CreateTokenRequest struct {
	PrincipalID string   `json:"principal_id"`
	Roles       []string `json:"roles"`
	ExpiresIn   string   `json:"expires_in,omitempty"` // duration, default 24h
}

// CreateTokenResponse is the JSON response for POST /api/admin/tokens.
type CreateTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// routes builds the HTTP handler. /api routes require a bearer token when
// auth is enabled; /api/admin routes also require the admin role.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health, metrics and the channel are public; the channel authenticates in-band
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.Handle("GET /ws", s.channel)
	if s.config.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("GET /api/agents", s.handleListAgents)
	api.HandleFunc("GET /api/agents/{name}/metrics", s.handleAgentMetrics)
	api.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	api.HandleFunc("POST /api/workflows", s.handleStartWorkflow)
	api.HandleFunc("GET /api/workflows/history", s.handleWorkflowHistory)
	api.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	api.HandleFunc("POST /api/workflows/{id}/advance", s.handleAdvanceWorkflow)
	api.HandleFunc("POST /api/workflows/{id}/run", s.handleRunWorkflow)
	api.HandleFunc("POST /api/workflows/{id}/cancel", s.handleCancelWorkflow)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /api/admin/agents/restart-all", s.handleRestartAll)
	admin.HandleFunc("POST /api/admin/agents/{name}/restart", s.handleRestartAgent)
	admin.HandleFunc("GET /api/admin/audit", s.handleAudit)
	admin.HandleFunc("GET /api/admin/connections", s.handleConnections)
	admin.HandleFunc("POST /api/admin/tokens", s.handleCreateToken)
	admin.HandleFunc("PUT /api/admin/roles/{principal}/{role}", s.handleGrantRole)
	admin.HandleFunc("DELETE /api/admin/roles/{principal}/{role}", s.handleRevokeRole)

	if s.tokens != nil {
		authMiddleware := auth.HTTPAuthMiddleware(s.verifier)
		adminMiddleware := auth.RequireAdminHTTP()
		mux.Handle("/api/", authMiddleware(api))
		mux.Handle("/api/admin/", authMiddleware(adminMiddleware(admin)))
		s.logger.Info("HTTP auth middleware enabled")
	} else {
		mux.Handle("/api/", api)
		mux.Handle("/api/admin/", admin)
	}
	return mux
}

// statusFor maps coordinator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, agent.ErrNotFound),
		errors.Is(err, agent.ErrUnknownAgent),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidWorkflow):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrAlreadyAdvancing),
		errors.Is(err, workflow.ErrWorkflowTerminated):
		return http.StatusConflict
	case errors.Is(err, channel.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrExecutorTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// sendError maps err and writes it. Server errors are logged, not echoed.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sendJSONError(w, status, "internal server error")
		return
	}
	sendJSONError(w, status, err.Error())
}

func decodeBody(r *http.Request, w http.ResponseWriter, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// handleHealth builds a fresh report. 503 when unhealthy or unavailable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.health.Publish()
	if err != nil {
		s.logger.Error("health report failed", "error", err)
	}
	writeJSON(w, health.HTTPStatus(report), report)
}

// handleLive returns 200 OK while the process is serving.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.GetSystemStatus(r.Context()))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.coordinator.ListAgents()})
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.coordinator.GetAgentPerformanceMetrics(r.PathValue("name"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleListWorkflows lists retained workflows; ?status=active limits it to
// running ones.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	var views []workflow.View
	if r.URL.Query().Get("status") == "active" {
		views = s.coordinator.GetActiveWorkflows()
	} else {
		views = s.coordinator.GetAllWorkflows()
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": views})
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := decodeBody(r, w, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	steps, err := workflow.ParseSteps(req.Steps)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	id, err := s.coordinator.StartWorkflow(req.Name, steps)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	if req.Run {
		s.runInBackground(id)
	}
	writeJSON(w, http.StatusCreated, StartWorkflowResponse{ID: id, Running: req.Run})
}

// runInBackground drives a workflow to completion detached from the request.
// Shutdown cancels it between steps.
func (s *Server) runInBackground(id string) {
	go func() {
		if _, err := s.coordinator.RunWorkflow(s.runCtx, id); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("background workflow run ended with error", "workflow_id", id, "error", err)
		}
	}()
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	v, err := s.coordinator.GetWorkflow(r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleAdvanceWorkflow executes one step. A failed step is still a 200; the
// result carries the failure.
func (s *Server) handleAdvanceWorkflow(w http.ResponseWriter, r *http.Request) {
	res, err := s.coordinator.AdvanceWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	v, err := s.coordinator.RunWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coordinator.CancelWorkflow(r.Context(), id); err != nil {
		s.sendError(w, r, err)
		return
	}
	v, err := s.coordinator.GetWorkflow(id)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleWorkflowHistory lists journaled runs, including ones evicted from
// memory or recorded before a restart.
func (s *Server) handleWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.WorkflowRunFilter
	if raw := q.Get("status"); raw != "" {
		st := workflow.Status(raw)
		switch st {
		case workflow.StatusPending, workflow.StatusRunning, workflow.StatusCompleted, workflow.StatusFailed:
			f.Status = &st
		default:
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
	}
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = limit

	runs, err := s.store.ListWorkflowRuns(r.Context(), f)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func queryLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// writeResult writes a restart Result with the status its error maps to.
func writeResult(w http.ResponseWriter, res coordinator.Result) {
	writeJSON(w, statusFor(res.Err), res)
}

func (s *Server) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.coordinator.RestartAgent(r.Context(), r.PathValue("name")))
}

func (s *Server) handleRestartAll(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.coordinator.RestartAllAgents(r.Context()))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.AuditFilter
	if v := q.Get("actor"); v != "" {
		f.ActorPrincipalID = &v
	}
	if v := q.Get("action"); v != "" {
		a := store.AuditAction(v)
		f.Action = &a
	}
	if v := q.Get("target_type"); v != "" {
		f.TargetType = &v
	}
	if v := q.Get("target_id"); v != "" {
		f.TargetID = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = &since
	}
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = limit

	entries, err := s.store.ListAuditLog(r.Context(), f)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connections": s.channel.Connections()})
}

// handleCreateToken issues a principal token. Only available with auth enabled.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		sendJSONError(w, http.StatusNotImplemented, "auth is disabled")
		return
	}

	var req CreateTokenRequest
	if err := decodeBody(r, w, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PrincipalID == "" {
		sendJSONError(w, http.StatusBadRequest, "principal_id is required")
		return
	}
	for _, role := range req.Roles {
		if _, err := store.ParseRoleName(role); err != nil {
			sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	expiresIn := 24 * time.Hour
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			sendJSONError(w, http.StatusBadRequest, "expires_in must be a positive duration")
			return
		}
		expiresIn = d
	}

	token, err := s.tokens.Generate(req.PrincipalID, req.Roles, expiresIn)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.audit(r.Context(), store.AuditCreateToken, req.PrincipalID, map[string]any{
		"roles":      req.Roles,
		"expires_in": expiresIn.String(),
	})
	writeJSON(w, http.StatusCreated, CreateTokenResponse{Token: token, ExpiresAt: time.Now().Add(expiresIn).UTC()})
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, store.AuditGrantRole, s.store.AddRole)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, store.AuditRevokeRole, s.store.RemoveRole)
}

type roleChange func(ctx context.Context, subjectType store.RoleSubjectType, subjectID string, role store.RoleName) error

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request, action store.AuditAction, apply roleChange) {
	principal := r.PathValue("principal")
	role, err := store.ParseRoleName(r.PathValue("role"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := apply(r.Context(), store.RoleSubjectPrincipal, principal, role); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.audit(r.Context(), action, principal, map[string]any{"role": role})

	roles, err := s.store.PrincipalRoles(r.Context(), principal)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal_id": principal, "roles": roles})
}

// audit records a principal-targeted admin action. Failures are logged only.
func (s *Server) audit(ctx context.Context, action store.AuditAction, principal string, detail map[string]any) {
	err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorPrincipalID: auth.PrincipalID(ctx),
		Action:           action,
		TargetType:       "principal",
		TargetID:         principal,
		Detail:           detail,
	})
	if err != nil {
		s.logger.Error("writing audit entry", "action", action, "error", err)
	}
}
