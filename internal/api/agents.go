package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/agent"
)

// AgentKeyHeader carries the agent credential on heartbeats.
const AgentKeyHeader = "X-Agent-Key"

type heartbeatRequest struct {
	AgentID string `json:"agentId"`
}

type heartbeatResponse struct {
	AgentID string       `json:"agentId"`
	Status  agent.Status `json:"status"`
	Message string       `json:"message"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req agent.RegistrationRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = clientAddr(r)
	}

	reg, err := s.deps.Registry.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.Validator.Heartbeat(r.Context(), req.AgentID, r.Header.Get(AgentKeyHeader))
	if s.deps.Metrics != nil {
		s.deps.Metrics.AgentHeartbeats.WithLabelValues(heartbeatResult(err)).Inc()
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{
		AgentID: res.AgentID,
		Status:  res.Status,
		Message: "Heartbeat recorded",
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAgents(w, agents)
}

func (s *Server) handleAgentsByStatus(w http.ResponseWriter, r *http.Request) {
	status, err := agent.ParseStatus(strings.ToUpper(chi.URLParam(r, "status")))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	agents, err := s.deps.Registry.ListByStatus(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAgents(w, agents)
}

func (s *Server) handleStaleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.Stale(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAgents(w, agents)
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Registry.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"byStatus": stats,
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Registry.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Registry.Details(a))
}

func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	s.transitionAgent(w, r, s.deps.Registry.Revoke)
}

func (s *Server) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	s.transitionAgent(w, r, s.deps.Registry.Deactivate)
}

func (s *Server) transitionAgent(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id string) (*agent.Agent, error)) {
	a, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Registry.Details(a))
}

func (s *Server) writeAgents(w http.ResponseWriter, agents []*agent.Agent) {
	out := make([]agent.Details, 0, len(agents))
	for _, a := range agents {
		out = append(out, s.deps.Registry.Details(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": out,
		"count":  len(out),
	})
}

// decode reads a JSON body bounded by the configured size.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Debug("Invalid request body", zap.Error(err))
		return fmt.Errorf("%w: invalid request body", errBadRequest)
	}
	return nil
}

func heartbeatResult(err error) string {
	switch statusFor(err) {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "unknown_agent"
	}
	if err != nil {
		return "error"
	}
	return "ok"
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
