package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lvonguyen/sentinelforge/internal/alert"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.Filter{AgentID: q.Get("agentId")}

	if v := q.Get("status"); v != "" {
		status, err := alert.ParseStatus(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Status = status
	}
	if v := q.Get("severity"); v != "" {
		severity, ok := alert.ParseSeverity(v)
		if !ok {
			s.writeError(w, r, fmt.Errorf("%w: unknown severity %q", errBadRequest, v))
			return
		}
		f.Severity = severity
	}

	alerts, err := s.deps.Alerts.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*alert.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	status, err := alert.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Alerts.UpdateStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Alerts.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
