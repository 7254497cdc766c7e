package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/agent"
	"github.com/lvonguyen/sentinelforge/internal/alert"
	"github.com/lvonguyen/sentinelforge/internal/telemetry"
	"github.com/lvonguyen/sentinelforge/internal/telemetry/normalization"
)

// errBadRequest marks request parsing failures.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrNotFound),
		errors.Is(err, alert.ErrNotFound),
		errors.Is(err, telemetry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrAlreadyExists),
		errors.Is(err, agent.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, agent.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, agent.ErrInvalidRequest),
		errors.Is(err, alert.ErrInvalidStatus),
		errors.Is(err, normalization.ErrMalformed),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}

// writeError maps err to a status and writes {"error": ...}. Unexpected
// errors are logged and their detail withheld from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "service unavailable"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
