package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lvonguyen/sentinelforge/internal/telemetry"
	"github.com/lvonguyen/sentinelforge/internal/telemetry/ingestion"
)

// MessageIDHeader lets senders supply an idempotency key.
const MessageIDHeader = "X-Message-ID"

type ingestResponse struct {
	Status   string `json:"status"`
	SampleID string `json:"sampleId,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	res, err := s.deps.Pipeline.Process(r.Context(), ingestion.Envelope{
		Body:            body,
		ContentEncoding: r.Header.Get("Content-Encoding"),
		MessageID:       r.Header.Get(MessageIDHeader),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch res.Outcome {
	case ingestion.OutcomeRejected:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid agent credentials"})
	case ingestion.OutcomeDuplicate:
		writeJSON(w, http.StatusOK, ingestResponse{Status: string(res.Outcome)})
	default:
		var id string
		if res.Sample != nil {
			id = res.Sample.ID
		}
		writeJSON(w, http.StatusAccepted, ingestResponse{Status: string(res.Outcome), SampleID: id})
	}
}

func (s *Server) handleGetSample(w http.ResponseWriter, r *http.Request) {
	sample, err := s.deps.Samples.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// handleSampleHistory lists an agent's samples, optionally bounded by
// RFC 3339 from and to query parameters.
func (s *Server) handleSampleHistory(w http.ResponseWriter, r *http.Request) {
	from, err := parseTime(r, "from")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseTime(r, "to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	samples, err := s.deps.Samples.History(r.Context(), chi.URLParam(r, "agentId"), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if samples == nil {
		samples = []*telemetry.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"samples": samples,
		"count":   len(samples),
	})
}

func parseTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339", errBadRequest, name)
	}
	return t, nil
}
