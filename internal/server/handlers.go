package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/security"
	"github.com/ricesearch/recserve/internal/rec"
)

// maxBodyBytes bounds a predict request body.
const maxBodyBytes = 1 << 20

// PredictRequest is the body of POST /recommendations/predict.
type PredictRequest struct {
	Context rec.UserContext `json:"context"`
	// K is optional; omitted means rec.DefaultK.
	K *int `json:"k,omitempty"`
}

// PredictResponse is the successful predict reply.
type PredictResponse struct {
	Items     []rec.RankedItem `json:"items"`
	LatencyMs float64          `json:"latency_ms"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req PredictRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		errors.WriteError(w, errors.InvalidRequestError("invalid JSON body: "+err.Error()))
		return
	}

	k := rec.DefaultK
	if req.K != nil {
		k = *req.K
	}

	items, err := s.service.Recommend(r.Context(), req.Context, k)
	if err != nil {
		l := s.log.WithContext(r.Context()).With(
			"user_id", security.SanitizeForLog(req.Context.UserID),
			"attributes", security.MaskSensitiveMap(req.Context.Attributes),
		)
		if errors.IsValidation(err) {
			l.Debug("Rejected recommendation request", "error", err)
		} else {
			l.Warn("Recommendation failed", "code", errors.Code(err), "error", err)
		}
		errors.WriteError(w, err)
		return
	}
	if items == nil {
		items = []rec.RankedItem{}
	}

	writeJSON(w, http.StatusOK, PredictResponse{
		Items:     items,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing useful to do with an encode error.
	_ = json.NewEncoder(w).Encode(v)
}
