package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/procwatch/internal/history"
	"go.uber.org/zap"
)

// handleHistory returns stored samples filtered by source, metric, since,
// until (RFC 3339) and limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		NotFound(w, "history is disabled", r.URL.Path)
		return
	}

	q := r.URL.Query()
	query := history.Query{
		Source: q.Get("source"),
		Metric: q.Get("metric"),
	}
	for name, dst := range map[string]*time.Time{"since": &query.Since, "until": &query.Until} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			BadRequest(w, "invalid "+name+": "+err.Error(), r.URL.Path)
			return
		}
		*dst = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			BadRequest(w, "invalid limit", r.URL.Path)
			return
		}
		query.Limit = n
	}

	samples, err := s.deps.History.Query(r.Context(), query)
	if err != nil {
		s.logger.Error("history query failed", zap.Error(err))
		InternalError(w, "history query failed", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}
