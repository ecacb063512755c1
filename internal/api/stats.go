package api

import (
	"net/http"

	"github.com/seantiz/offload/internal/offload"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	Failed           int            `json:"failed"`
	CallbackFailures int            `json:"callback_failures"`
	AvgWorkMS        float64        `json:"avg_work_ms"`
	Live             offload.Stats  `json:"live"`
	JournalDropped   uint64         `json:"journal_dropped"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("get submission stats")
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:            stats.Total,
		ByStatus:         stats.CountByStatus,
		Failed:           stats.Failed,
		CallbackFailures: stats.CallbackFailures,
		AvgWorkMS:        stats.AvgWorkMS,
		Live:             s.bridge.Stats(),
		JournalDropped:   s.journal.Dropped(),
	})
}
