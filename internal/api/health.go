package api

import (
	"net/http"

	"github.com/cmjester6421/neo-refined/internal/model"
)

// healthResponse carries liveness plus a coarse view of engine load so
// monitors can alert on a wedged queue without scraping /metrics.
type healthResponse struct {
	Status        string `json:"status"`
	Tasks         int    `json:"tasks"`
	Running       int    `json:"running"`
	QueueDepth    int    `json:"queue_depth"`
	ActiveWorkers int    `json:"active_workers"`
	MaxWorkers    int    `json:"max_workers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Stats()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Tasks:         st.Total,
		Running:       st.CountByStatus[model.StatusRunning],
		QueueDepth:    st.QueueDepth,
		ActiveWorkers: st.ActiveWorkers,
		MaxWorkers:    s.engine.MaxWorkers(),
	})
}
