package api

import "net/http"

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

// snapshotResponse is the JSON response for POST /v1/snapshot.
type snapshotResponse struct {
	Tasks int `json:"tasks"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		s.writeError(w, http.StatusNotImplemented, "snapshot persistence is not configured")
		return
	}

	if err := s.engine.Snapshot(r.Context(), s.snapshots); err != nil {
		s.logger.Error("save snapshot", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save snapshot")
		return
	}

	s.writeJSON(w, http.StatusOK, snapshotResponse{Tasks: s.engine.Stats().Total})
}
