package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.List())
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	info, err := s.catalog.Get(chi.URLParam(r, "containerID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// plugHandler wraps one catalog plug transition and replies with the
// container's refreshed state.
func (s *Server) plugHandler(action string, apply func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		containerID := chi.URLParam(r, "containerID")

		if err := apply(containerID); err != nil {
			s.writeError(w, err)
			return
		}

		info, err := s.catalog.Get(containerID)
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.logger.Info("container plug transition",
			"action", action,
			"container_id", containerID,
			"status", info.Status)
		writeJSON(w, http.StatusOK, info)
	}
}
