package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stc-ai/stc-swarm/core/sched"
)

// handleClientRequest feeds one client call into the coordinator:
// offload and babel produce tasks, assist stays local, admin is
// acknowledged.
func (s *Server) handleClientRequest(w http.ResponseWriter, r *http.Request) {
	var req sched.ClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sched.ErrBadConfig("request body", err))
		return
	}

	resp, err := s.coord.HandleRequest(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

// handleCandidates ranks the current candidate set for a domain, best
// first. Capabilities arrive comma-separated in the caps parameter.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		s.writeError(w, sched.ErrBadConfig("candidates query",
			errors.New("domain parameter is required")))
		return
	}

	var caps []string
	if raw := r.URL.Query().Get("caps"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				caps = append(caps, c)
			}
		}
	}

	writeJSON(w, http.StatusOK, s.coord.RankCandidates(domain, caps))
}
