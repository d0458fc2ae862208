package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stc-ai/stc-swarm/core/sched"
	"github.com/stc-ai/stc-swarm/core/sched/common"
)

// nodeView is a registry entry with the trust manager's verdict folded
// in, which is how operators actually reason about a node.
type nodeView struct {
	common.NodeContext
	TrustScore      float64 `json:"trust_score"`
	TrustConfidence float64 `json:"trust_confidence"`
}

func (s *Server) nodeViewFor(n common.NodeContext) nodeView {
	score, confidence := s.trust.GetTrustScore(n.NodeID)
	return nodeView{NodeContext: n, TrustScore: score, TrustConfidence: confidence}
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.registry.List()
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, s.nodeViewFor(n))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.registry.Get(chi.URLParam(r, "nodeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.nodeViewFor(node))
}

type enrollRequest struct {
	NodeID string `json:"node_id"`
}

type enrollReply struct {
	NodeID string `json:"node_id"`
	Token  string `json:"token"`
}

// handleEnrollNode issues a single-use enrollment token. The node
// presents it in the hello envelope when it dials the link.
func (s *Server) handleEnrollNode(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sched.ErrBadConfig("enroll request", err))
		return
	}
	if req.NodeID == "" {
		s.writeError(w, sched.ErrBadConfig("enroll request",
			errors.New("node_id is required")))
		return
	}

	token, err := s.registry.IssueEnrollToken(req.NodeID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("enroll token issued", "node_id", req.NodeID)
	writeJSON(w, http.StatusOK, enrollReply{NodeID: req.NodeID, Token: token})
}

type allowRequest struct {
	Allowed bool `json:"allowed"`
}

// handleAllowNode flips the owner's participation consent for a node.
func (s *Server) handleAllowNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	var req allowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sched.ErrBadConfig("allow request", err))
		return
	}

	if err := s.registry.SetUserAllowed(nodeID, req.Allowed); err != nil {
		s.writeError(w, err)
		return
	}

	node, err := s.registry.Get(nodeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.nodeViewFor(node))
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	s.registry.Remove(chi.URLParam(r, "nodeID"))
	w.WriteHeader(http.StatusNoContent)
}
