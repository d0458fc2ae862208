package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stc-ai/stc-swarm/core/sched"
	"github.com/stc-ai/stc-swarm/core/sched/common"
)

// submitTaskRequest is the raw task intake shape, for callers that
// build their own tasks instead of going through /requests.
type submitTaskRequest struct {
	ClientID     string          `json:"client_id,omitempty"`
	Domain       string          `json:"domain"`
	Kind         string          `json:"kind,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	Replicas     int             `json:"replicas,omitempty"`
	RequiredCaps []string        `json:"required_capabilities,omitempty"`
	MinTier      int             `json:"min_tier,omitempty"`
}

type taskAccepted struct {
	TaskID string            `json:"task_id"`
	Status common.TaskStatus `json:"status"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sched.ErrBadConfig("task body", err))
		return
	}

	task := common.Task{
		ClientID:     req.ClientID,
		Domain:       req.Domain,
		Kind:         req.Kind,
		Priority:     req.Priority,
		Replicas:     req.Replicas,
		RequiredCaps: req.RequiredCaps,
		MinTier:      common.NodeTier(req.MinTier),
	}
	if len(req.Payload) > 0 {
		task.Payload = req.Payload
		task.PayloadDigest = sched.PayloadDigest(req.Payload)
	}

	taskID, err := s.coord.SubmitTask(&task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: taskID, Status: common.TaskQueued})
}

// handleListTasks returns every tracked task, optionally narrowed with
// the status query parameter.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.dispatcher.List()

	if filter := common.TaskStatus(r.URL.Query().Get("status")); filter != "" {
		kept := tasks[:0]
		for _, t := range tasks {
			if t.Status == filter {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}

	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.dispatcher.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTaskOutcome reports the aggregator's reconciliation verdict.
// Tasks still collecting results report status running.
func (s *Server) handleTaskOutcome(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.aggregator.Outcome(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleSubmitResult ingests one node's result over HTTP. Nodes on the
// link submit through the result envelope instead; both paths land in
// the same aggregator flow.
func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var res common.Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		s.writeError(w, sched.ErrBadConfig("result body", err))
		return
	}
	if res.TaskID == "" || res.NodeID == "" {
		s.writeError(w, sched.ErrBadConfig("result",
			errors.New("task_id and node_id are required")))
		return
	}

	outcome, err := s.coord.SubmitResult(res)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
