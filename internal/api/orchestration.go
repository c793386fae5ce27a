package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ensemble-ai/ensemble/internal/core"
)

// ExecuteDesignRequest starts an execution of a full design.
type ExecuteDesignRequest struct {
	Design     *core.Design `json:"design"`
	UserPrompt string       `json:"user_prompt"`
	WorkflowID string       `json:"workflow_id,omitempty"`
	GitRepo    string       `json:"git_repo,omitempty"`
}

func (s *Server) decodeExecuteDesign(r *http.Request) (*ExecuteDesignRequest, error) {
	var req ExecuteDesignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, core.ErrInvalidInput("malformed request body")
	}
	if req.Design == nil {
		return nil, core.ErrInvalidInput("design is required")
	}
	if req.Design.ID == "" {
		req.Design.ID = uuid.NewString()
	}
	// A request-level git_repo applies to blocks that did not pin one.
	if req.GitRepo != "" {
		for i := range req.Design.Blocks {
			if req.Design.Blocks[i].GitRepo == "" {
				req.Design.Blocks[i].GitRepo = req.GitRepo
			}
		}
	}
	return &req, nil
}

func (s *Server) handleExecuteDesign(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeExecuteDesign(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	exec, err := s.scheduler.Start(req.Design, req.WorkflowID, req.UserPrompt)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"execution_id": exec.ID})
}

func (s *Server) handleExecuteDesignStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeExecuteDesign(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	exec, err := s.scheduler.Start(req.Design, req.WorkflowID, req.UserPrompt)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.streamExecution(w, r, exec.ID)
}

// PatternStreamRequest executes a single-block design.
type PatternStreamRequest struct {
	Task                   string          `json:"task"`
	Agents                 []core.AgentDef `json:"agents"`
	GitRepo                string          `json:"git_repo,omitempty"`
	IsolateAgentWorkspaces bool            `json:"isolate_agent_workspaces,omitempty"`
	Rounds                 int             `json:"rounds,omitempty"`
	WorkflowID             string          `json:"workflow_id,omitempty"`
	UserPrompt             string          `json:"user_prompt,omitempty"`
}

func (s *Server) handlePatternStream(w http.ResponseWriter, r *http.Request) {
	pattern := core.BlockType(chi.URLParam(r, "pattern"))
	valid := false
	for _, t := range core.ValidBlockTypes {
		if pattern == t {
			valid = true
			break
		}
	}
	if !valid {
		respondError(w, http.StatusBadRequest, "unknown pattern: "+string(pattern))
		return
	}

	var req PatternStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	gitRepo := req.GitRepo
	if gitRepo == "" {
		gitRepo = s.defaults.GitRepo
	}

	design := &core.Design{
		ID: uuid.NewString(),
		Blocks: []core.Block{{
			ID:                     "block-1",
			Type:                   pattern,
			Agents:                 req.Agents,
			Task:                   req.Task,
			GitRepo:                gitRepo,
			IsolateAgentWorkspaces: req.IsolateAgentWorkspaces,
			Rounds:                 req.Rounds,
		}},
	}

	exec, err := s.scheduler.Start(design, req.WorkflowID, req.UserPrompt)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.streamExecution(w, r, exec.ID)
}

// CancelRequest identifies an execution to cancel.
type CancelRequest struct {
	ExecutionID string `json:"execution_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExecutionID == "" {
		respondError(w, http.StatusBadRequest, "execution_id is required")
		return
	}
	if err := s.registry.Cancel(req.ExecutionID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, _ *http.Request) {
	execs := s.registry.List()
	type row struct {
		ID        string               `json:"id"`
		DesignID  string               `json:"design_id"`
		Status    core.ExecutionStatus `json:"status"`
		StartedAt string               `json:"started_at"`
	}
	out := make([]row, 0, len(execs))
	for _, e := range execs {
		out = append(out, row{
			ID:        e.ID,
			DesignID:  e.DesignID,
			Status:    e.Status,
			StartedAt: e.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleExecutionLog returns the buffered event log. Finished executions
// outside the in-memory retention window fall back to the store.
func (s *Server) handleExecutionLog(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	if log, ok := s.hub.Log(executionID); ok {
		respondJSON(w, http.StatusOK, map[string]interface{}{"execution_id": executionID, "events": log})
		return
	}

	if s.store != nil {
		rec, err := s.store.GetExecution(r.Context(), executionID)
		if err == nil {
			var eventLog []interface{}
			_ = json.Unmarshal(rec.EventLog, &eventLog)
			respondJSON(w, http.StatusOK, map[string]interface{}{"execution_id": executionID, "events": eventLog})
			return
		}
	}
	respondError(w, http.StatusNotFound, "execution not found: "+executionID)
}

// handleExecutionEvents attaches to a live execution's stream.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	if !s.registry.Has(executionID) {
		respondError(w, http.StatusNotFound, "execution not found: "+executionID)
		return
	}
	s.streamExecution(w, r, executionID)
}
