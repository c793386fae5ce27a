package api

import (
	"encoding/json"
	"net/http"

	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/editor"
)

// editorRequest is the common body shape of the file-editor endpoints.
// workflow_id is always required; workspace_path scopes the request to
// an isolated clone and must fall under the isolated-root prefix.
type editorRequest struct {
	WorkflowID    string `json:"workflow_id"`
	WorkspacePath string `json:"workspace_path,omitempty"`

	Path          string  `json:"path,omitempty"`
	FilePath      string  `json:"file_path,omitempty"`
	OldPath       string  `json:"old_path,omitempty"`
	Operation     string  `json:"operation,omitempty"`
	NewContent    *string `json:"new_content,omitempty"`
	GenerateDiff  bool    `json:"generate_diff,omitempty"`
	IncludeHidden bool    `json:"include_hidden,omitempty"`
	MaxDepth      int     `json:"max_depth,omitempty"`
	ChangeID      string  `json:"change_id,omitempty"`
	Status        string  `json:"status,omitempty"`
	Query         string  `json:"query,omitempty"`
	CaseSensitive bool    `json:"case_sensitive,omitempty"`
	Limit         int     `json:"limit,omitempty"`
}

// managerFromRequest decodes the body and resolves the editor manager,
// enforcing workflow ownership and the workspace-path prefix.
func (s *Server) managerFromRequest(w http.ResponseWriter, r *http.Request) (*editor.Manager, *editorRequest, bool) {
	var req editorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return nil, nil, false
	}
	if req.WorkflowID == "" {
		respondError(w, http.StatusBadRequest, "workflow_id is required")
		return nil, nil, false
	}
	mgr, err := s.editors.ManagerFor(r.Context(), s.identity(r), req.WorkflowID, req.WorkspacePath)
	if err != nil {
		respondDomainError(w, err)
		return nil, nil, false
	}
	return mgr, &req, true
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	mgr, req, ok := s.managerFromRequest(w, r)
	if !ok {
		return
	}
	entries, err := mgr.Browse(req.Path, req.IncludeHidden)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	mgr, req, ok := s.managerFromRequest(w, r)
	if !ok {
		return
	}
	tree, err := mgr.Tree(req.MaxDepth)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tree)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	mgr, req, ok := s.managerFromRequest(w, r)
	if !ok {
		return
	}
	if req.FilePath == "" {
		respondError(w, http.StatusBadRequest, "file_path is required")
		return
	}
	content, err := mgr.Read(req.FilePath)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, content)
}

func (s *Server) handleCreateChange(w http.ResponseWriter, r *http.Request) {
	mgr, req, ok := s.managerFromRequest(w, r)
	if !ok {
		return
	}
	if req.FilePath == "" || req.Operation == "" {
		respondError(w, http.StatusBadRequest, "file_path and operation are required")
		return
	}
	change, err := mgr.CreateChange(editor.ChangeRequest{
		Path:         req.FilePath,
		Operation:    core.ChangeOperation(req.Operation),
		NewContent:   req.NewContent,
		OldPath:      req.OldPath,
		GenerateDiff: req.GenerateDiff,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, change)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	mgr, req, ok := s.managerFromRequest(w, r)
	if !ok {
		return
	}
	changes := mgr.ListChanges(core.ChangeStatus(req.Status))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"changes":     changes,
		"dirty_files": mgr.DirtyFiles(),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	mgr, req, ok := s.managerFromRequest(w, r)
	if !ok {
		return
	}
	change, err := mgr.Approve(req.ChangeID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, change)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	mgr, req, ok := s.managerFromRequest(w, r)
	if !ok {
		return
	}
	change, err := mgr.Reject(req.ChangeID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, change)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	mgr, req, ok := s.managerFromRequest(w, r)
	if !ok {
		return
	}
	change, err := mgr.Rollback(req.ChangeID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, change)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	mgr, req, ok := s.managerFromRequest(w, r)
	if !ok {
		return
	}
	hits, err := mgr.Search(req.Query, req.Path, req.CaseSensitive)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, hits)
}

func (s *Server) handleFindFiles(w http.ResponseWriter, r *http.Request) {
	mgr, req, ok := s.managerFromRequest(w, r)
	if !ok {
		return
	}
	matches, err := mgr.FindFiles(req.Query, req.Limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, matches)
}
