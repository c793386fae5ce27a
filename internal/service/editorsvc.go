// Package service contains the engine's business logic: the editor
// multiplexer, agent runner, block patterns, and the design scheduler.
package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ensemble-ai/ensemble/internal/config"
	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/editor"
	"github.com/ensemble-ai/ensemble/internal/logging"
)

// Identity is the caller of an editor operation: an authenticated user,
// or an in-process tool invocation bearing the internal service token
// (which forwards the workflow owner's identity).
type Identity struct {
	UserID   string
	Internal bool
}

// ExecutionVerifier reports whether an execution is known to the engine
// (live or within its inspection grace window).
type ExecutionVerifier func(executionID string) bool

// EditorService routes requests to the correct editor manager by
// (workflow_id, optional workspace_path) and owns the workspace cache.
type EditorService struct {
	store          core.Store
	limits         editor.Limits
	workflowTTL    time.Duration
	isolatedPrefix string
	logger         *logging.Logger
	verifyExec     ExecutionVerifier

	wfMu    sync.RWMutex
	wfCache map[string]cachedWorkflow

	mgrMu    sync.Mutex
	managers map[string]*managerEntry
}

type cachedWorkflow struct {
	workflow  *core.Workflow
	expiresAt time.Time
}

type managerEntry struct {
	manager  *editor.Manager
	lastUsed time.Time
}

// NewEditorService creates the editor multiplexer.
func NewEditorService(store core.Store, cfg *config.Config, logger *logging.Logger) *EditorService {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &EditorService{
		store: store,
		limits: editor.Limits{
			MaxFileSize:    cfg.Editor.MaxFileSizeBytes,
			TreeMaxDepth:   cfg.Editor.TreeMaxDepth,
			TreeMaxNodes:   cfg.Editor.TreeMaxNodes,
			SearchMaxHits:  cfg.Editor.SearchMaxHits,
			RollbackWindow: cfg.Editor.RollbackWindow(),
		},
		workflowTTL:    cfg.Editor.WorkflowCacheTTL(),
		isolatedPrefix: cfg.Workspace.IsolatedRootPrefix,
		logger:         logger,
		wfCache:        make(map[string]cachedWorkflow),
		managers:       make(map[string]*managerEntry),
	}
}

// SetExecutionVerifier wires the orchestrator's execution registry in.
func (s *EditorService) SetExecutionVerifier(v ExecutionVerifier) {
	s.verifyExec = v
}

// Workflow resolves a workflow by id through the TTL cache.
func (s *EditorService) Workflow(ctx context.Context, workflowID string) (*core.Workflow, error) {
	if workflowID == "" {
		return nil, core.ErrInvalidInput("workflow_id is required")
	}

	s.wfMu.RLock()
	if entry, ok := s.wfCache[workflowID]; ok && time.Now().Before(entry.expiresAt) {
		s.wfMu.RUnlock()
		return entry.workflow, nil
	}
	s.wfMu.RUnlock()

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	s.wfMu.Lock()
	s.wfCache[workflowID] = cachedWorkflow{workflow: wf, expiresAt: time.Now().Add(s.workflowTTL)}
	s.wfMu.Unlock()
	return wf, nil
}

// ManagerFor resolves the editor manager for a request. With no
// workspace_path the workflow's own working clone is used (shared mode);
// with one, the path must fall under the isolated-root prefix and the
// caller must own the workflow or carry the internal token.
func (s *EditorService) ManagerFor(ctx context.Context, id Identity, workflowID, workspacePath string) (*editor.Manager, error) {
	wf, err := s.Workflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !id.Internal && id.UserID != wf.OwnerID {
		return nil, core.ErrAccessDenied("workflow not owned by caller")
	}

	root := wf.GitRepo
	if workspacePath != "" {
		if err := s.validateWorkspacePath(workspacePath); err != nil {
			return nil, err
		}
		root = workspacePath
	}
	return s.managerFor(root)
}

// validateWorkspacePath enforces the isolated-root prefix and checks the
// owning execution is known. The prefix check runs before any disk
// access: the path is untrusted input.
func (s *EditorService) validateWorkspacePath(workspacePath string) error {
	if !strings.HasPrefix(workspacePath, s.isolatedPrefix) {
		return core.ErrAccessDenied("workspace_path outside isolated root")
	}
	if strings.Contains(workspacePath, "..") {
		return core.ErrAccessDenied("workspace_path must be canonical")
	}
	if s.verifyExec != nil {
		rest := strings.TrimPrefix(workspacePath, s.isolatedPrefix)
		execID := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			execID = rest[:i]
		}
		if execID == "" || !s.verifyExec(execID) {
			return core.ErrNotFound("execution for workspace", workspacePath)
		}
	}
	return nil
}

// managerFor returns the cached manager for a root, creating it on
// first use. One manager per root keeps the pending-change set coherent
// across requests from agents, tools, and the UI.
func (s *EditorService) managerFor(root string) (*editor.Manager, error) {
	s.mgrMu.Lock()
	defer s.mgrMu.Unlock()

	if entry, ok := s.managers[root]; ok {
		entry.lastUsed = time.Now()
		return entry.manager, nil
	}

	mgr, err := editor.NewManager(root, s.limits, s.logger)
	if err != nil {
		return nil, err
	}
	s.managers[root] = &managerEntry{manager: mgr, lastUsed: time.Now()}
	return mgr, nil
}

// EvictIdle drops managers unused for longer than maxIdle and expired
// workflow entries. Returns the number of managers evicted.
func (s *EditorService) EvictIdle(maxIdle time.Duration) int {
	s.mgrMu.Lock()
	n := 0
	cutoff := time.Now().Add(-maxIdle)
	for root, entry := range s.managers {
		if entry.lastUsed.Before(cutoff) {
			delete(s.managers, root)
			n++
		}
	}
	s.mgrMu.Unlock()

	s.wfMu.Lock()
	now := time.Now()
	for id, entry := range s.wfCache {
		if now.After(entry.expiresAt) {
			delete(s.wfCache, id)
		}
	}
	s.wfMu.Unlock()
	return n
}

// ReleaseWorkspace drops managers rooted under a destroyed execution
// root so stale handles cannot touch reused paths.
func (s *EditorService) ReleaseWorkspace(rootPrefix string) {
	s.mgrMu.Lock()
	defer s.mgrMu.Unlock()
	for root := range s.managers {
		if strings.HasPrefix(root, rootPrefix) {
			delete(s.managers, root)
		}
	}
}

// ClearCaches empties both process-wide caches (operational recovery).
func (s *EditorService) ClearCaches() {
	s.wfMu.Lock()
	s.wfCache = make(map[string]cachedWorkflow)
	s.wfMu.Unlock()

	s.mgrMu.Lock()
	s.managers = make(map[string]*managerEntry)
	s.mgrMu.Unlock()
}
