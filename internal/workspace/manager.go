// Package workspace manages the temp-dir working trees agents edit:
// one git clone per block, either shared by all agents or one isolated
// clone per agent.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/logging"
)

// Manager owns workspace lifecycles. Roots live under
// <isolatedRootPrefix><execution_id>/ — the prefix is load-bearing:
// the editor service validates caller-supplied workspace paths against it.
type Manager struct {
	isolatedRootPrefix string
	cloneTimeout       time.Duration
	gitPath            string
	logger             *logging.Logger

	mu      sync.Mutex
	roots   map[string]string // execution_id -> temp root
	release func(rootPrefix string)
}

// NewManager creates a workspace manager.
func NewManager(isolatedRootPrefix string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	gitPath, err := exec.LookPath("git")
	if err != nil {
		gitPath = "git"
	}
	return &Manager{
		isolatedRootPrefix: isolatedRootPrefix,
		cloneTimeout:       5 * time.Minute,
		gitPath:            gitPath,
		logger:             logger,
		roots:              make(map[string]string),
	}
}

// RootPrefix returns the configured isolated-root prefix.
func (m *Manager) RootPrefix() string { return m.isolatedRootPrefix }

// SetReleaseHook registers a callback invoked with a root about to be
// removed, letting the editor service drop managers holding it.
func (m *Manager) SetReleaseHook(fn func(rootPrefix string)) {
	m.release = fn
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeAgentName maps an agent name to its workspace directory name.
func SanitizeAgentName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// Prepare creates the working tree(s) for one block. With isolate=false
// a single clone is shared by every agent; with isolate=true each agent
// receives its own full clone of the same ref under a subdirectory named
// by its sanitized agent name.
func (m *Manager) Prepare(ctx context.Context, executionID, blockID, gitRepo string, agents []string, isolate bool) (*core.Workspace, error) {
	if gitRepo == "" {
		return nil, core.ErrInvalidInput("block has no git_repo")
	}

	execRoot := m.executionRoot(executionID)
	blockRoot := filepath.Join(execRoot, SanitizeAgentName(blockID))
	if err := os.MkdirAll(blockRoot, 0o750); err != nil {
		return nil, core.ErrIO("creating workspace root", err)
	}

	m.mu.Lock()
	m.roots[executionID] = execRoot
	m.mu.Unlock()

	ws := &core.Workspace{
		ExecutionID: executionID,
		BlockID:     blockID,
		RootPath:    blockRoot,
		Mode:        core.WorkspaceShared,
		CreatedAt:   time.Now(),
	}

	if !isolate {
		target := filepath.Join(blockRoot, "shared")
		if err := m.clone(ctx, gitRepo, target); err != nil {
			return nil, err
		}
		ws.RootPath = target
		return ws, nil
	}

	ws.Mode = core.WorkspacePerAgent
	ws.PerAgentPaths = make(map[string]string, len(agents))
	for _, agent := range agents {
		target := filepath.Join(blockRoot, SanitizeAgentName(agent))
		if err := m.clone(ctx, gitRepo, target); err != nil {
			return nil, err
		}
		ws.PerAgentPaths[agent] = target
	}
	return ws, nil
}

// PathFor returns the working directory for an agent: the shared root,
// or the agent's isolated clone.
func (m *Manager) PathFor(ws *core.Workspace, agentName string) (string, error) {
	if ws.Mode == core.WorkspaceShared {
		return ws.RootPath, nil
	}
	path, ok := ws.PerAgentPaths[agentName]
	if !ok {
		return "", core.ErrNotFound("agent workspace", agentName)
	}
	return path, nil
}

// Destroy removes a workspace's block root. Safe to call twice.
func (m *Manager) Destroy(ws *core.Workspace) error {
	root := filepath.Dir(ws.RootPath) // shared clone is <block root>/shared
	if ws.Mode == core.WorkspacePerAgent {
		root = filepath.Dir(firstPath(ws.PerAgentPaths))
		if root == "." || root == "" {
			return nil
		}
	}
	if !strings.HasPrefix(root, m.isolatedRootPrefix) {
		return core.ErrAccessDenied("refusing to remove path outside workspace prefix")
	}
	if m.release != nil {
		m.release(root)
	}
	if err := os.RemoveAll(root); err != nil {
		return core.ErrIO("removing workspace", err)
	}
	return nil
}

// DestroyExecution removes every workspace of an execution. Safe to
// call twice.
func (m *Manager) DestroyExecution(executionID string) error {
	m.mu.Lock()
	root, ok := m.roots[executionID]
	delete(m.roots, executionID)
	m.mu.Unlock()
	if !ok {
		root = m.executionRoot(executionID)
	}
	if !strings.HasPrefix(root, m.isolatedRootPrefix) {
		return core.ErrAccessDenied("refusing to remove path outside workspace prefix")
	}
	if m.release != nil {
		m.release(root)
	}
	if err := os.RemoveAll(root); err != nil {
		return core.ErrIO("removing execution workspaces", err)
	}
	m.logger.Info("workspaces destroyed", "execution_id", executionID, "root", root)
	return nil
}

// ScheduleDestroy removes an execution's workspaces after the grace
// window, leaving them inspectable in the meantime.
func (m *Manager) ScheduleDestroy(executionID string, grace time.Duration) {
	if grace <= 0 {
		_ = m.DestroyExecution(executionID)
		return
	}
	go func() {
		time.Sleep(grace)
		_ = m.DestroyExecution(executionID)
	}()
}

func (m *Manager) executionRoot(executionID string) string {
	return m.isolatedRootPrefix + SanitizeAgentName(executionID)
}

// clone runs git clone into target.
func (m *Manager) clone(ctx context.Context, repo, target string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cloneTimeout)
	defer cancel()

	// Local paths are cloned as-is; no hardlinks so per-agent clones
	// stay fully independent.
	cmd := exec.CommandContext(ctx, m.gitPath, "clone", "--no-hardlinks", "--", repo, target)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return core.ErrTimeout("git clone timed out")
		}
		if ctx.Err() == context.Canceled {
			return core.ErrCancelled("git clone cancelled")
		}
		return core.ErrIO(fmt.Sprintf("git clone %s: %s", repo, strings.TrimSpace(stderr.String())), err)
	}
	return nil
}

func firstPath(paths map[string]string) string {
	for _, p := range paths {
		return p
	}
	return ""
}
