package api

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-ai/ensemble/internal/adapters/store"
	"github.com/ensemble-ai/ensemble/internal/bridge"
	"github.com/ensemble-ai/ensemble/internal/config"
	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/service"
	"github.com/ensemble-ai/ensemble/internal/testutil"
	"github.com/ensemble-ai/ensemble/internal/workspace"
)

// initGitRepo seeds a local repository for workspace clones.
func initGitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=t@t",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=t@t")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# seed\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "seed")
	return dir
}

// TestIsolatedWorkspacesWithToolUse runs a parallel block with two
// isolated agents whose scripted model writes an agent-specific
// NOTES.md through the tool bridge.
func TestIsolatedWorkspacesWithToolUse(t *testing.T) {
	repo := initGitRepo(t)

	// Workspaces under a test-owned prefix so cleanup is automatic and
	// the grace window can stay open for inspection.
	prefix := filepath.Join(t.TempDir(), "orchestration_isolated_")
	cfg := config.Default()
	cfg.Workspace.IsolatedRootPrefix = prefix

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SaveWorkflow(context.Background(), &core.Workflow{
		ID: "wf-1", OwnerID: "user-1", GitRepo: repo, DefaultBranch: "main",
	}))

	hub := events.NewHub(256, 500, time.Hour)
	t.Cleanup(hub.Close)
	registry := service.NewRegistry()
	ws := workspace.NewManager(prefix, nil)
	editors := service.NewEditorService(st, cfg, nil)
	editors.SetExecutionVerifier(registry.Has)
	toolBridge := bridge.New(editors, hub, "tok", 10*time.Second, 4, nil)

	// The scripted model stands in for the vendor SDK: on its single
	// turn it invokes editor_create_change with agent-specific content.
	model := &testutil.ScriptedModelClient{Respond: func(opts core.StreamOptions) testutil.Turn {
		return testutil.Turn{
			Final: "wrote readme",
			BeforeDone: func(ctx context.Context, o core.StreamOptions) {
				_, _ = toolBridge.Invoke(ctx, bridge.CallContext{
					Internal:    true,
					ExecutionID: o.Metadata["execution_id"],
					BlockID:     o.Metadata["block_id"],
					Agent:       o.Metadata["agent"],
				}, "editor_create_change", map[string]interface{}{
					"workflow_id":    o.Metadata["workflow_id"],
					"workspace_path": o.Metadata["workspace_path"],
					"file_path":      "NOTES.md",
					"operation":      "create",
					"new_content":    "notes by " + o.Metadata["agent"],
				})
			},
		}
	}}

	runner := service.NewAgentRunner(model, hub, time.Minute, nil)
	executor := service.NewBlockExecutor(runner, ws, hub, bridge.Catalogue(), time.Minute, "m", 1024, "tok", nil)
	scheduler := service.NewScheduler(executor, hub, ws, registry, st, time.Minute, time.Hour, false, nil)

	design := &core.Design{
		ID: "d-iso",
		Blocks: []core.Block{{
			ID:                     "b1",
			Type:                   core.BlockParallel,
			Task:                   "add notes",
			GitRepo:                repo,
			IsolateAgentWorkspaces: true,
			Agents: []core.AgentDef{
				{Name: "alice", Role: core.RoleWorker, SystemPrompt: "a", UseTools: true},
				{Name: "bob", Role: core.RoleWorker, SystemPrompt: "b", UseTools: true},
			},
		}},
	}

	exec, err := scheduler.Start(design, "wf-1", "go")
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := registry.Get(exec.ID); ok && e.Status.IsTerminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	final, _ := registry.Get(exec.ID)
	require.True(t, final.Status.IsTerminal(), "execution still running")
	require.Equal(t, core.ExecutionCompleted, final.Status,
		"execution failed: %+v", final.BlockResults)

	// Two distinct workspace paths were announced.
	log, ok := hub.Log(exec.ID)
	require.True(t, ok)
	var info events.WorkspaceInfoEvent
	for _, ev := range log {
		if wi, isWI := ev.(events.WorkspaceInfoEvent); isWI {
			info = wi
		}
	}
	require.Len(t, info.Agents, 2)
	require.NotEqual(t, info.Agents[0].Path, info.Agents[1].Path)

	// Each isolated workspace holds exactly one pending change carrying
	// that agent's content, and the file is on disk.
	for _, ap := range info.Agents {
		result, err := toolBridge.Invoke(context.Background(), bridge.CallContext{Internal: true},
			"editor_get_changes", map[string]interface{}{
				"workflow_id":    "wf-1",
				"workspace_path": ap.Path,
				"status":         "pending",
			})
		require.NoError(t, err)
		changes := result.([]*core.Change)
		require.Len(t, changes, 1, "agent %s", ap.Name)
		assert.Equal(t, "notes by "+ap.Name, *changes[0].NewContent)

		data, err := os.ReadFile(filepath.Join(ap.Path, "NOTES.md"))
		require.NoError(t, err)
		assert.Equal(t, "notes by "+ap.Name, string(data))
	}
}
