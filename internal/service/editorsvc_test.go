package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ensemble-ai/ensemble/internal/adapters/store"
	"github.com/ensemble-ai/ensemble/internal/config"
	"github.com/ensemble-ai/ensemble/internal/core"
)

func newEditorServiceEnv(t *testing.T, ttlSeconds int) (*EditorService, *store.SQLiteStore, string) {
	t.Helper()
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.SaveWorkflow(context.Background(), &core.Workflow{
		ID: "wf-1", OwnerID: "owner", GitRepo: repo, DefaultBranch: "main",
	}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Editor.WorkflowCacheTTLS = ttlSeconds
	return NewEditorService(st, cfg, nil), st, repo
}

func TestManagerForSharedMode(t *testing.T) {
	svc, _, repo := newEditorServiceEnv(t, 60)

	mgr, err := svc.ManagerFor(context.Background(), Identity{UserID: "owner"}, "wf-1", "")
	if err != nil {
		t.Fatal(err)
	}
	resolved, _ := filepath.EvalSymlinks(repo)
	if mgr.Root() != resolved {
		t.Errorf("manager root = %s, want %s", mgr.Root(), resolved)
	}

	// Same root resolves to the same cached manager, keeping the
	// pending-change set coherent across requests.
	again, err := svc.ManagerFor(context.Background(), Identity{UserID: "owner"}, "wf-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if mgr != again {
		t.Error("manager not cached per root")
	}
}

func TestManagerForRejectsNonOwner(t *testing.T) {
	svc, _, _ := newEditorServiceEnv(t, 60)

	if _, err := svc.ManagerFor(context.Background(), Identity{UserID: "stranger"}, "wf-1", ""); !core.IsCategory(err, core.ErrCatAccess) {
		t.Errorf("non-owner error = %v", err)
	}
	// Internal callers pass.
	if _, err := svc.ManagerFor(context.Background(), Identity{Internal: true}, "wf-1", ""); err != nil {
		t.Errorf("internal caller rejected: %v", err)
	}
}

func TestManagerForWorkspacePrefix(t *testing.T) {
	svc, _, _ := newEditorServiceEnv(t, 60)

	_, err := svc.ManagerFor(context.Background(), Identity{Internal: true}, "wf-1", "/somewhere/else")
	if !core.IsCategory(err, core.ErrCatAccess) {
		t.Errorf("prefix violation error = %v", err)
	}
}

func TestWorkflowCacheTTLCoherence(t *testing.T) {
	svc, st, _ := newEditorServiceEnv(t, 0) // TTL 0: every read refetches

	ctx := context.Background()
	first, err := svc.Workflow(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}

	updated := *first
	updated.DefaultBranch = "develop"
	if err := st.SaveWorkflow(ctx, &updated); err != nil {
		t.Fatal(err)
	}

	time.Sleep(time.Millisecond)
	second, err := svc.Workflow(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if second.DefaultBranch != "develop" {
		t.Error("store update not observed after TTL elapsed")
	}
}

func TestClearCachesDropsManagers(t *testing.T) {
	svc, _, _ := newEditorServiceEnv(t, 60)

	mgr, err := svc.ManagerFor(context.Background(), Identity{Internal: true}, "wf-1", "")
	if err != nil {
		t.Fatal(err)
	}
	svc.ClearCaches()
	again, err := svc.ManagerFor(context.Background(), Identity{Internal: true}, "wf-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if mgr == again {
		t.Error("manager survived cache clear")
	}
}
