package editor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ensemble-ai/ensemble/internal/core"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	mgr, err := NewManager(dir, DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr, dir
}

func writeSeed(t *testing.T, dir, rel, content string) {
	t.Helper()
	abs := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func diskContent(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		t.Fatalf("reading %s: %v", rel, err)
	}
	return string(data)
}

func TestPathConfinement(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "ok.txt", "fine")

	escapes := []string{
		"../escape.txt",
		"../../etc/passwd",
		"/etc/passwd",
		"a/../../escape.txt",
		"..",
	}
	for _, p := range escapes {
		if _, err := mgr.Read(p); !core.IsCategory(err, core.ErrCatAccess) {
			t.Errorf("Read(%q) should be AccessDenied, got %v", p, err)
		}
		if _, err := mgr.CreateChange(ChangeRequest{Path: p, Operation: core.OpCreate, NewContent: core.StrPtr("x")}); !core.IsCategory(err, core.ErrCatAccess) {
			t.Errorf("CreateChange(%q) should be AccessDenied, got %v", p, err)
		}
	}

	if _, err := mgr.Read("ok.txt"); err != nil {
		t.Errorf("in-root read failed: %v", err)
	}
	// Dot-cleaned but in-root paths stay legal.
	if _, err := mgr.Read("./ok.txt"); err != nil {
		t.Errorf("dot-prefixed read failed: %v", err)
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	mgr, dir := newTestManager(t)

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := mgr.Read("link.txt"); !core.IsCategory(err, core.ErrCatAccess) {
		t.Errorf("symlink escape should be AccessDenied, got %v", err)
	}
}

func TestApplyThenReviewConsistency(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "f.txt", "v0")

	// Successive changes with no intervening resolution: disk always
	// reflects the latest new_content.
	for i := 1; i <= 5; i++ {
		content := fmt.Sprintf("v%d", i)
		change, err := mgr.CreateChange(ChangeRequest{
			Path: "f.txt", Operation: core.OpUpdate, NewContent: core.StrPtr(content),
		})
		if err != nil {
			t.Fatalf("change %d: %v", i, err)
		}
		if change.Status != core.ChangePending {
			t.Errorf("change %d not pending", i)
		}
		if got := diskContent(t, dir, "f.txt"); got != content {
			t.Errorf("after change %d disk = %q, want %q", i, got, content)
		}
	}

	pending := mgr.ListChanges(core.ChangePending)
	if len(pending) != 5 {
		t.Fatalf("expected 5 pending changes, got %d", len(pending))
	}
	// old_content snapshots chain: change i captured v(i-1).
	for i, c := range pending {
		want := fmt.Sprintf("v%d", i)
		if c.OldContent == nil || *c.OldContent != want {
			t.Errorf("change %d old_content = %v, want %q", i, c.OldContent, want)
		}
	}
}

func TestRejectReverts(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "f.txt", "original")

	change, err := mgr.CreateChange(ChangeRequest{
		Path: "f.txt", Operation: core.OpUpdate, NewContent: core.StrPtr("mutated"),
	})
	if err != nil {
		t.Fatal(err)
	}

	rejected, err := mgr.Reject(change.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != core.ChangeRejected {
		t.Errorf("status = %s", rejected.Status)
	}
	if got := diskContent(t, dir, "f.txt"); got != "original" {
		t.Errorf("disk = %q after reject, want original", got)
	}

	// Rejecting again conflicts.
	if _, err := mgr.Reject(change.ID); !core.IsCategory(err, core.ErrCatConflict) {
		t.Errorf("double reject should conflict, got %v", err)
	}
}

func TestRejectInReverseOrder(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "f.txt", "genesis")

	c1, err := mgr.CreateChange(ChangeRequest{Path: "f.txt", Operation: core.OpUpdate, NewContent: core.StrPtr("A")})
	if err != nil {
		t.Fatal(err)
	}
	c2, err := mgr.CreateChange(ChangeRequest{Path: "f.txt", Operation: core.OpUpdate, NewContent: core.StrPtr("B")})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Reject(c2.ID); err != nil {
		t.Fatal(err)
	}
	if got := diskContent(t, dir, "f.txt"); got != "A" {
		t.Errorf("after rejecting C2 disk = %q, want A", got)
	}

	if _, err := mgr.Reject(c1.ID); err != nil {
		t.Fatal(err)
	}
	if got := diskContent(t, dir, "f.txt"); got != "genesis" {
		t.Errorf("after rejecting C1 disk = %q, want genesis", got)
	}

	history := mgr.ListChanges(core.ChangeRejected)
	if len(history) != 2 {
		t.Fatalf("expected 2 rejected changes in history, got %d", len(history))
	}
}

func TestCreateDeleteMoveLifecycle(t *testing.T) {
	mgr, dir := newTestManager(t)

	created, err := mgr.CreateChange(ChangeRequest{Path: "new.txt", Operation: core.OpCreate, NewContent: core.StrPtr("born")})
	if err != nil {
		t.Fatal(err)
	}
	if created.OldContent != nil {
		t.Error("create change must have nil old_content")
	}
	if got := diskContent(t, dir, "new.txt"); got != "born" {
		t.Errorf("disk = %q", got)
	}

	// Creating over an existing file conflicts.
	if _, err := mgr.CreateChange(ChangeRequest{Path: "new.txt", Operation: core.OpCreate, NewContent: core.StrPtr("again")}); !core.IsCategory(err, core.ErrCatConflict) {
		t.Errorf("create-over-existing should conflict, got %v", err)
	}

	moved, err := mgr.Move("new.txt", "renamed.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if moved.OldPath != "new.txt" {
		t.Errorf("move old_path = %q", moved.OldPath)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); !os.IsNotExist(err) {
		t.Error("source should be gone after move")
	}
	if got := diskContent(t, dir, "renamed.txt"); got != "born" {
		t.Errorf("moved content = %q", got)
	}

	deleted, err := mgr.Delete("renamed.txt")
	if err != nil {
		t.Fatal(err)
	}
	if deleted.OldContent == nil || *deleted.OldContent != "born" {
		t.Error("delete change must snapshot old content")
	}
	if _, err := os.Stat(filepath.Join(dir, "renamed.txt")); !os.IsNotExist(err) {
		t.Error("file should be gone after delete")
	}

	// Rejecting the delete restores the file.
	if _, err := mgr.Reject(deleted.ID); err != nil {
		t.Fatal(err)
	}
	if got := diskContent(t, dir, "renamed.txt"); got != "born" {
		t.Errorf("undeleted content = %q", got)
	}
}

func TestRejectMoveRestoresSource(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "src.txt", "payload")

	moved, err := mgr.Move("src.txt", "dst.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Reject(moved.ID); err != nil {
		t.Fatal(err)
	}
	if got := diskContent(t, dir, "src.txt"); got != "payload" {
		t.Errorf("source = %q after rejecting move", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "dst.txt")); !os.IsNotExist(err) {
		t.Error("destination should be gone after rejecting move")
	}
}

func TestApproveIsMetadataOnly(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "f.txt", "v0")

	change, err := mgr.CreateChange(ChangeRequest{Path: "f.txt", Operation: core.OpUpdate, NewContent: core.StrPtr("v1")})
	if err != nil {
		t.Fatal(err)
	}
	approved, err := mgr.Approve(change.ID)
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != core.ChangeApproved {
		t.Errorf("status = %s", approved.Status)
	}
	if got := diskContent(t, dir, "f.txt"); got != "v1" {
		t.Errorf("approve mutated disk: %q", got)
	}
	if len(mgr.ListChanges(core.ChangePending)) != 0 {
		t.Error("pending set should be empty after approve")
	}
}

func TestRollbackProducesCompensatingChange(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "f.txt", "v0")

	change, _ := mgr.CreateChange(ChangeRequest{Path: "f.txt", Operation: core.OpUpdate, NewContent: core.StrPtr("v1")})
	if _, err := mgr.Approve(change.ID); err != nil {
		t.Fatal(err)
	}

	comp, err := mgr.Rollback(change.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := diskContent(t, dir, "f.txt"); got != "v0" {
		t.Errorf("disk = %q after rollback, want v0", got)
	}
	if comp.Operation != core.OpUpdate || comp.Status != core.ChangeApproved {
		t.Errorf("compensating change %s/%s", comp.Operation, comp.Status)
	}

	// Pending changes cannot be rolled back.
	pendingChange, _ := mgr.CreateChange(ChangeRequest{Path: "f.txt", Operation: core.OpUpdate, NewContent: core.StrPtr("v2")})
	if _, err := mgr.Rollback(pendingChange.ID); err == nil {
		t.Error("rollback of a pending change should fail")
	}
}

func TestRollbackWindowExpires(t *testing.T) {
	dir := t.TempDir()
	limits := DefaultLimits()
	limits.RollbackWindow = time.Millisecond
	mgr, err := NewManager(dir, limits, nil)
	if err != nil {
		t.Fatal(err)
	}
	writeSeed(t, dir, "f.txt", "v0")

	change, _ := mgr.CreateChange(ChangeRequest{Path: "f.txt", Operation: core.OpUpdate, NewContent: core.StrPtr("v1")})
	if _, err := mgr.Approve(change.ID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := mgr.Rollback(change.ID); !core.IsCategory(err, core.ErrCatConflict) {
		t.Errorf("expired rollback should conflict, got %v", err)
	}
}

func TestDiffFlagHonored(t *testing.T) {
	mgr, _ := newTestManager(t)

	noDiff, err := mgr.CreateChange(ChangeRequest{
		Path: "a.txt", Operation: core.OpCreate, NewContent: core.StrPtr("hello\n"), GenerateDiff: false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if noDiff.Diff != "" {
		t.Errorf("diff generated despite generate_diff=false: %q", noDiff.Diff)
	}

	withDiff, err := mgr.CreateChange(ChangeRequest{
		Path: "a.txt", Operation: core.OpUpdate, NewContent: core.StrPtr("hello\nworld\n"), GenerateDiff: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if withDiff.Diff == "" {
		t.Error("expected a diff when generate_diff=true")
	}
}

func TestConcurrentChangesSameFile(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "f.txt", "v0")

	const k = 32
	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = mgr.CreateChange(ChangeRequest{
				Path: "f.txt", Operation: core.OpUpdate,
				NewContent: core.StrPtr(fmt.Sprintf("w%d", i)),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d failed: %v", i, err)
		}
	}

	pending := mgr.ListChanges(core.ChangePending)
	if len(pending) != k {
		t.Fatalf("expected %d pending changes, got %d", k, len(pending))
	}
	ids := make(map[string]bool, k)
	for _, c := range pending {
		if ids[c.ID] {
			t.Fatalf("duplicate change id %s", c.ID)
		}
		ids[c.ID] = true
	}

	// Disk equals the new_content of the last change in lock order.
	last := pending[len(pending)-1]
	if got := diskContent(t, dir, "f.txt"); got != *last.NewContent {
		t.Errorf("disk = %q, want last writer %q", got, *last.NewContent)
	}
}

func TestReadErrors(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "sub/file.txt", "x")

	if _, err := mgr.Read("missing.txt"); !core.IsCategory(err, core.ErrCatNotFound) {
		t.Errorf("missing file: %v", err)
	}
	if _, err := mgr.Read("sub"); !core.IsCategory(err, core.ErrCatConflict) {
		t.Errorf("directory read: %v", err)
	}

	big := make([]byte, 64)
	limits := DefaultLimits()
	limits.MaxFileSize = 16
	small, err := NewManager(dir, limits, nil)
	if err != nil {
		t.Fatal(err)
	}
	writeSeed(t, dir, "big.bin", string(big))
	if _, err := small.Read("big.bin"); !core.IsCategory(err, core.ErrCatTooLarge) {
		t.Errorf("oversized read: %v", err)
	}
}

func TestReadBinaryFlag(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "bin.dat", "ab\x00cd")

	content, err := mgr.Read("bin.dat")
	if err != nil {
		t.Fatal(err)
	}
	if !content.Binary {
		t.Error("NUL content should be flagged binary")
	}
	if content.Content != "" {
		t.Error("binary reads return empty content")
	}
}

func TestBrowseAndTree(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "b.txt", "1")
	writeSeed(t, dir, "a/nested.txt", "2")
	writeSeed(t, dir, ".hidden", "3")

	entries, err := mgr.Browse("", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 visible entries, got %d", len(entries))
	}
	if !entries[0].IsDir || entries[0].Name != "a" {
		t.Errorf("directories sort first: %+v", entries[0])
	}

	withHidden, _ := mgr.Browse("", true)
	if len(withHidden) != 3 {
		t.Errorf("expected hidden entry when requested, got %d", len(withHidden))
	}

	tree, err := mgr.Tree(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree) != 2 {
		t.Fatalf("tree roots = %d", len(tree))
	}
	if tree[0].Name != "a" || len(tree[0].Children) != 1 {
		t.Errorf("tree shape wrong: %+v", tree[0])
	}
}

func TestDirtyFiles(t *testing.T) {
	mgr, dir := newTestManager(t)
	writeSeed(t, dir, "f.txt", "x")

	if len(mgr.DirtyFiles()) != 0 {
		t.Error("fresh manager should have no dirty files")
	}
	change, _ := mgr.CreateChange(ChangeRequest{Path: "f.txt", Operation: core.OpUpdate, NewContent: core.StrPtr("y")})
	if dirty := mgr.DirtyFiles(); len(dirty) != 1 || dirty[0] != "f.txt" {
		t.Errorf("dirty = %v", dirty)
	}
	_, _ = mgr.Approve(change.ID)
	if len(mgr.DirtyFiles()) != 0 {
		t.Error("dirty set should empty after resolution")
	}
}
