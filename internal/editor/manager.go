// Package editor implements the reviewable file-editing substrate: each
// Manager owns one working tree, applies every mutation to disk at
// creation time, and tracks it as a pending change until a reviewer
// approves or rejects it.
package editor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/logging"
)

// Limits bounds manager operations.
type Limits struct {
	MaxFileSize    int64
	TreeMaxDepth   int
	TreeMaxNodes   int
	SearchMaxHits  int
	RollbackWindow time.Duration
}

// DefaultLimits returns the built-in operation bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:    10 << 20,
		TreeMaxDepth:   10,
		TreeMaxNodes:   50_000,
		SearchMaxHits:  500,
		RollbackWindow: time.Hour,
	}
}

// Manager is the authoritative interface to one working tree.
type Manager struct {
	root     string
	rootReal string
	limits   Limits
	logger   *logging.Logger

	stateMu sync.RWMutex
	pending map[string]*core.Change
	order   []string // pending change ids in creation order
	history []*core.Change

	locksMu   sync.Mutex
	fileLocks map[string]*sync.Mutex
}

// NewManager creates a manager rooted at dir.
func NewManager(dir string, limits Limits, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	rootAbs, rootReal, err := canonicalizeRoot(dir)
	if err != nil {
		return nil, core.ErrIO("canonicalizing root", err)
	}
	info, err := os.Stat(rootAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("workspace root", dir)
		}
		return nil, core.ErrIO("stat root", err)
	}
	if !info.IsDir() {
		return nil, core.ErrConflict(core.CodeNotDirectory, "workspace root is not a directory")
	}
	return &Manager{
		root:      rootAbs,
		rootReal:  rootReal,
		limits:    limits,
		logger:    logger,
		pending:   make(map[string]*core.Change),
		fileLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the manager's absolute root path.
func (m *Manager) Root() string { return m.rootReal }

// lockFor returns the write mutex for a relative path.
func (m *Manager) lockFor(rel string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.fileLocks[rel]
	if !ok {
		mu = &sync.Mutex{}
		m.fileLocks[rel] = mu
	}
	return mu
}

// lockPaths acquires the write locks for the given relative paths in
// lexicographic order so concurrent multi-path operations cannot
// deadlock. Returns the unlock function.
func (m *Manager) lockPaths(rels ...string) func() {
	uniq := make([]string, 0, len(rels))
	seen := make(map[string]bool, len(rels))
	for _, r := range rels {
		if r != "" && !seen[r] {
			seen[r] = true
			uniq = append(uniq, r)
		}
	}
	sort.Strings(uniq)

	locks := make([]*sync.Mutex, 0, len(uniq))
	for _, r := range uniq {
		mu := m.lockFor(r)
		mu.Lock()
		locks = append(locks, mu)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// FileContent is the result of a read.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
	Binary  bool   `json:"is_binary"`
}

// Read returns file content. Reads take no lock; concurrent writers are
// observed either entirely before or entirely after (atomic rename).
func (m *Manager) Read(path string) (*FileContent, error) {
	abs, err := m.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("file", path)
		}
		return nil, core.ErrIO("stat file", err)
	}
	if info.IsDir() {
		return nil, core.ErrConflict(core.CodeIsDirectory, "path is a directory: "+path)
	}
	if info.Size() > m.limits.MaxFileSize {
		return nil, core.ErrTooLarge("file exceeds size limit: " + path)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, core.ErrIO("read file", err)
	}

	out := &FileContent{Path: path, Size: info.Size(), Binary: isBinaryContent(content)}
	if !out.Binary {
		out.Content = string(content)
	}
	return out, nil
}

// Entry is one row of a directory listing.
type Entry struct {
	Name       string    `json:"name"`
	IsDir      bool      `json:"is_dir"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Browse lists a directory. Hidden entries are skipped unless requested.
func (m *Manager) Browse(path string, includeHidden bool) ([]Entry, error) {
	abs, err := m.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("directory", path)
		}
		return nil, core.ErrIO("stat directory", err)
	}
	if !info.IsDir() {
		return nil, core.ErrConflict(core.CodeNotDirectory, "path is not a directory: "+path)
	}

	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, core.ErrIO("read directory", err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		if !includeHidden && strings.HasPrefix(de.Name(), ".") {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:       de.Name(),
			IsDir:      de.IsDir(),
			Size:       fi.Size(),
			ModifiedAt: fi.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// TreeNode is one node of a recursive listing.
type TreeNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"is_dir"`
	Children []TreeNode `json:"children,omitempty"`
}

// Tree returns a recursive listing bounded by maxDepth and the total
// node cap. A truncated tree is returned as-is, not an error.
func (m *Manager) Tree(maxDepth int) ([]TreeNode, error) {
	if maxDepth <= 0 || maxDepth > m.limits.TreeMaxDepth {
		maxDepth = m.limits.TreeMaxDepth
	}
	budget := m.limits.TreeMaxNodes
	nodes, _ := m.buildTree(".", "", 0, maxDepth, &budget)
	return nodes, nil
}

func (m *Manager) buildTree(dir, relPath string, depth, maxDepth int, budget *int) ([]TreeNode, error) {
	if depth >= maxDepth || *budget <= 0 {
		return nil, nil
	}
	abs, err := m.resolve(dir)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, core.ErrIO("read directory", err)
	}

	nodes := make([]TreeNode, 0, len(dirents))
	for _, de := range dirents {
		if *budget <= 0 {
			break
		}
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		nodePath := name
		if relPath != "" {
			nodePath = relPath + "/" + name
		}
		node := TreeNode{Name: name, Path: nodePath, IsDir: de.IsDir()}
		*budget--

		if de.IsDir() {
			children, err := m.buildTree(filepath.Join(dir, name), nodePath, depth+1, maxDepth, budget)
			if err == nil {
				node.Children = children
			}
		}
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return strings.ToLower(nodes[i].Name) < strings.ToLower(nodes[j].Name)
	})
	return nodes, nil
}

// ChangeRequest is the input to CreateChange.
type ChangeRequest struct {
	Path         string
	Operation    core.ChangeOperation
	NewContent   *string
	OldPath      string
	GenerateDiff bool
	Agent        string
	Block        string
}

// CreateChange is the central writer: it acquires the per-file locks,
// captures the current disk content as the undo state, applies the
// mutation atomically, and records a pending change.
func (m *Manager) CreateChange(req ChangeRequest) (*core.Change, error) {
	change := core.NewChange(req.Path, req.Operation)
	change.NewContent = req.NewContent
	change.OldPath = req.OldPath
	change.Agent = req.Agent
	change.Block = req.Block
	if err := change.ValidateOperation(); err != nil {
		return nil, err
	}

	abs, err := m.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	var oldAbs string
	if req.Operation == core.OpMove {
		if oldAbs, err = m.resolve(req.OldPath); err != nil {
			return nil, err
		}
	}

	unlock := m.lockPaths(req.Path, req.OldPath)
	defer unlock()

	if err := m.captureAndApply(change, abs, oldAbs); err != nil {
		return nil, err
	}

	if req.GenerateDiff {
		change.Diff = unifiedDiff(req.Path, change.OldContent, change.NewContent)
	}

	m.stateMu.Lock()
	// Stamped under the state lock so listing order matches the order
	// mutations actually hit the disk.
	change.CreatedAt = time.Now()
	m.pending[change.ID] = change
	m.order = append(m.order, change.ID)
	m.stateMu.Unlock()

	m.logger.Debug("change created",
		"change_id", change.ID, "path", req.Path, "operation", string(req.Operation))
	return change, nil
}

// captureAndApply snapshots old content and applies the mutation.
// Callers hold the file locks.
func (m *Manager) captureAndApply(change *core.Change, abs, oldAbs string) error {
	switch change.Operation {
	case core.OpCreate:
		if _, err := os.Stat(abs); err == nil {
			return core.ErrConflict(core.CodeAlreadyExists, "file already exists: "+change.FilePath)
		}
		return m.writeFile(abs, []byte(*change.NewContent))

	case core.OpUpdate:
		old, err := m.snapshotFile(abs, change.FilePath)
		if err != nil {
			return err
		}
		change.OldContent = old
		return m.writeFile(abs, []byte(*change.NewContent))

	case core.OpDelete:
		old, err := m.snapshotFile(abs, change.FilePath)
		if err != nil {
			return err
		}
		change.OldContent = old
		if err := os.Remove(abs); err != nil {
			if os.IsNotExist(err) {
				return core.ErrNotFound("file", change.FilePath)
			}
			return core.ErrIO("delete file", err)
		}
		return nil

	case core.OpMove:
		old, err := m.snapshotFile(oldAbs, change.OldPath)
		if err != nil {
			return err
		}
		change.OldContent = old
		if _, err := os.Stat(abs); err == nil {
			return core.ErrConflict(core.CodeAlreadyExists, "move target already exists: "+change.FilePath)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
			return core.ErrIO("creating parent directory", err)
		}
		if err := os.Rename(oldAbs, abs); err != nil {
			return core.ErrIO("move file", err)
		}
		if change.NewContent != nil {
			return m.writeFile(abs, []byte(*change.NewContent))
		}
		return nil
	}
	return core.ErrInvalidInput("unknown change operation")
}

// snapshotFile reads the current disk content as the undo state.
func (m *Manager) snapshotFile(abs, rel string) (*string, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("file", rel)
		}
		return nil, core.ErrIO("snapshot file", err)
	}
	s := string(data)
	return &s, nil
}

// writeFile applies content atomically: tmp file in the same directory,
// fsync, rename.
func (m *Manager) writeFile(abs string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return core.ErrIO("creating parent directory", err)
	}
	if err := renameio.WriteFile(abs, data, 0o644); err != nil {
		return core.ErrIO("write file", err)
	}
	return nil
}

// Approve marks a pending change approved. Metadata transition only;
// the mutation is already on disk.
func (m *Manager) Approve(changeID string) (*core.Change, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	change, ok := m.pending[changeID]
	if !ok {
		return nil, m.resolvedOrMissingLocked(changeID)
	}
	change.Resolve(core.ChangeApproved)
	m.removePendingLocked(changeID)
	m.history = append(m.history, change)
	return change, nil
}

// Reject reverts the change's disk mutation to its create-time snapshot
// and moves it to history. Rejecting a non-tail change on a file with
// later pending changes clobbers them; callers should reject overlapping
// files in reverse-chronological order.
func (m *Manager) Reject(changeID string) (*core.Change, error) {
	m.stateMu.Lock()
	change, ok := m.pending[changeID]
	if !ok {
		err := m.resolvedOrMissingLocked(changeID)
		m.stateMu.Unlock()
		return nil, err
	}
	m.stateMu.Unlock()

	unlock := m.lockPaths(change.FilePath, change.OldPath)
	if err := m.revert(change); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	m.stateMu.Lock()
	change.Resolve(core.ChangeRejected)
	m.removePendingLocked(changeID)
	m.history = append(m.history, change)
	m.stateMu.Unlock()
	return change, nil
}

// revert undoes a change's disk mutation. Callers hold the file locks.
func (m *Manager) revert(change *core.Change) error {
	abs, err := m.resolve(change.FilePath)
	if err != nil {
		return err
	}
	switch change.Operation {
	case core.OpCreate:
		// os.Remove handles files and empty directories alike.
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return core.ErrIO("revert create", err)
		}
		return nil
	case core.OpUpdate, core.OpDelete:
		if change.OldContent == nil {
			return core.ErrInternal("change has no undo snapshot", nil)
		}
		return m.writeFile(abs, []byte(*change.OldContent))
	case core.OpMove:
		oldAbs, err := m.resolve(change.OldPath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(oldAbs), 0o750); err != nil {
			return core.ErrIO("creating parent directory", err)
		}
		if err := os.Rename(abs, oldAbs); err != nil {
			return core.ErrIO("revert move", err)
		}
		if change.NewContent != nil && change.OldContent != nil {
			return m.writeFile(oldAbs, []byte(*change.OldContent))
		}
		return nil
	}
	return core.ErrInvalidInput("unknown change operation")
}

// Rollback reverts an approved change within the rollback window,
// recording a compensating change in history.
func (m *Manager) Rollback(changeID string) (*core.Change, error) {
	m.stateMu.Lock()
	var target *core.Change
	for _, c := range m.history {
		if c.ID == changeID {
			target = c
			break
		}
	}
	m.stateMu.Unlock()

	if target == nil {
		return nil, core.ErrNotFound("change", changeID)
	}
	if target.Status != core.ChangeApproved {
		return nil, core.ErrConflict(core.CodeAlreadyResolved, "only approved changes can be rolled back")
	}
	if target.ResolvedAt != nil && time.Since(*target.ResolvedAt) > m.limits.RollbackWindow {
		return nil, core.ErrConflict(core.CodeRollbackExpired, "rollback window elapsed for change "+changeID)
	}

	unlock := m.lockPaths(target.FilePath, target.OldPath)
	if err := m.revert(target); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	comp := core.NewChange(target.FilePath, inverseOperation(target.Operation))
	comp.OldContent = target.NewContent
	comp.NewContent = target.OldContent
	if target.Operation == core.OpMove {
		// The compensating move is from the target's new path back.
		comp.FilePath = target.OldPath
		comp.OldPath = target.FilePath
	}
	comp.Resolve(core.ChangeApproved)

	m.stateMu.Lock()
	m.history = append(m.history, comp)
	m.stateMu.Unlock()
	return comp, nil
}

func inverseOperation(op core.ChangeOperation) core.ChangeOperation {
	switch op {
	case core.OpCreate:
		return core.OpDelete
	case core.OpDelete:
		return core.OpCreate
	case core.OpMove:
		return core.OpMove
	default:
		return core.OpUpdate
	}
}

// ListChanges returns changes in chronological creation order,
// optionally filtered by status.
func (m *Manager) ListChanges(status core.ChangeStatus) []*core.Change {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	out := make([]*core.Change, 0, len(m.pending)+len(m.history))
	for _, c := range m.history {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	for _, id := range m.order {
		c := m.pending[id]
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetChange returns one change by id, pending or historical.
func (m *Manager) GetChange(changeID string) (*core.Change, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if c, ok := m.pending[changeID]; ok {
		return c, true
	}
	for _, c := range m.history {
		if c.ID == changeID {
			return c, true
		}
	}
	return nil, false
}

// DirtyFiles returns the set of paths touched by pending changes.
func (m *Manager) DirtyFiles() []string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	set := make(map[string]bool)
	for _, c := range m.pending {
		set[c.FilePath] = true
		if c.OldPath != "" {
			set[c.OldPath] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// CreateDirectory creates a directory tree and records a create change
// so the mutation stays reviewable.
func (m *Manager) CreateDirectory(path string) (*core.Change, error) {
	abs, err := m.resolve(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err == nil {
		return nil, core.ErrConflict(core.CodeAlreadyExists, "directory already exists: "+path)
	}

	unlock := m.lockPaths(path)
	defer unlock()

	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, core.ErrIO("create directory", err)
	}

	change := core.NewChange(path, core.OpCreate)
	m.stateMu.Lock()
	change.CreatedAt = time.Now()
	m.pending[change.ID] = change
	m.order = append(m.order, change.ID)
	m.stateMu.Unlock()
	return change, nil
}

// Move is a convenience wrapper over CreateChange with op=move.
func (m *Manager) Move(oldPath, newPath string, generateDiff bool) (*core.Change, error) {
	return m.CreateChange(ChangeRequest{
		Path:         newPath,
		Operation:    core.OpMove,
		OldPath:      oldPath,
		GenerateDiff: generateDiff,
	})
}

// Delete is a convenience wrapper over CreateChange with op=delete.
func (m *Manager) Delete(path string) (*core.Change, error) {
	return m.CreateChange(ChangeRequest{Path: path, Operation: core.OpDelete})
}

func (m *Manager) removePendingLocked(changeID string) {
	delete(m.pending, changeID)
	for i, id := range m.order {
		if id == changeID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// resolvedOrMissingLocked distinguishes already-resolved from unknown
// change ids. Callers hold stateMu.
func (m *Manager) resolvedOrMissingLocked(changeID string) error {
	for _, c := range m.history {
		if c.ID == changeID {
			return core.ErrConflict(core.CodeAlreadyResolved, "change already resolved: "+changeID)
		}
	}
	return core.ErrNotFound("change", changeID)
}
