package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ensemble-ai/ensemble/internal/core"
)

// Registry tracks executions from start through the retention window,
// enabling cancellation, listing, and workspace-path verification.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]*trackedExecution
}

type trackedExecution struct {
	execution *core.Execution
	cancel    context.CancelFunc
	doneAt    time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]*trackedExecution)}
}

// Register tracks a new execution with its cancel function.
func (r *Registry) Register(exec *core.Execution, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[exec.ID] = &trackedExecution{execution: exec, cancel: cancel}
}

// Get returns an execution by id.
func (r *Registry) Get(id string) (*core.Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.execs[id]
	if !ok {
		return nil, false
	}
	return t.execution, true
}

// Has reports whether the execution is known (live or retained).
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.execs[id]
	return ok
}

// List returns all tracked executions, newest first.
func (r *Registry) List() []*core.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Execution, 0, len(r.execs))
	for _, t := range r.execs {
		out = append(out, t.execution)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel requests cooperative cancellation of a running execution.
func (r *Registry) Cancel(id string) error {
	r.mu.RLock()
	t, ok := r.execs[id]
	r.mu.RUnlock()
	if !ok {
		return core.ErrNotFound("execution", id)
	}
	if t.execution.Status.IsTerminal() {
		return core.ErrConflict(core.CodeAlreadyResolved, "execution already finished: "+id)
	}
	t.cancel()
	return nil
}

// MarkDone stamps an execution finished for retention sweeping.
func (r *Registry) MarkDone(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.execs[id]; ok {
		t.doneAt = time.Now()
	}
}

// Sweep drops finished executions older than the retention window.
func (r *Registry) Sweep(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	cutoff := time.Now().Add(-retention)
	for id, t := range r.execs {
		if !t.doneAt.IsZero() && t.doneAt.Before(cutoff) {
			delete(r.execs, id)
			n++
		}
	}
	return n
}
