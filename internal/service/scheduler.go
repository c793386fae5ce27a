package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/logging"
	"github.com/ensemble-ai/ensemble/internal/workspace"
)

// Scheduler compiles designs and drives blocks in topological order,
// propagating outputs along connections.
type Scheduler struct {
	executor       *BlockExecutor
	hub            *events.Hub
	workspaces     *workspace.Manager
	registry       *Registry
	store          core.Store
	execLimit      time.Duration
	grace          time.Duration
	parallelLevels bool
	logger         *logging.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(executor *BlockExecutor, hub *events.Hub, workspaces *workspace.Manager,
	registry *Registry, store core.Store, execLimit, grace time.Duration,
	parallelLevels bool, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		executor:       executor,
		hub:            hub,
		workspaces:     workspaces,
		registry:       registry,
		store:          store,
		execLimit:      execLimit,
		grace:          grace,
		parallelLevels: parallelLevels,
		logger:         logger,
	}
}

// Start compiles a design and launches its execution asynchronously.
// The returned execution is already registered and streaming.
func (s *Scheduler) Start(design *core.Design, workflowID, userPrompt string) (*core.Execution, error) {
	schedule, err := Compile(design)
	if err != nil {
		return nil, err
	}

	exec := core.NewExecution(design.ID, workflowID)
	var ctx context.Context
	var cancel context.CancelFunc
	if s.execLimit > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.execLimit)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	s.registry.Register(exec, cancel)
	s.hub.Register(exec.ID)
	s.hub.Publish(events.NewExecutionStartedEvent(exec.ID, design.ID))

	go func() {
		defer cancel()
		s.run(ctx, exec, schedule, userPrompt)
	}()
	return exec, nil
}

func (s *Scheduler) run(ctx context.Context, exec *core.Execution, schedule *Schedule, userPrompt string) {
	logger := s.logger.WithExecution(exec.ID)
	exec.Status = core.ExecutionRunning
	logger.Info("execution started", "design_id", exec.DesignID, "blocks", len(schedule.Order))

	// mu guards skipped, failed, and BlockResults: blocks on the same
	// level may run concurrently when parallel_levels is enabled.
	var mu sync.Mutex
	skipped := make(map[string]string) // block id -> reason
	failed := false

	runBlock := func(blockID string) {
		mu.Lock()
		if reason, skip := skipped[blockID]; skip {
			exec.BlockResults[blockID] = &core.BlockResult{
				BlockID:    blockID,
				Status:     core.BlockSkipped,
				SkipReason: reason,
			}
			mu.Unlock()
			s.hub.Publish(events.NewBlockCompletedEvent(exec.ID, blockID, string(core.BlockSkipped), "", reason))
			return
		}
		block, _ := schedule.Design.Block(blockID)
		input := s.gatherInput(schedule, exec, blockID, userPrompt)
		mu.Unlock()

		s.hub.Publish(events.NewBlockStartedEvent(exec.ID, blockID, string(block.Type)))
		result := s.executor.Execute(ctx, exec.ID, exec.WorkflowID, block, input)

		mu.Lock()
		exec.BlockResults[blockID] = result
		if result.Status == core.BlockFailed {
			failed = true
			for _, downstream := range schedule.TransitiveDownstream(blockID) {
				if _, already := skipped[downstream]; !already {
					skipped[downstream] = "upstream_failure"
				}
			}
		}
		mu.Unlock()

		s.hub.Publish(events.NewBlockCompletedEvent(
			exec.ID, blockID, string(result.Status), summarize(result.FinalOutput), result.Error))
		if result.Status == core.BlockFailed {
			logger.Warn("block failed", "block_id", blockID, "error", result.Error)
		}
	}

	if s.parallelLevels {
		for _, level := range schedule.Levels {
			if ctx.Err() != nil {
				break
			}
			g, _ := errgroup.WithContext(ctx)
			for _, blockID := range level {
				// Skip propagation within a level is safe: levels never
				// contain a block and its own downstream.
				g.Go(func() error { runBlock(blockID); return nil })
			}
			_ = g.Wait()
		}
	} else {
		for _, blockID := range schedule.Order {
			if ctx.Err() != nil {
				break
			}
			runBlock(blockID)
		}
	}

	status := core.ExecutionCompleted
	errMsg := ""
	switch {
	case ctx.Err() == context.Canceled:
		// Explicit cancellation wins over block failures it induced.
		status = core.ExecutionCancelled
		errMsg = core.ErrCancelled("execution cancelled").Error()
	case ctx.Err() == context.DeadlineExceeded:
		status = core.ExecutionFailed
		errMsg = core.ErrTimeout("execution timed out").Error()
	case failed:
		status = core.ExecutionFailed
		errMsg = firstBlockError(exec)
	}
	exec.Finish(status)

	s.hub.Publish(events.NewExecutionCompletedEvent(exec.ID, string(status), errMsg))
	s.hub.CloseExecution(exec.ID)
	s.registry.MarkDone(exec.ID)
	s.persist(exec)

	// Workspaces stay inspectable through the grace window regardless of
	// outcome.
	s.workspaces.ScheduleDestroy(exec.ID, s.grace)
	logger.Info("execution finished", "status", string(status))
}

// gatherInput aggregates upstream outputs along connections. Block-level
// connections concatenate; agent-level connections target one agent.
// Source blocks receive the user prompt.
func (s *Scheduler) gatherInput(schedule *Schedule, exec *core.Execution, blockID, userPrompt string) BlockInput {
	conns := schedule.Design.Upstream(blockID)
	if len(conns) == 0 {
		return BlockInput{Text: userPrompt}
	}

	var parts []string
	perAgent := make(map[string]string)
	for _, c := range conns {
		upstream, ok := exec.BlockResults[c.SourceBlock]
		if !ok || upstream.Status != core.BlockCompleted {
			continue
		}
		output := upstream.FinalOutput
		if c.Kind == core.ConnAgent {
			if c.SourceAgent != "" {
				for _, ao := range upstream.PerAgentOutputs {
					if ao.Agent == c.SourceAgent {
						output = ao.Output
					}
				}
			}
			perAgent[c.TargetAgent] = output
			continue
		}
		parts = append(parts, output)
	}

	in := BlockInput{Text: strings.Join(parts, "\n\n")}
	if len(perAgent) > 0 {
		in.PerAgent = perAgent
	}
	return in
}

func firstBlockError(exec *core.Execution) string {
	for _, r := range exec.BlockResults {
		if r.Status == core.BlockFailed && r.Error != "" {
			return r.Error
		}
	}
	return "block failed"
}

// persist writes the finished execution and its buffered event log to
// the store. Best-effort: a store failure never fails the execution.
func (s *Scheduler) persist(exec *core.Execution) {
	if s.store == nil {
		return
	}
	var eventLog []byte
	if log, ok := s.hub.Log(exec.ID); ok {
		eventLog, _ = json.Marshal(log)
	}
	finished := time.Now()
	if exec.FinishedAt != nil {
		finished = *exec.FinishedAt
	}
	rec := &core.ExecutionRecord{
		ID:         exec.ID,
		DesignID:   exec.DesignID,
		WorkflowID: exec.WorkflowID,
		Status:     exec.Status,
		StartedAt:  exec.StartedAt,
		FinishedAt: finished,
		EventLog:   eventLog,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.SaveExecution(ctx, rec); err != nil {
		s.logger.Warn("persisting execution failed", "execution_id", exec.ID, "error", err)
	}
}

func summarize(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
