package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/logging"
	"github.com/ensemble-ai/ensemble/internal/workspace"
)

const (
	defaultDebateRounds     = 1
	defaultReflectionRounds = 1
)

// BlockInput is the data flowing into a block from upstream.
type BlockInput struct {
	Text     string            // concatenated upstream block outputs
	PerAgent map[string]string // agent-level overrides (connection kind=agent)
}

// BlockExecutor runs one block under its coordination pattern.
type BlockExecutor struct {
	runner     *AgentRunner
	workspaces *workspace.Manager
	hub        *events.Hub
	tools      []core.ToolSpec
	blockLimit time.Duration
	model      string
	maxTokens  int
	internal   string // internal service token forwarded to tool calls
	logger     *logging.Logger
}

// NewBlockExecutor creates a block executor.
func NewBlockExecutor(runner *AgentRunner, workspaces *workspace.Manager, hub *events.Hub,
	tools []core.ToolSpec, blockLimit time.Duration, model string, maxTokens int,
	internalToken string, logger *logging.Logger) *BlockExecutor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &BlockExecutor{
		runner:     runner,
		workspaces: workspaces,
		hub:        hub,
		tools:      tools,
		blockLimit: blockLimit,
		model:      model,
		maxTokens:  maxTokens,
		internal:   internalToken,
		logger:     logger,
	}
}

// Execute runs one block and composes its result. An agent failure
// surfaces in the result's error; the scheduler decides downstream
// skipping.
func (e *BlockExecutor) Execute(ctx context.Context, executionID, workflowID string, block *core.Block, input BlockInput) *core.BlockResult {
	start := time.Now()
	result := &core.BlockResult{
		BlockID: block.ID,
		Pattern: block.Type,
		Status:  core.BlockCompleted,
	}
	defer func() { result.DurationMS = time.Since(start).Milliseconds() }()

	if e.blockLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.blockLimit)
		defer cancel()
	}

	run := blockRun{
		executor:    e,
		executionID: executionID,
		workflowID:  workflowID,
		block:       block,
		input:       input,
	}

	if block.GitRepo != "" {
		ws, err := e.workspaces.Prepare(ctx, executionID, block.ID, block.GitRepo, agentNames(block), block.IsolateAgentWorkspaces)
		if err != nil {
			return failResult(result, err)
		}
		run.workspace = ws
		e.publishWorkspaceInfo(executionID, block, ws)
	}

	var err error
	switch block.Type {
	case core.BlockSequential:
		err = run.sequential(ctx, result)
	case core.BlockParallel:
		err = run.parallel(ctx, result)
	case core.BlockHierarchical:
		err = run.hierarchical(ctx, result)
	case core.BlockDebate:
		err = run.debate(ctx, result)
	case core.BlockRouting:
		err = run.routing(ctx, result)
	case core.BlockReflection:
		err = run.reflection(ctx, result)
	default:
		err = core.ErrInvalidDesign("INVALID_BLOCK_TYPE", "unknown block type "+string(block.Type))
	}
	if err != nil {
		return failResult(result, err)
	}
	return result
}

func failResult(result *core.BlockResult, err error) *core.BlockResult {
	result.Status = core.BlockFailed
	result.Error = err.Error()
	return result
}

func agentNames(block *core.Block) []string {
	names := make([]string, 0, len(block.Agents))
	for _, a := range block.Agents {
		names = append(names, a.Name)
	}
	return names
}

func (e *BlockExecutor) publishWorkspaceInfo(executionID string, block *core.Block, ws *core.Workspace) {
	paths := make([]events.AgentPath, 0, len(block.Agents))
	for _, a := range block.Agents {
		p, err := e.workspaces.PathFor(ws, a.Name)
		if err != nil {
			continue
		}
		paths = append(paths, events.AgentPath{Name: a.Name, Path: p})
	}
	e.hub.Publish(events.NewWorkspaceInfoEvent(executionID, block.ID, string(ws.Mode), paths))
}

// blockRun carries the per-execution state shared by the patterns.
type blockRun struct {
	executor    *BlockExecutor
	executionID string
	workflowID  string
	block       *core.Block
	workspace   *core.Workspace
	input       BlockInput
}

// runAgent invokes one agent with the given prompt.
func (r *blockRun) runAgent(ctx context.Context, agent core.AgentDef, prompt string) *AgentResult {
	in := RunInput{
		ExecutionID: r.executionID,
		BlockID:     r.block.ID,
		Agent:       agent,
		UserPrompt:  prompt,
		Tools:       r.executor.tools,
		Model:       r.executor.model,
		MaxTokens:   r.executor.maxTokens,
		Metadata: map[string]string{
			"execution_id":   r.executionID,
			"block_id":       r.block.ID,
			"agent":          agent.Name,
			"workflow_id":    r.workflowID,
			"internal_token": r.executor.internal,
		},
	}
	if r.workspace != nil {
		path, err := r.executor.workspaces.PathFor(r.workspace, agent.Name)
		if err == nil {
			in.WorkingDir = path
			if r.workspace.Mode == core.WorkspacePerAgent {
				in.Metadata["workspace_path"] = path
			}
		}
	}
	return r.executor.runner.Run(ctx, in)
}

// effectiveInput resolves an agent's input: agent-level connections
// replace the default block input for their target agent only.
func (r *blockRun) effectiveInput(agentName string) string {
	if override, ok := r.input.PerAgent[agentName]; ok {
		return override
	}
	return r.input.Text
}

// taskFor composes the base prompt: block task plus the agent's input.
func (r *blockRun) taskFor(agentName string) string {
	task := r.block.Task
	if in := r.effectiveInput(agentName); in != "" {
		task = task + "\n\nInput:\n" + in
	}
	return task
}

func appendOutput(result *core.BlockResult, res *AgentResult, role core.AgentRole) {
	out := core.AgentOutput{
		Agent:      res.Agent,
		Role:       string(role),
		Output:     res.FinalText,
		DurationMS: res.DurationMS,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	result.PerAgentOutputs = append(result.PerAgentOutputs, out)
	result.AgentsUsed = append(result.AgentsUsed, res.Agent)
}

// sequential runs agents in declared order, feeding each the previous
// agent's final text.
func (r *blockRun) sequential(ctx context.Context, result *core.BlockResult) error {
	accumulator := ""
	for _, agent := range r.block.Agents {
		prompt := r.taskFor(agent.Name)
		if accumulator != "" {
			prompt = prompt + "\n\nPrevious: " + accumulator
		}
		res := r.runAgent(ctx, agent, prompt)
		appendOutput(result, res, agent.Role)
		if res.Err != nil {
			return res.Err
		}
		accumulator = res.FinalText
	}
	result.FinalOutput = accumulator
	return nil
}

// parallel fans all agents out concurrently, collects results in
// declaration order, and optionally synthesizes them with an
// aggregator-role agent.
func (r *blockRun) parallel(ctx context.Context, result *core.BlockResult) error {
	var aggregator *core.AgentDef
	workers := make([]core.AgentDef, 0, len(r.block.Agents))
	for i := range r.block.Agents {
		if r.block.Agents[i].Role == core.RoleAggregator && aggregator == nil {
			aggregator = &r.block.Agents[i]
			continue
		}
		workers = append(workers, r.block.Agents[i])
	}

	results := make([]*AgentResult, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range workers {
		g.Go(func() error {
			results[i] = r.runAgent(gctx, agent, r.taskFor(agent.Name))
			return nil // wait-all: failures compose below
		})
	}
	_ = g.Wait()

	var firstErr error
	var combined strings.Builder
	for i, res := range results {
		appendOutput(result, res, workers[i].Role)
		if res.Err != nil && firstErr == nil {
			firstErr = res.Err
		}
		fmt.Fprintf(&combined, "## %s\n%s\n\n", res.Agent, res.FinalText)
	}
	if firstErr != nil {
		return firstErr
	}

	if aggregator != nil {
		prompt := r.taskFor(aggregator.Name) + "\n\nAgent results:\n" + combined.String()
		res := r.runAgent(ctx, *aggregator, prompt)
		appendOutput(result, res, core.RoleAggregator)
		if res.Err != nil {
			return res.Err
		}
		result.FinalOutput = res.FinalText
		return nil
	}

	result.FinalOutput = strings.TrimSpace(combined.String())
	return nil
}

// hierarchical runs the manager to delegate, the workers in parallel on
// their sub-tasks, then the manager again to synthesize.
func (r *blockRun) hierarchical(ctx context.Context, result *core.BlockResult) error {
	manager := r.block.AgentsByRole(core.RoleManager)[0]
	workers := make([]core.AgentDef, 0, len(r.block.Agents))
	for _, a := range r.block.Agents {
		if a.Name != manager.Name {
			workers = append(workers, a)
		}
	}

	roster := make([]string, 0, len(workers))
	for _, w := range workers {
		roster = append(roster, w.Name)
	}
	delegatePrompt := fmt.Sprintf(
		"%s\n\nDelegate sub-tasks to your workers. Respond with a JSON object mapping worker name to sub-task. Workers: %s",
		r.taskFor(manager.Name), strings.Join(roster, ", "))

	managerRes := r.runAgent(ctx, manager, delegatePrompt)
	appendOutput(result, managerRes, core.RoleManager)
	if managerRes.Err != nil {
		return managerRes.Err
	}

	assignments := parseDelegation(managerRes.FinalText, roster)

	workerResults := make([]*AgentResult, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range workers {
		subTask := assignments[agent.Name]
		if subTask == "" {
			subTask = managerRes.FinalText
		}
		g.Go(func() error {
			workerResults[i] = r.runAgent(gctx, agent, subTask)
			return nil
		})
	}
	_ = g.Wait()

	var combined strings.Builder
	for i, res := range workerResults {
		appendOutput(result, res, workers[i].Role)
		if res.Err != nil {
			return res.Err
		}
		fmt.Fprintf(&combined, "## %s\n%s\n\n", res.Agent, res.FinalText)
	}

	synthesisPrompt := r.taskFor(manager.Name) + "\n\nWorker results:\n" + combined.String() +
		"\nSynthesize the final answer."
	finalRes := r.runAgent(ctx, manager, synthesisPrompt)
	appendOutput(result, finalRes, core.RoleManager)
	if finalRes.Err != nil {
		return finalRes.Err
	}
	result.FinalOutput = finalRes.FinalText
	return nil
}

// parseDelegation reads a manager's delegation output: JSON-shaped
// worker→task mapping, falling back to a heuristic split by worker name
// headers.
func parseDelegation(output string, workers []string) map[string]string {
	assignments := make(map[string]string, len(workers))

	if start, end := strings.Index(output, "{"), strings.LastIndex(output, "}"); start >= 0 && end > start {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(output[start:end+1]), &parsed); err == nil {
			for _, w := range workers {
				if task, ok := parsed[w]; ok {
					assignments[w] = task
				}
			}
			if len(assignments) > 0 {
				return assignments
			}
		}
	}

	// Heuristic: lines addressed by worker name collect until the next
	// worker header.
	lines := strings.Split(output, "\n")
	current := ""
	var buf strings.Builder
	flush := func() {
		if current != "" {
			assignments[current] = strings.TrimSpace(buf.String())
		}
		buf.Reset()
	}
	for _, line := range lines {
		matched := ""
		for _, w := range workers {
			trimmed := strings.TrimLeft(line, "#* ")
			if strings.HasPrefix(trimmed, w+":") || trimmed == w {
				matched = w
				break
			}
		}
		if matched != "" {
			flush()
			current = matched
			if idx := strings.Index(line, ":"); idx >= 0 {
				buf.WriteString(strings.TrimSpace(line[idx+1:]))
			}
			continue
		}
		if current != "" {
			buf.WriteString("\n" + line)
		}
	}
	flush()
	return assignments
}

// debate runs R rounds of statements in declared order, each participant
// seeing the transcript so far.
func (r *blockRun) debate(ctx context.Context, result *core.BlockResult) error {
	rounds := r.block.Rounds
	if rounds <= 0 {
		rounds = defaultDebateRounds
	}

	participants := make([]core.AgentDef, 0, len(r.block.Agents))
	for _, a := range r.block.Agents {
		if a.Role != core.RoleModerator {
			participants = append(participants, a)
		}
	}

	var transcript strings.Builder
	for round := 1; round <= rounds; round++ {
		for _, agent := range participants {
			prompt := r.taskFor(agent.Name)
			if transcript.Len() > 0 {
				prompt = prompt + "\n\nDebate so far:\n" + transcript.String()
			}
			res := r.runAgent(ctx, agent, prompt)
			appendOutput(result, res, agent.Role)
			if res.Err != nil {
				return res.Err
			}
			fmt.Fprintf(&transcript, "[round %d] %s: %s\n", round, agent.Name, res.FinalText)
		}
	}

	result.FinalOutput = transcript.String()
	return nil
}

// routing runs the router to pick a specialist, then the specialist.
// Unparseable router output falls back to the first specialist.
func (r *blockRun) routing(ctx context.Context, result *core.BlockResult) error {
	router := r.block.AgentsByRole(core.RoleRouter)[0]
	specialists := r.block.AgentsByRole(core.RoleSpecialist)

	roster := make([]string, 0, len(specialists))
	for _, s := range specialists {
		roster = append(roster, s.Name)
	}
	routePrompt := fmt.Sprintf(
		"%s\n\nPick the best specialist for this task and justify briefly. Specialists: %s",
		r.taskFor(router.Name), strings.Join(roster, ", "))

	routeRes := r.runAgent(ctx, router, routePrompt)
	appendOutput(result, routeRes, core.RoleRouter)
	if routeRes.Err != nil {
		return routeRes.Err
	}

	selected := pickSpecialist(routeRes.FinalText, specialists)
	if selected == nil {
		r.executor.logger.Warn("router output did not name a specialist; falling back to first",
			"block_id", r.block.ID)
		selected = &specialists[0]
	}

	res := r.runAgent(ctx, *selected, r.taskFor(selected.Name))
	appendOutput(result, res, core.RoleSpecialist)
	if res.Err != nil {
		return res.Err
	}
	result.FinalOutput = res.FinalText
	return nil
}

// pickSpecialist finds the earliest specialist mentioned in the router's
// decision.
func pickSpecialist(output string, specialists []core.AgentDef) *core.AgentDef {
	lower := strings.ToLower(output)
	best := -1
	var chosen *core.AgentDef
	for i := range specialists {
		pos := strings.Index(lower, strings.ToLower(specialists[i].Name))
		if pos >= 0 && (best < 0 || pos < best) {
			best = pos
			chosen = &specialists[i]
		}
	}
	return chosen
}

// reflection alternates worker drafts with reflector critiques.
func (r *blockRun) reflection(ctx context.Context, result *core.BlockResult) error {
	reflector := r.block.AgentsByRole(core.RoleReflector)[0]
	var worker core.AgentDef
	for _, a := range r.block.Agents {
		if a.Name != reflector.Name {
			worker = a
			break
		}
	}

	rounds := r.block.Rounds
	if rounds <= 0 {
		rounds = defaultReflectionRounds
	}

	draftRes := r.runAgent(ctx, worker, r.taskFor(worker.Name))
	appendOutput(result, draftRes, worker.Role)
	if draftRes.Err != nil {
		return draftRes.Err
	}
	draft := draftRes.FinalText

	for round := 0; round < rounds; round++ {
		critiquePrompt := r.taskFor(reflector.Name) + "\n\nDraft:\n" + draft + "\n\nCritique this draft."
		critiqueRes := r.runAgent(ctx, reflector, critiquePrompt)
		appendOutput(result, critiqueRes, core.RoleReflector)
		if critiqueRes.Err != nil {
			return critiqueRes.Err
		}

		revisePrompt := r.taskFor(worker.Name) + "\n\nYour draft:\n" + draft +
			"\n\nCritique:\n" + critiqueRes.FinalText + "\n\nRevise the draft."
		reviseRes := r.runAgent(ctx, worker, revisePrompt)
		appendOutput(result, reviseRes, worker.Role)
		if reviseRes.Err != nil {
			return reviseRes.Err
		}
		draft = reviseRes.FinalText
	}

	result.FinalOutput = draft
	return nil
}
