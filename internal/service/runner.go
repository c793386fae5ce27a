package service

import (
	"context"
	"time"

	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/logging"
)

// RunInput configures one agent turn.
type RunInput struct {
	ExecutionID string
	BlockID     string
	Agent       core.AgentDef
	UserPrompt  string
	WorkingDir  string
	Tools       []core.ToolSpec
	Metadata    map[string]string
	Model       string
	MaxTokens   int
}

// AgentResult is the outcome of one agent turn.
type AgentResult struct {
	Agent      string
	FinalText  string
	Usage      *core.Usage
	DurationMS int64
	Err        error
}

// AgentRunner wraps a single ModelClient.Stream invocation for one
// agent, translating the model stream into hub events. The bridge is
// authoritative for tool-call logging; tool_call events observed here
// are best-effort (the vendor SDK may dispatch tools without surfacing
// them inline).
type AgentRunner struct {
	model     core.ModelClient
	hub       *events.Hub
	turnLimit time.Duration
	logger    *logging.Logger
}

// NewAgentRunner creates a runner.
func NewAgentRunner(model core.ModelClient, hub *events.Hub, turnLimit time.Duration, logger *logging.Logger) *AgentRunner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &AgentRunner{model: model, hub: hub, turnLimit: turnLimit, logger: logger}
}

// Run executes one agent turn. Cancellation propagates through ctx to
// the model client; already-applied file changes are not rolled back.
func (r *AgentRunner) Run(ctx context.Context, in RunInput) *AgentResult {
	start := time.Now()
	result := &AgentResult{Agent: in.Agent.Name}

	if r.turnLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.turnLimit)
		defer cancel()
	}

	r.hub.Publish(events.NewAgentStartedEvent(in.ExecutionID, in.BlockID, in.Agent.Name))
	defer func() {
		result.DurationMS = time.Since(start).Milliseconds()
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		r.hub.Publish(events.NewAgentCompletedEvent(in.ExecutionID, in.BlockID, in.Agent.Name, result.DurationMS, errMsg))
	}()

	tools := in.Tools
	if !in.Agent.UseTools {
		tools = nil
	}
	model := in.Agent.Model
	if model == "" {
		model = in.Model
	}

	stream, err := r.model.Stream(ctx, core.StreamOptions{
		System:     in.Agent.SystemPrompt,
		Messages:   []core.Message{{Role: core.RoleUser, Content: in.UserPrompt}},
		Tools:      tools,
		Model:      model,
		MaxTokens:  in.MaxTokens,
		WorkingDir: in.WorkingDir,
		Metadata:   in.Metadata,
	})
	if err != nil {
		result.Err = core.ErrModel("starting model stream", err)
		return result
	}

	for {
		select {
		case <-ctx.Done():
			result.Err = core.FromContext(ctx, "agent turn")
			return result
		case ev, ok := <-stream:
			if !ok {
				// Stream closed without a done event; keep what we have.
				return result
			}
			switch ev.Kind {
			case core.ModelEventChunk:
				r.hub.Publish(events.NewAgentChunkEvent(in.ExecutionID, in.BlockID, in.Agent.Name, ev.Text))
			case core.ModelEventToolCall:
				// Recorded for the runner's own log only: the bridge is
				// authoritative for tool_call stream events and already
				// published this invocation.
				r.logger.Debug("tool call observed",
					"agent", in.Agent.Name, "tool", ev.ToolName,
					"args", summarizeArgs(ev.ToolArgs), "error", ev.ToolErr)
			case core.ModelEventDone:
				result.FinalText = ev.FinalText
				result.Usage = ev.Usage
				return result
			case core.ModelEventError:
				result.Err = core.ErrModel("model stream failed", ev.Err)
				return result
			}
		}
	}
}

func summarizeArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	out := ""
	for k := range args {
		if out != "" {
			out += ","
		}
		out += k
	}
	return out
}
