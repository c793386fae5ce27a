// Package anthropic implements the ModelClient port over the official
// Anthropic SDK, including the multi-turn tool-use loop: each turn the
// model may emit tool_use blocks, which are dispatched through the tool
// bridge and fed back as tool_result blocks until the model stops
// calling tools.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ensemble-ai/ensemble/internal/bridge"
	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/logging"
)

const maxToolTurns = 16

// ToolExecutor dispatches tool calls. The in-process bridge satisfies it.
type ToolExecutor interface {
	Invoke(ctx context.Context, cc bridge.CallContext, name string, args map[string]interface{}) (interface{}, error)
}

// Client streams completions from the Anthropic API.
type Client struct {
	api       anthropic.Client
	model     string
	maxTokens int64
	tools     ToolExecutor
	logger    *logging.Logger
}

// Compile-time interface conformance check.
var _ core.ModelClient = (*Client)(nil)

// NewClient creates a client. The executor may be nil for tool-less use.
func NewClient(apiKey, model string, maxTokens int, tools ToolExecutor, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		api:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
		tools:     tools,
		logger:    logger,
	}
}

// Stream implements core.ModelClient.
func (c *Client) Stream(ctx context.Context, opts core.StreamOptions) (<-chan core.ModelEvent, error) {
	out := make(chan core.ModelEvent, 64)
	go func() {
		defer close(out)
		c.run(ctx, opts, out)
	}()
	return out, nil
}

func (c *Client) run(ctx context.Context, opts core.StreamOptions, out chan<- core.ModelEvent) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	messages := convertMessages(opts.Messages)
	tools := convertTools(opts.Tools)

	finalText := ""
	usage := &core.Usage{}

	for turn := 0; turn < maxToolTurns; turn++ {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: maxTokens,
			Messages:  messages,
			Tools:     tools,
		}
		if opts.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: opts.System}}
		}

		message, turnText, err := c.streamTurn(ctx, params, out)
		if err != nil {
			out <- core.ModelEvent{Kind: core.ModelEventError, Err: err}
			return
		}
		finalText = turnText
		usage.TokensIn += int(message.Usage.InputTokens)
		usage.TokensOut += int(message.Usage.OutputTokens)

		toolUses := collectToolUses(message)
		if len(toolUses) == 0 {
			out <- core.ModelEvent{Kind: core.ModelEventDone, FinalText: finalText, Usage: usage}
			return
		}
		if c.tools == nil {
			out <- core.ModelEvent{Kind: core.ModelEventError,
				Err: core.ErrModel("model requested tools but no executor is wired", nil)}
			return
		}

		messages = append(messages, message.ToParam())
		results := make([]anthropic.ContentBlockParamUnion, 0, len(toolUses))
		for _, tu := range toolUses {
			resultStr, isErr := c.execute(ctx, opts, tu)
			out <- core.ModelEvent{
				Kind:       core.ModelEventToolCall,
				ToolName:   tu.name,
				ToolArgs:   tu.args,
				ToolResult: resultStr,
				ToolErr:    errText(isErr, resultStr),
			}
			results = append(results, anthropic.NewToolResultBlock(tu.id, resultStr, isErr))
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
	}

	out <- core.ModelEvent{Kind: core.ModelEventError,
		Err: core.ErrModel(fmt.Sprintf("tool loop exceeded %d turns", maxToolTurns), nil)}
}

// streamTurn runs one streamed API turn, emitting text chunks as they
// arrive, and returns the accumulated message.
func (c *Client) streamTurn(ctx context.Context, params anthropic.MessageNewParams, out chan<- core.ModelEvent) (*anthropic.Message, string, error) {
	stream := c.api.Messages.NewStreaming(ctx, params)

	message := anthropic.Message{}
	text := ""
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, "", core.ErrModel("accumulating stream event", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				text += delta.Text
				out <- core.ModelEvent{Kind: core.ModelEventChunk, Text: delta.Text}
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, "", core.FromContext(ctx, "model stream")
		}
		return nil, "", core.ErrModel("anthropic stream failed", err)
	}
	return &message, text, nil
}

type toolUse struct {
	id   string
	name string
	args map[string]interface{}
}

func collectToolUses(message *anthropic.Message) []toolUse {
	var out []toolUse
	for _, block := range message.Content {
		if variant, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			args := make(map[string]interface{})
			_ = json.Unmarshal([]byte(variant.JSON.Input.Raw()), &args)
			out = append(out, toolUse{id: variant.ID, name: variant.Name, args: args})
		}
	}
	return out
}

// execute dispatches one tool call through the bridge. Failures come
// back as error-flagged tool results, not stream errors, so the model
// can recover.
func (c *Client) execute(ctx context.Context, opts core.StreamOptions, tu toolUse) (string, bool) {
	cc := bridge.CallContext{
		Internal:    true,
		ExecutionID: opts.Metadata["execution_id"],
		BlockID:     opts.Metadata["block_id"],
		Agent:       opts.Metadata["agent"],
	}
	// The engine scopes every call: models cannot escape their workflow
	// or workspace by omitting or forging these arguments.
	tu.args["workflow_id"] = opts.Metadata["workflow_id"]
	if ws := opts.Metadata["workspace_path"]; ws != "" {
		tu.args["workspace_path"] = ws
	} else {
		delete(tu.args, "workspace_path")
	}

	result, err := c.tools.Invoke(ctx, cc, tu.name, tu.args)
	if err != nil {
		return err.Error(), true
	}
	data, merr := json.Marshal(result)
	if merr != nil {
		return "tool result not serializable", true
	}
	return string(data), false
}

func errText(isErr bool, s string) string {
	if isErr {
		return s
	}
	return ""
}

func convertMessages(messages []core.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case core.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func convertTools(tools []core.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := t.InputSchema["required"]; ok {
			schema.ExtraFields = map[string]interface{}{"required": req}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}
