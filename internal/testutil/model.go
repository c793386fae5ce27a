// Package testutil provides deterministic fakes for engine tests.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ensemble-ai/ensemble/internal/core"
)

// Turn scripts one model invocation.
type Turn struct {
	Chunks []string
	Final  string // defaults to the concatenated chunks
	Err    error

	// BeforeDone runs after the chunks and before the done event,
	// standing in for SDK-internal tool dispatch.
	BeforeDone func(ctx context.Context, opts core.StreamOptions)
}

// ScriptedModelClient implements core.ModelClient from a deterministic
// script keyed off the stream options.
type ScriptedModelClient struct {
	// Respond maps an invocation to its scripted turn. Defaults to
	// echoing the user prompt.
	Respond func(opts core.StreamOptions) Turn

	// ChunkDelay paces chunk emission (for cancellation tests).
	ChunkDelay time.Duration

	mu    sync.Mutex
	calls []core.StreamOptions
}

// Compile-time interface conformance check.
var _ core.ModelClient = (*ScriptedModelClient)(nil)

// Calls returns the recorded invocations in arrival order.
func (c *ScriptedModelClient) Calls() []core.StreamOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.StreamOptions, len(c.calls))
	copy(out, c.calls)
	return out
}

// Stream implements core.ModelClient.
func (c *ScriptedModelClient) Stream(ctx context.Context, opts core.StreamOptions) (<-chan core.ModelEvent, error) {
	c.mu.Lock()
	c.calls = append(c.calls, opts)
	c.mu.Unlock()

	turn := Turn{}
	if c.Respond != nil {
		turn = c.Respond(opts)
	}
	if turn.Final == "" && turn.Err == nil {
		if len(turn.Chunks) > 0 {
			turn.Final = strings.Join(turn.Chunks, "")
		} else {
			turn.Final = lastUserContent(opts.Messages)
		}
	}

	out := make(chan core.ModelEvent, len(turn.Chunks)+2)
	go func() {
		defer close(out)
		for _, chunk := range turn.Chunks {
			if c.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					out <- core.ModelEvent{Kind: core.ModelEventError, Err: ctx.Err()}
					return
				case <-time.After(c.ChunkDelay):
				}
			}
			select {
			case <-ctx.Done():
				out <- core.ModelEvent{Kind: core.ModelEventError, Err: ctx.Err()}
				return
			case out <- core.ModelEvent{Kind: core.ModelEventChunk, Text: chunk}:
			}
		}
		if turn.Err != nil {
			out <- core.ModelEvent{Kind: core.ModelEventError, Err: turn.Err}
			return
		}
		if turn.BeforeDone != nil {
			turn.BeforeDone(ctx, opts)
		}
		out <- core.ModelEvent{
			Kind:      core.ModelEventDone,
			FinalText: turn.Final,
			Usage:     &core.Usage{TokensIn: 10, TokensOut: 20},
		}
	}()
	return out, nil
}

func lastUserContent(messages []core.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
