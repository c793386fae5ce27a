// Package bridge exposes the editor tool catalogue to LLM agents over
// an in-process HTTP+SSE JSON-RPC transport, routing each invocation to
// the editor service with workflow-scoped authorization.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/editor"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/logging"
	"github.com/ensemble-ai/ensemble/internal/service"
)

// JSON-RPC error codes used on /mcp.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// CallContext carries caller identity and stream correlation for one
// tool invocation.
type CallContext struct {
	UserID      string
	Internal    bool
	ExecutionID string
	BlockID     string
	Agent       string
}

// Bridge translates tool calls into editor service operations. It is
// the authoritative tool-call log: every invocation is published to the
// stream hub, whether or not the model stream surfaced it.
type Bridge struct {
	editors       *service.EditorService
	hub           *events.Hub
	internalToken string
	callTimeout   time.Duration
	maxConcurrent int64
	logger        *logging.Logger

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted // per-agent tool-storm caps
}

// New creates a bridge.
func New(editors *service.EditorService, hub *events.Hub, internalToken string,
	callTimeout time.Duration, maxConcurrent int64, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewNop()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Bridge{
		editors:       editors,
		hub:           hub,
		internalToken: internalToken,
		callTimeout:   callTimeout,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		sems:          make(map[string]*semaphore.Weighted),
	}
}

// Routes mounts the bridge transport.
func (b *Bridge) Routes(r chi.Router) {
	r.Post("/mcp", b.handleRPC)
	r.Get("/sse", b.handleSSE)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     interface{}     `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  *rpcError   `json:"error,omitempty"`
	ID     interface{} `json:"id"`
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (b *Bridge) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{Error: &rpcError{Code: codeInvalidParams, Message: "malformed request body"}})
		return
	}

	switch req.Method {
	case "tools/list":
		writeRPC(w, rpcResponse{Result: map[string]interface{}{"tools": Catalogue()}, ID: req.ID})

	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			writeRPC(w, rpcResponse{Error: &rpcError{Code: codeInvalidParams, Message: "params require name and arguments"}, ID: req.ID})
			return
		}
		cc := b.callContextFromRequest(r)
		result, err := b.Invoke(r.Context(), cc, params.Name, params.Arguments)
		if err != nil {
			writeRPC(w, rpcResponse{Error: toRPCError(err), ID: req.ID})
			return
		}
		writeRPC(w, rpcResponse{Result: result, ID: req.ID})

	default:
		writeRPC(w, rpcResponse{Error: &rpcError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}, ID: req.ID})
	}
}

// callContextFromRequest reads caller identity and stream correlation
// from transport headers.
func (b *Bridge) callContextFromRequest(r *http.Request) CallContext {
	return CallContext{
		UserID:      r.Header.Get("X-User-ID"),
		Internal:    b.internalToken != "" && r.Header.Get("X-Internal-Token") == b.internalToken,
		ExecutionID: r.Header.Get("X-Execution-ID"),
		BlockID:     r.Header.Get("X-Block-ID"),
		Agent:       r.Header.Get("X-Agent"),
	}
}

// handleSSE opens a keep-alive ping stream. No events are multiplexed
// here; it only keeps the SDK's connection warm.
func (b *Bridge) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// Invoke dispatches one tool call. Used by the HTTP transport and
// directly by in-process model adapters. Errors come back as domain
// errors; the model adapter converts them into tool-call results so the
// model can recover.
func (b *Bridge) Invoke(ctx context.Context, cc CallContext, name string, args map[string]interface{}) (interface{}, error) {
	sem := b.semFor(cc.Agent)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, core.FromContext(ctx, "tool call")
	}
	defer sem.Release(1)

	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	result, err := b.dispatch(ctx, cc, name, args)
	b.publishCall(cc, name, args, result, err)
	return result, err
}

func (b *Bridge) publishCall(cc CallContext, name string, args map[string]interface{}, result interface{}, err error) {
	argsSummary := ""
	if data, merr := json.Marshal(args); merr == nil {
		argsSummary = clip(string(data), 200)
	}
	resultSummary, errMsg := "", ""
	if err != nil {
		errMsg = err.Error()
	} else if data, merr := json.Marshal(result); merr == nil {
		resultSummary = clip(string(data), 200)
	}
	b.hub.Publish(events.NewToolCallEvent(cc.ExecutionID, cc.BlockID, cc.Agent, name, argsSummary, resultSummary, errMsg))
	b.logger.Debug("tool call", "tool", name, "agent", cc.Agent, "error", errMsg)
}

func (b *Bridge) semFor(agent string) *semaphore.Weighted {
	b.semMu.Lock()
	defer b.semMu.Unlock()
	sem, ok := b.sems[agent]
	if !ok {
		sem = semaphore.NewWeighted(b.maxConcurrent)
		b.sems[agent] = sem
	}
	return sem
}

func (b *Bridge) dispatch(ctx context.Context, cc CallContext, name string, args map[string]interface{}) (interface{}, error) {
	workflowID := strArg(args, "workflow_id")
	if workflowID == "" {
		return nil, core.ErrInvalidInput("workflow_id is required")
	}
	mgr, err := b.editors.ManagerFor(ctx, service.Identity{UserID: cc.UserID, Internal: cc.Internal},
		workflowID, strArg(args, "workspace_path"))
	if err != nil {
		return nil, err
	}

	switch name {
	case "editor_browse_directory":
		return mgr.Browse(strArg(args, "path"), boolArg(args, "include_hidden"))

	case "editor_read_file":
		path := strArg(args, "file_path")
		if path == "" {
			return nil, core.ErrInvalidInput("file_path is required")
		}
		return mgr.Read(path)

	case "editor_create_change":
		return b.createChange(mgr, cc, args)

	case "editor_get_changes":
		return mgr.ListChanges(core.ChangeStatus(strArg(args, "status"))), nil

	case "editor_search_files":
		query := strArg(args, "query")
		if query == "" {
			return nil, core.ErrInvalidInput("query is required")
		}
		return mgr.Search(query, strArg(args, "path"), boolArg(args, "case_sensitive"))

	case "editor_find_files":
		query := strArg(args, "query")
		if query == "" {
			return nil, core.ErrInvalidInput("query is required")
		}
		return mgr.FindFiles(query, intArg(args, "limit"))

	case "editor_get_tree":
		return mgr.Tree(intArg(args, "max_depth"))

	case "editor_approve_change":
		return mgr.Approve(strArg(args, "change_id"))

	case "editor_reject_change":
		return mgr.Reject(strArg(args, "change_id"))

	case "editor_create_directory":
		return mgr.CreateDirectory(strArg(args, "path"))

	case "editor_move_file":
		return mgr.Move(strArg(args, "old_path"), strArg(args, "new_path"), false)

	case "editor_delete_file":
		return mgr.Delete(strArg(args, "file_path"))
	}
	return nil, core.ErrInvalidInput("unknown tool: " + name)
}

func (b *Bridge) createChange(mgr *editor.Manager, cc CallContext, args map[string]interface{}) (interface{}, error) {
	path := strArg(args, "file_path")
	op := core.ChangeOperation(strArg(args, "operation"))
	if path == "" || op == "" {
		return nil, core.ErrInvalidInput("file_path and operation are required")
	}
	req := editor.ChangeRequest{
		Path:         path,
		Operation:    op,
		OldPath:      strArg(args, "old_path"),
		GenerateDiff: boolArg(args, "generate_diff"),
		Agent:        cc.Agent,
		Block:        cc.BlockID,
	}
	if raw, ok := args["new_content"]; ok {
		if s, ok := raw.(string); ok {
			req.NewContent = core.StrPtr(s)
		}
	}
	return mgr.CreateChange(req)
}

func toRPCError(err error) *rpcError {
	switch core.GetCategory(err) {
	case core.ErrCatValidation, core.ErrCatAccess, core.ErrCatNotFound, core.ErrCatConflict, core.ErrCatTooLarge:
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &rpcError{Code: codeInternal, Message: err.Error()}
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func strArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(args map[string]interface{}, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
