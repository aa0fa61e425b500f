package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/mcptasks/mcptasks/internal/config"
	"github.com/mcptasks/mcptasks/internal/middleware"
	"github.com/mcptasks/mcptasks/internal/notify"
	"github.com/mcptasks/mcptasks/internal/workflow"
	"github.com/mcptasks/mcptasks/pkg/task"
	"github.com/mcptasks/mcptasks/pkg/task/store"
	"github.com/mcptasks/mcptasks/pkg/task/taskctx"
)

// taskMetaTaskID is the `_meta` key a continuation request carries to
// identify the task it resumes, per spec.md §4.5's tools/call decision
// tree ("If the request `_meta` contains `_task_id`, treat as
// continuation").
const taskMetaTaskID = "_task_id"

// Prompt is a workflow-backed GetPrompt registration: a prompt name
// maps to a Workflow the executor drives when invoked, per spec.md
// §4.5's "for workflow-registered prompts invoked via GetPrompt,
// delegate to the executor".
type Prompt struct {
	Name     string
	Workflow *workflow.Workflow
}

// Router is the Protocol Router (spec.md §4.5). It owns no transport;
// Dispatch takes a decoded JSONRPCRequest and returns the response
// envelope to serialize back, so the same Router serves stdio, HTTP,
// or any other transport a deployment chooses.
type Router struct {
	store    *store.Store
	tools    *ToolRegistry
	prompts  map[string]*Prompt
	chain    *middleware.Chain
	executor *workflow.Executor
	cfg      config.RouterConfig
	notifier *notify.Notifier
	logger   *zap.Logger

	serverName    string
	serverVersion string
}

// New builds a Router. logger defaults to zap.NewNop() when nil,
// matching every other component's constructor convention in this
// module. notifier may be nil, in which case status pushes are
// silently skipped (Notifier.Publish tolerates a nil receiver too, but
// Router never assumes that -- it checks before calling).
func New(s *store.Store, tools *ToolRegistry, chain *middleware.Chain, cfg config.RouterConfig, notifier *notify.Notifier, serverName, serverVersion string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		store:         s,
		tools:         tools,
		prompts:       make(map[string]*Prompt),
		chain:         chain,
		cfg:           cfg,
		notifier:      notifier,
		logger:        logger,
		serverName:    serverName,
		serverVersion: serverVersion,
	}
	r.executor = workflow.NewExecutor(chain, tools.Handler)
	r.executor.SetArgsValidator(tools.ValidateArguments)
	return r
}

// publishStatus pushes t's status to the notifier when one is
// configured, after the store mutation that produced it has already
// committed.
func (r *Router) publishStatus(t *task.Task) {
	if r.notifier != nil {
		r.notifier.Publish(t)
	}
}

// RegisterPrompt adds a workflow-backed prompt, dispatched by GetPrompt.
func (r *Router) RegisterPrompt(p Prompt) {
	r.prompts[p.Name] = &p
}

// Dispatch routes one JSON-RPC request to its method handler and
// returns either a *JSONRPCResponse or a *JSONRPCErrorResponse encoded
// as interface{} (callers type-switch before serializing, since the
// two envelopes have different field sets on the wire).
func (r *Router) Dispatch(ctx context.Context, req *JSONRPCRequest) interface{} {
	switch req.Method {
	case "initialize":
		return r.handleInitialize(req)
	case "initialized":
		return Success(req.ID, map[string]interface{}{})
	case "tools/list":
		return r.handleToolsList(req)
	case "tools/call":
		return r.handleToolsCall(ctx, req)
	case "tasks/get":
		return r.handleTasksGet(ctx, req)
	case "tasks/list":
		return r.handleTasksList(ctx, req)
	case "tasks/cancel":
		return r.handleTasksCancel(ctx, req)
	case "tasks/result":
		return r.handleTasksResult(ctx, req)
	case "prompts/get", "GetPrompt":
		return r.handleGetPrompt(ctx, req)
	default:
		return ErrorResponse(req.ID, MethodNotFound, fmt.Sprintf("unknown method: %s", req.Method), nil)
	}
}

func (r *Router) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	caps := map[string]interface{}{
		"tasks": map[string]interface{}{
			"list":   map[string]interface{}{},
			"cancel": map[string]interface{}{},
			"requests": map[string]interface{}{
				"tools": map[string]interface{}{
					"call": map[string]interface{}{},
				},
			},
		},
	}
	return Success(req.ID, map[string]interface{}{
		"protocolVersion": "2025-06-18",
		"capabilities":    caps,
		"serverInfo": map[string]interface{}{
			"name":    r.serverName,
			"version": r.serverVersion,
		},
	})
}

func (r *Router) handleToolsList(req *JSONRPCRequest) *JSONRPCResponse {
	entries := r.tools.List()
	tools := make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		tools[i] = map[string]interface{}{
			"name":        e.Name,
			"description": e.Description,
			"execution": map[string]interface{}{
				"taskSupport": e.TaskSupport,
			},
		}
	}
	return Success(req.ID, map[string]interface{}{"tools": tools})
}

// toolsCallParams is the subset of tools/call params this router reads;
// the rest of a tool's declared input schema is validated by the
// jsonschema-backed validator (internal/router/validate.go) before
// dispatch.
type toolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Task      *taskAugmentParams     `json:"task,omitempty"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

type taskAugmentParams struct {
	TTLMs          *int64 `json:"ttl,omitempty"`
	PollIntervalMs *int64 `json:"pollInterval,omitempty"`
}

func (r *Router) handleToolsCall(ctx context.Context, req *JSONRPCRequest) interface{} {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, InvalidParams, "invalid tools/call params", map[string]interface{}{"detail": err.Error()})
	}

	entry, ok := r.tools.Get(params.Name)
	if !ok {
		return ErrorResponse(req.ID, InvalidParams, fmt.Sprintf("unknown tool: %s", params.Name), nil)
	}

	if err := entry.validateArguments(params.Arguments); err != nil {
		return ErrorResponse(req.ID, InvalidParams, fmt.Sprintf("arguments for %q failed schema validation", params.Name), map[string]interface{}{"detail": err.Error()})
	}

	owner, err := ResolveOwner(ctx, r.cfg)
	if err != nil {
		return ErrorResponse(req.ID, AuthError, err.Error(), nil)
	}

	// Continuation: the caller is resuming a previously paused task.
	if taskID, ok := stringMeta(params.Meta, taskMetaTaskID); ok {
		return r.dispatchContinuation(ctx, req, taskID, owner, params)
	}

	if entry.TaskSupport == TaskSupportForbidden || entry.TaskSupport == "" {
		if params.Task != nil {
			return ErrorResponse(req.ID, InvalidParams, fmt.Sprintf("tool %q does not support task execution", params.Name), nil)
		}
		return r.invokeInline(ctx, req, entry, params.Arguments, "")
	}

	if params.Task == nil {
		if entry.TaskSupport == TaskSupportRequired {
			return r.createAndRun(ctx, req, entry, params, owner)
		}
		return r.invokeInline(ctx, req, entry, params.Arguments, "")
	}

	// Explicit augmentation: create a task, stash the call, and return
	// immediately rather than blocking on completion.
	return r.createAndRun(ctx, req, entry, params, owner)
}

func stringMeta(meta map[string]interface{}, key string) (string, bool) {
	if meta == nil {
		return "", false
	}
	v, ok := meta[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// traceDepthVariable is the task variable backing spec.md §4.4's
// composition-depth counter: a continuation is, by definition, a
// nested tool invocation riding on an earlier one, so the depth is
// tracked on the task itself rather than threaded through request
// params a client could forge or drop.
const traceDepthVariable = "_trace_depth"

func (r *Router) dispatchContinuation(ctx context.Context, req *JSONRPCRequest, taskID, owner string, params toolsCallParams) interface{} {
	entry, ok := r.tools.Get(params.Name)
	if !ok {
		return ErrorResponse(req.ID, InvalidParams, fmt.Sprintf("unknown tool: %s", params.Name), nil)
	}

	tc := taskctx.New(r.store, taskID, owner)
	depth := r.nextTraceDepth(ctx, tc, taskID, owner)

	extra := &middleware.Extra{TaskID: taskID, OwnerID: owner, TraceDepth: depth}
	result, err := r.chain.Invoke(ctx, middleware.Context{ToolName: entry.Name}, params.Arguments, extra, entry.Handler)

	// Recording the outcome against the task is explicitly non-blocking
	// per spec.md §4.5; a failure here never overrides the tool result
	// already computed.
	go func() {
		bgCtx := context.Background()
		if err != nil {
			_ = tc.Fail(bgCtx, err.Error(), nil)
			r.notifyAfterMutation(bgCtx, taskID, owner)
			return
		}
		if result != nil && result.IsError {
			_ = tc.Fail(bgCtx, "tool execution failed", nil)
			r.notifyAfterMutation(bgCtx, taskID, owner)
			return
		}
		_ = tc.Complete(bgCtx, decodeResultForTask(result))
		r.notifyAfterMutation(bgCtx, taskID, owner)
	}()

	if err != nil {
		return ErrorResponse(req.ID, InternalError, err.Error(), nil)
	}
	return Success(req.ID, result)
}

// nextTraceDepth reads taskID's current composition-depth counter,
// advances it by one for this nested invocation, and persists the new
// value. At the configured cap (spec.md §4.4's "a configured max_depth
// (default 8) caps nested tool/workflow invocations") it resets to
// zero and logs the reset, starting a new root trace rather than
// rejecting the call outright.
func (r *Router) nextTraceDepth(ctx context.Context, tc taskctx.Context, taskID, owner string) int {
	current, err := tc.GetI64(ctx, traceDepthVariable)
	if err != nil {
		current = 0
	}
	next := int(current) + 1
	if next >= r.cfg.MaxCompositionDepth {
		r.logger.Warn("composition depth cap reached, starting new root trace",
			zap.String("task_id", taskID),
			zap.String("owner_id", owner),
			zap.Int("max_composition_depth", r.cfg.MaxCompositionDepth),
		)
		next = 0
	}
	if err := tc.SetVariable(ctx, traceDepthVariable, float64(next)); err != nil {
		r.logger.Warn("failed to persist composition depth counter", zap.Error(err))
	}
	return next
}

// notifyAfterMutation re-fetches t's current record and publishes it;
// used from the background goroutines above where the mutate call
// only returns an error, not the resulting task.
func (r *Router) notifyAfterMutation(ctx context.Context, taskID, owner string) {
	if r.notifier == nil {
		return
	}
	t, err := r.store.Get(ctx, taskID, owner)
	if err != nil {
		return
	}
	r.publishStatus(t)
}

func (r *Router) invokeInline(ctx context.Context, req *JSONRPCRequest, entry *ToolEntry, args map[string]interface{}, taskID string) interface{} {
	extra := &middleware.Extra{TaskID: taskID}
	result, err := r.chain.Invoke(ctx, middleware.Context{ToolName: entry.Name}, args, extra, entry.Handler)
	if err != nil {
		return ErrorResponse(req.ID, InternalError, err.Error(), nil)
	}
	return Success(req.ID, result)
}

func (r *Router) createAndRun(ctx context.Context, req *JSONRPCRequest, entry *ToolEntry, params toolsCallParams, owner string) interface{} {
	var ttlMs *int64
	if params.Task != nil {
		ttlMs = params.Task.TTLMs
	}
	t, err := r.store.Create(ctx, owner, "tools/call:"+entry.Name, ttlMs)
	if err != nil {
		return mapStoreError(req.ID, err)
	}
	if params.Task != nil && params.Task.PollIntervalMs != nil {
		if _, err := r.store.SetVariables(ctx, t.ID, owner, map[string]interface{}{"_pollIntervalMs": *params.Task.PollIntervalMs}, nil); err != nil {
			r.logger.Warn("failed to stash poll interval", zap.Error(err))
		}
	}
	if _, err := r.store.SetVariables(ctx, t.ID, owner, map[string]interface{}{
		"_toolName": entry.Name,
		"_arguments": params.Arguments,
	}, nil); err != nil {
		r.logger.Warn("failed to stash tool invocation", zap.Error(err))
	}

	r.publishStatus(t)

	tc := taskctx.New(r.store, t.ID, owner)
	go r.runToolAsTask(entry, params.Arguments, tc)

	return Success(req.ID, map[string]interface{}{"task": t.ToWire(nil)})
}

func (r *Router) runToolAsTask(entry *ToolEntry, args map[string]interface{}, tc taskctx.Context) {
	ctx := context.Background()
	extra := &middleware.Extra{TaskID: tc.TaskID(), OwnerID: tc.OwnerID()}
	result, err := r.chain.Invoke(ctx, middleware.Context{ToolName: entry.Name}, args, extra, entry.Handler)
	if err != nil {
		_ = tc.Fail(ctx, err.Error(), nil)
		r.notifyAfterMutation(ctx, tc.TaskID(), tc.OwnerID())
		return
	}
	if result != nil && result.IsError {
		_ = tc.Fail(ctx, "tool execution failed", decodeResultForTask(result))
		r.notifyAfterMutation(ctx, tc.TaskID(), tc.OwnerID())
		return
	}
	_ = tc.Complete(ctx, decodeResultForTask(result))
	r.notifyAfterMutation(ctx, tc.TaskID(), tc.OwnerID())
}

func decodeResultForTask(result *mcp.CallToolResult) interface{} {
	if result == nil {
		return nil
	}
	return result
}

func mapStoreError(id interface{}, err error) *JSONRPCErrorResponse {
	switch {
	case errors.Is(err, task.ErrResourceExhausted):
		return ErrorResponse(id, ResourceExhaustedErr, err.Error(), nil)
	case errors.Is(err, task.ErrInvalidArguments):
		return ErrorResponse(id, InvalidParams, err.Error(), nil)
	case errors.Is(err, task.ErrNotFound):
		return ErrorResponse(id, InvalidParams, "task not found", nil)
	case errors.Is(err, task.ErrExpired):
		return ErrorResponse(id, ExpiredErr, err.Error(), nil)
	case errors.Is(err, task.ErrConflict):
		return ErrorResponse(id, ConflictErr, err.Error(), nil)
	case errors.Is(err, task.ErrNotReady):
		return ErrorResponse(id, NotReadyErr, err.Error(), nil)
	case errors.Is(err, task.ErrInvalidTransition):
		return ErrorResponse(id, InvalidTransitionErr, err.Error(), nil)
	default:
		return ErrorResponse(id, InternalError, err.Error(), nil)
	}
}

type tasksGetParams struct {
	TaskID string `json:"taskId"`
}

func (r *Router) handleTasksGet(ctx context.Context, req *JSONRPCRequest) interface{} {
	if r.store == nil {
		return ErrorResponse(req.ID, MethodNotFound, "no task router configured", nil)
	}
	var params tasksGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, InvalidParams, "invalid tasks/get params", nil)
	}
	owner, err := ResolveOwner(ctx, r.cfg)
	if err != nil {
		return ErrorResponse(req.ID, AuthError, err.Error(), nil)
	}
	t, err := r.store.Get(ctx, params.TaskID, owner)
	if err != nil {
		return mapStoreError(req.ID, err)
	}
	return Success(req.ID, t.ToWire(nil))
}

type tasksListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

func (r *Router) handleTasksList(ctx context.Context, req *JSONRPCRequest) interface{} {
	if r.store == nil {
		return ErrorResponse(req.ID, MethodNotFound, "no task router configured", nil)
	}
	var params tasksListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ErrorResponse(req.ID, InvalidParams, "invalid tasks/list params", nil)
		}
	}
	owner, err := ResolveOwner(ctx, r.cfg)
	if err != nil {
		return ErrorResponse(req.ID, AuthError, err.Error(), nil)
	}
	page, err := r.store.List(ctx, owner, params.Cursor, 0)
	if err != nil {
		return mapStoreError(req.ID, err)
	}
	wire := make([]*task.WireTask, len(page.Tasks))
	for i, t := range page.Tasks {
		wire[i] = t.ToWire(nil)
	}
	result := map[string]interface{}{"tasks": wire}
	if page.NextCursor != "" {
		result["nextCursor"] = page.NextCursor
	}
	return Success(req.ID, result)
}

type tasksCancelParams struct {
	TaskID string      `json:"taskId"`
	Result interface{} `json:"result,omitempty"`
}

func (r *Router) handleTasksCancel(ctx context.Context, req *JSONRPCRequest) interface{} {
	if r.store == nil {
		return ErrorResponse(req.ID, MethodNotFound, "no task router configured", nil)
	}
	var params tasksCancelParams
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(req.Params, &raw); err != nil {
		return ErrorResponse(req.ID, InvalidParams, "invalid tasks/cancel params", nil)
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, InvalidParams, "invalid tasks/cancel params", nil)
	}
	owner, err := ResolveOwner(ctx, r.cfg)
	if err != nil {
		return ErrorResponse(req.ID, AuthError, err.Error(), nil)
	}

	var t *task.Task
	if _, hasResult := raw["result"]; hasResult {
		t, err = r.store.CancelWithResult(ctx, params.TaskID, owner, params.Result)
	} else {
		t, err = r.store.Cancel(ctx, params.TaskID, owner)
	}
	if err != nil {
		return mapStoreError(req.ID, err)
	}
	r.publishStatus(t)
	return Success(req.ID, t.ToWire(nil))
}

type tasksResultParams struct {
	TaskID string `json:"taskId"`
}

func (r *Router) handleTasksResult(ctx context.Context, req *JSONRPCRequest) interface{} {
	if r.store == nil {
		return ErrorResponse(req.ID, MethodNotFound, "no task router configured", nil)
	}
	var params tasksResultParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, InvalidParams, "invalid tasks/result params", nil)
	}
	owner, err := ResolveOwner(ctx, r.cfg)
	if err != nil {
		return ErrorResponse(req.ID, AuthError, err.Error(), nil)
	}
	result, err := r.store.GetResult(ctx, params.TaskID, owner)
	if err != nil {
		return mapStoreError(req.ID, err)
	}
	return Success(req.ID, map[string]interface{}{
		"result": result,
		"_meta": map[string]interface{}{
			relatedTaskMetaKey: map[string]interface{}{"taskId": params.TaskID},
		},
	})
}

type getPromptParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (r *Router) handleGetPrompt(ctx context.Context, req *JSONRPCRequest) interface{} {
	var params getPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, InvalidParams, "invalid GetPrompt params", nil)
	}
	prompt, ok := r.prompts[params.Name]
	if !ok {
		return ErrorResponse(req.ID, InvalidParams, fmt.Sprintf("unknown prompt: %s", params.Name), nil)
	}

	owner, err := ResolveOwner(ctx, r.cfg)
	if err != nil {
		return ErrorResponse(req.ID, AuthError, err.Error(), nil)
	}

	t, err := r.store.Create(ctx, owner, "GetPrompt:"+prompt.Name, nil)
	if err != nil {
		return mapStoreError(req.ID, err)
	}
	r.publishStatus(t)
	tc := taskctx.New(r.store, t.ID, owner)

	userIntent := fmt.Sprintf("Run prompt %q", prompt.Name)
	handoff, err := r.executor.Run(ctx, prompt.Workflow, params.Arguments, tc, userIntent)
	if err != nil {
		return mapStoreError(req.ID, err)
	}
	if handoff == nil {
		// The workflow ran to completion without pausing; report the
		// task's terminal state directly.
		final, err := r.store.Get(ctx, t.ID, owner)
		if err != nil {
			return mapStoreError(req.ID, err)
		}
		r.publishStatus(final)
		return Success(req.ID, map[string]interface{}{
			"messages": []Message{{Role: "assistant", Content: "Workflow completed."}},
			"_meta":    map[string]interface{}{"task_id": final.ID, "task_status": final.Status},
		})
	}

	if paused, err := r.store.Get(ctx, t.ID, owner); err == nil {
		r.publishStatus(paused)
	}
	return Success(req.ID, map[string]interface{}{
		"messages": handoff.Messages,
		"_meta": map[string]interface{}{
			"task_id":      handoff.TaskID,
			"task_status":  handoff.TaskStatus,
			"steps":        handoff.Steps,
			"pause_reason": handoff.PauseReason,
		},
	})
}

// Message mirrors workflow.Message's shape for the non-paused
// completion branch above, where no Handoff exists to supply one.
type Message = workflow.Message
