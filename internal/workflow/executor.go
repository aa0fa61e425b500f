package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcptasks/mcptasks/internal/middleware"
	"github.com/mcptasks/mcptasks/pkg/task"
	"github.com/mcptasks/mcptasks/pkg/task/taskctx"
)

// StepStatus is a step's outcome at the end of one executor pass, per
// spec.md §4.4's per-step status array.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// PauseReason tags why the executor could not advance, per spec.md
// §4.4's "pause_reason tagged by cause" and Scenario E's exact tag
// spelling ("toolError").
type PauseReason string

const (
	PauseToolError            PauseReason = "toolError"
	PauseMissingPromptInput   PauseReason = "missingPromptInput"
	PauseUnresolvedDependency PauseReason = "unresolvedDependency"
)

// StepReport is one entry in the handoff's per-step status array.
type StepReport struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
}

// Message is one entry in a handoff's narration, modeled on the
// role/content shape every MCP prompt message uses (user/assistant/
// system role, text content) rather than a bespoke structure: this
// keeps the handoff trivially convertible into a real prompt message
// list at the router boundary without a lossy translation step.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Handoff is the structured `_meta` + message list a paused workflow
// returns to let the client drive continuation, per spec.md §4.4.
type Handoff struct {
	TaskID      string       `json:"task_id"`
	TaskStatus  task.Status  `json:"task_status"`
	Steps       []StepReport `json:"steps"`
	PauseReason PauseReason  `json:"pause_reason"`
	Messages    []Message    `json:"messages"`
}

// ToolHandler is the signature the executor calls through the
// middleware chain for each step; it mirrors internal/middleware's
// Handler type so the same chain wraps direct tools/call dispatch and
// workflow steps, per spec.md §4.6's "same chain is used by direct
// tool calls and by workflow step invocations".
type ToolHandler = middleware.Handler

// ToolLookup resolves a registry name to its handler. The executor has
// no registry of its own; the router supplies one built from the same
// tool table tools/list enumerates.
type ToolLookup func(name string) (ToolHandler, bool)

// ArgsValidator checks a step's resolved arguments against whatever
// schema the named tool was registered with. A nil ArgsValidator
// disables the check entirely (the zero Executor runs unvalidated, as
// it did before this hook existed).
type ArgsValidator func(tool string, args map[string]interface{}) error

// Executor drives a Workflow's steps against a single task, invoking
// tools through a shared middleware.Chain. Grounded in the teacher's
// internal/orchestrator.Executor (sequential phase loop with
// cancellation checks and a progress callback), generalized from six
// fixed TDD phases to an arbitrary caller-declared step sequence over
// data-flow bindings rather than source-control phases.
type Executor struct {
	chain    *middleware.Chain
	lookup   ToolLookup
	validate ArgsValidator
}

// NewExecutor builds an Executor that dispatches through chain and
// resolves tool names via lookup.
func NewExecutor(chain *middleware.Chain, lookup ToolLookup) *Executor {
	return &Executor{chain: chain, lookup: lookup}
}

// SetArgsValidator installs a schema check run against every step's
// resolved arguments before its tool is invoked. Call once after
// NewExecutor; nil disables the check.
func (e *Executor) SetArgsValidator(v ArgsValidator) {
	e.validate = v
}

// Run executes wf's steps in order against tc's bound task, advancing
// as far as it can (spec.md §4.4's five-step execution algorithm). If
// every step completes, it transitions tc's task to Completed (result
// bound to the accumulated step-binding outputs) and returns a nil
// Handoff; if any step cannot advance, it leaves the task for the
// caller to report and returns a Handoff describing why.
func (e *Executor) Run(ctx context.Context, wf *Workflow, promptArgs map[string]interface{}, tc taskctx.Context, userIntent string) (*Handoff, error) {
	outputs := make(map[string]interface{}, len(wf.Steps))
	reports := make([]StepReport, len(wf.Steps))
	var pauseReason PauseReason
	paused := false

	var toolCalls []stepTrace

	for i, step := range wf.Steps {
		select {
		case <-ctx.Done():
			return nil, task.ErrCancelled
		default:
		}

		if paused {
			reports[i] = StepReport{Name: step.Name, Status: StepPending}
			continue
		}

		args, reason, ok := e.resolveArgs(step, promptArgs, outputs)
		if !ok {
			reports[i] = StepReport{Name: step.Name, Status: StepPending}
			pauseReason = reason
			paused = true
			continue
		}

		handler, found := e.lookup(step.Tool)
		if !found {
			reports[i] = StepReport{Name: step.Name, Status: StepFailed}
			pauseReason = PauseToolError
			paused = true
			toolCalls = append(toolCalls, stepTrace{step: step.Name, tool: step.Tool, args: args, errMsg: fmt.Sprintf("tool %q is not registered", step.Tool)})
			continue
		}

		if e.validate != nil {
			if verr := e.validate(step.Tool, args); verr != nil {
				reports[i] = StepReport{Name: step.Name, Status: StepFailed}
				pauseReason = PauseToolError
				paused = true
				toolCalls = append(toolCalls, stepTrace{step: step.Name, tool: step.Tool, args: args, errMsg: fmt.Sprintf("arguments failed schema validation: %s", verr.Error())})
				continue
			}
		}

		extra := &middleware.Extra{TaskID: tc.TaskID(), OwnerID: tc.OwnerID()}
		result, err := e.chain.Invoke(ctx, middleware.Context{ToolName: step.Tool}, args, extra, handler)
		if err != nil || (result != nil && result.IsError) {
			reports[i] = StepReport{Name: step.Name, Status: StepFailed}
			pauseReason = PauseToolError
			paused = true
			msg := errString(err, result)
			toolCalls = append(toolCalls, stepTrace{step: step.Name, tool: step.Tool, args: args, errMsg: msg})
			continue
		}

		output := decodeStructured(result)
		if step.Binding != "" {
			outputs[step.Binding] = output
			if err := tc.SetVariable(ctx, step.Binding, output); err != nil {
				reports[i] = StepReport{Name: step.Name, Status: StepFailed}
				pauseReason = PauseToolError
				paused = true
				toolCalls = append(toolCalls, stepTrace{step: step.Name, tool: step.Tool, args: args, errMsg: err.Error()})
				continue
			}
		}
		reports[i] = StepReport{Name: step.Name, Status: StepCompleted}
		toolCalls = append(toolCalls, stepTrace{step: step.Name, tool: step.Tool, args: args, output: output})
	}

	if !paused {
		if err := tc.Complete(ctx, outputs); err != nil {
			return nil, err
		}
		return nil, nil
	}

	t, err := tc.Task(ctx)
	if err != nil {
		return nil, err
	}

	return &Handoff{
		TaskID:      tc.TaskID(),
		TaskStatus:  t.Status,
		Steps:       reports,
		PauseReason: pauseReason,
		Messages:    buildMessages(userIntent, wf, toolCalls, pauseReason),
	}, nil
}

// stepTrace captures one step's tool call/result for handoff message
// assembly, kept separate from StepReport since messages need the
// arguments and output/error content the status array doesn't carry.
type stepTrace struct {
	step   string
	tool   string
	args   map[string]interface{}
	output interface{}
	errMsg string
}

// resolveArgs resolves every ArgEntry for step against promptArgs and
// prior-step outputs, preserving insertion order (spec §8 invariant
// 7). It returns ok=false with the applicable PauseReason the moment
// any source cannot be resolved yet.
func (e *Executor) resolveArgs(step Step, promptArgs map[string]interface{}, outputs map[string]interface{}) (map[string]interface{}, PauseReason, bool) {
	args := make(map[string]interface{}, len(step.Args))
	for _, entry := range step.Args {
		switch entry.Source.kind {
		case SourcePromptArg:
			v, present := promptArgs[entry.Source.name]
			if !present {
				return nil, PauseMissingPromptInput, false
			}
			args[entry.Param] = v
		case SourceFromStep:
			v, present := outputs[entry.Source.name]
			if !present {
				return nil, PauseUnresolvedDependency, false
			}
			args[entry.Param] = v
		case SourceField:
			obj, present := outputs[entry.Source.name]
			if !present {
				return nil, PauseUnresolvedDependency, false
			}
			m, ok := obj.(map[string]interface{})
			if !ok {
				return nil, PauseUnresolvedDependency, false
			}
			fv, ok := m[entry.Source.field]
			if !ok {
				return nil, PauseUnresolvedDependency, false
			}
			args[entry.Param] = fv
		case SourceConstant:
			args[entry.Param] = entry.Source.literal
		}
	}
	return args, "", true
}

// decodeStructured extracts a tool result's structured content (if
// any) as a plain JSON value, falling back to the first text content
// block, so workflow steps can bind either shape under Field(...).
func decodeStructured(result *mcp.CallToolResult) interface{} {
	if result == nil {
		return nil
	}
	if result.StructuredContent != nil {
		return result.StructuredContent
	}
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			var decoded interface{}
			if json.Unmarshal([]byte(tc.Text), &decoded) == nil {
				return decoded
			}
			return tc.Text
		}
	}
	return nil
}

func errString(err error, result *mcp.CallToolResult) string {
	if err != nil {
		return err.Error()
	}
	if result != nil {
		for _, c := range result.Content {
			if tc, ok := c.(*mcp.TextContent); ok {
				return tc.Text
			}
		}
	}
	return "tool reported an error with no message"
}

// buildMessages assembles the handoff message list named in spec.md
// §4.4: user intent, an assistant plan narration, tool-call/tool-result
// pairs for completed steps, and a final narrative describing why the
// server paused and what the client must supply to continue.
func buildMessages(userIntent string, wf *Workflow, traces []stepTrace, reason PauseReason) []Message {
	messages := []Message{
		{Role: "user", Content: userIntent},
		{Role: "assistant", Content: planNarration(wf)},
	}

	for _, tr := range traces {
		argsJSON, _ := json.Marshal(tr.args)
		messages = append(messages, Message{
			Role:    "assistant",
			Content: fmt.Sprintf("Calling tool %q (step %q) with arguments %s", tr.tool, tr.step, argsJSON),
		})
		switch {
		case tr.errMsg != "":
			messages = append(messages, Message{
				Role:    "user",
				Content: fmt.Sprintf("Tool %q failed: %s", tr.tool, tr.errMsg),
			})
		default:
			outJSON, _ := json.Marshal(tr.output)
			messages = append(messages, Message{
				Role:    "user",
				Content: fmt.Sprintf("Tool %q returned %s", tr.tool, outJSON),
			})
		}
	}

	messages = append(messages, Message{
		Role:    "assistant",
		Content: narrative(reason),
	})
	return messages
}

func planNarration(wf *Workflow) string {
	names := make([]string, len(wf.Steps))
	for i, s := range wf.Steps {
		names[i] = s.Name
	}
	return fmt.Sprintf("Plan for workflow %q: run steps in order %v.", wf.Name, names)
}

func narrative(reason PauseReason) string {
	switch reason {
	case PauseToolError:
		return "Paused because a tool call failed. Resume by invoking the failed tool directly with _meta._task_id set to this task, then close the task with tasks/cancel and a result payload."
	case PauseMissingPromptInput:
		return "Paused because a required prompt argument was not supplied. Provide the missing argument and re-invoke the prompt."
	case PauseUnresolvedDependency:
		return "Paused because a later step depends on a binding an earlier step never produced. Resolve the earlier step first."
	default:
		return "Paused: execution cannot currently advance."
	}
}
