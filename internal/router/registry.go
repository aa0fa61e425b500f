package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mcptasks/mcptasks/internal/middleware"
)

// TaskSupport declares how a tool relates to task augmentation, per
// spec.md §6's "execution.taskSupport" tool metadata field.
type TaskSupport string

const (
	TaskSupportForbidden TaskSupport = "forbidden"
	TaskSupportOptional  TaskSupport = "optional"
	TaskSupportRequired  TaskSupport = "required"
)

// ToolEntry is one registered tool: its metadata plus the handler the
// middleware chain ultimately invokes. InputSchema, when set, is a
// JSON Schema document tools/call arguments are validated against
// before the handler runs.
type ToolEntry struct {
	Name        string
	Description string
	TaskSupport TaskSupport
	InputSchema json.RawMessage
	Handler     middleware.Handler

	compiled *jsonschema.Schema
}

// validateArguments checks args against the entry's compiled input
// schema, a no-op when no schema was registered.
func (e *ToolEntry) validateArguments(args map[string]interface{}) error {
	if e.compiled == nil {
		return nil
	}
	// jsonschema.Schema.Validate expects the document decoded through
	// encoding/json (so numbers arrive as float64, matching how
	// tools/call arguments are already decoded); round-tripping args
	// through json.Marshal/Unmarshal keeps this independent of how the
	// caller happened to build the map.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	return e.compiled.Validate(doc)
}

// ToolRegistry is the name -> ToolEntry map backing tools/list and
// tools/call dispatch, following the teacher's registry-of-named-
// handlers shape (pkg/mcp's tool switch, internal/mcp's tool_registry.go)
// generalized from a hardcoded switch statement to a data-driven map so
// new tools register without editing the router.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolEntry
}

// NewToolRegistry builds an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolEntry)}
}

// Register adds or replaces a tool entry. taskSupport defaults to
// forbidden when empty, per spec.md §6's "default forbidden". When
// entry.InputSchema is set, Register compiles it immediately
// (following the teacher's registry/service.go compile-then-validate
// shape) and panics on an invalid schema document — a malformed
// built-in schema is a programmer error, caught at startup rather than
// on the first tools/call.
func (r *ToolRegistry) Register(entry ToolEntry) {
	if entry.TaskSupport == "" {
		entry.TaskSupport = TaskSupportForbidden
	}
	if len(entry.InputSchema) > 0 {
		var schemaDoc interface{}
		if err := json.Unmarshal(entry.InputSchema, &schemaDoc); err != nil {
			panic(fmt.Sprintf("router: tool %q has invalid input schema JSON: %v", entry.Name, err))
		}
		c := jsonschema.NewCompiler()
		resource := entry.Name + ".schema.json"
		if err := c.AddResource(resource, schemaDoc); err != nil {
			panic(fmt.Sprintf("router: tool %q schema is not a valid resource: %v", entry.Name, err))
		}
		compiled, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("router: tool %q schema failed to compile: %v", entry.Name, err))
		}
		entry.compiled = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := entry
	r.tools[entry.Name] = &e
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (*ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// Handler adapts Get to workflow.ToolLookup's signature so the same
// registry backs both tools/call dispatch and workflow step execution.
func (r *ToolRegistry) Handler(name string) (middleware.Handler, bool) {
	e, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return e.Handler, true
}

// ValidateArguments adapts ToolEntry.validateArguments to
// workflow.ArgsValidator's signature, so the same schema check tools/call
// applies inline also runs at the executor's argument-resolution stage
// for workflow steps.
func (r *ToolRegistry) ValidateArguments(name string, args map[string]interface{}) error {
	e, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("router: tool %q is not registered", name)
	}
	return e.validateArguments(args)
}

// List returns all registered tools sorted by name, for tools/list.
func (r *ToolRegistry) List() []*ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolEntry, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
