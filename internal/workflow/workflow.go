// Package workflow implements the Workflow Executor: a linear sequence
// of bound tool steps driven against a single task, producing a
// structured handoff when the sequence cannot advance. It is grounded
// in the teacher's internal/orchestrator phase-handler-and-gate
// pattern, generalized from a fixed six-phase TDD pipeline to an
// arbitrary caller-declared step sequence.
package workflow

import (
	"fmt"
)

// ArgSourceKind discriminates the four ways a step argument's value
// can be produced.
type ArgSourceKind int

const (
	// SourcePromptArg pulls from the workflow's argument map.
	SourcePromptArg ArgSourceKind = iota
	// SourceFromStep binds the entire output object of a prior step.
	SourceFromStep
	// SourceField binds one field of a prior step's output object.
	SourceField
	// SourceConstant is a literal value fixed at workflow construction.
	SourceConstant
)

// ArgSource is a tagged union over the four argument-source variants
// named in spec.md §4.4.
type ArgSource struct {
	kind    ArgSourceKind
	name    string // PromptArg name, or FromStep/Field binding
	field   string // Field only
	literal interface{}
}

// PromptArg builds an argument source reading from the workflow's
// prompt argument map.
func PromptArg(name string) ArgSource {
	return ArgSource{kind: SourcePromptArg, name: name}
}

// FromStep builds an argument source binding the entire output object
// of the step that produced binding.
func FromStep(binding string) ArgSource {
	return ArgSource{kind: SourceFromStep, name: binding}
}

// Field builds an argument source binding a single field of the output
// object produced under binding.
func Field(binding, field string) ArgSource {
	return ArgSource{kind: SourceField, name: binding, field: field}
}

// Constant builds an argument source fixed to a literal JSON-ish value.
func Constant(value interface{}) ArgSource {
	return ArgSource{kind: SourceConstant, literal: value}
}

// ArgEntry pairs a tool parameter name with the source that supplies
// its value. Steps carry a slice of these, not a map, so insertion
// order survives build -> validate -> execute -> serialize (spec §8
// invariant 7).
type ArgEntry struct {
	Param  string
	Source ArgSource
}

// Step is one bound tool invocation in a Workflow.
type Step struct {
	// Name is an internal diagnostic identifier, unique within a
	// Workflow.
	Name string
	// Tool is the registry name of the tool this step invokes.
	Tool string
	// Args is the ordered argument list.
	Args []ArgEntry
	// Binding names this step's output for later steps to reference.
	// Empty means the output is not referenceable.
	Binding string
	// Retryable hints to callers that a failed invocation of this step
	// may be safely retried without side effects from the first
	// attempt; the executor itself does not auto-retry (spec §4.4's
	// continuation is always client-driven).
	Retryable bool
}

// Workflow is a validated, linear sequence of Steps together with the
// set of prompt argument names it declares.
type Workflow struct {
	Name       string
	PromptArgs []string
	Steps      []Step
}

// New builds and validates a Workflow. Validation happens here, at
// construction, per spec.md §4.4.
func New(name string, promptArgs []string, steps []Step) (*Workflow, error) {
	w := &Workflow{
		Name:       name,
		PromptArgs: append([]string(nil), promptArgs...),
		Steps:      append([]Step(nil), steps...),
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Validate checks the four constraints named in spec.md §4.4: every
// referenced prompt argument is declared, every FromStep/Field binding
// refers to an earlier step's binding, bindings are unique, and step
// names are unique.
func (w *Workflow) Validate() error {
	declaredArgs := make(map[string]bool, len(w.PromptArgs))
	for _, a := range w.PromptArgs {
		declaredArgs[a] = true
	}

	seenStepNames := make(map[string]bool, len(w.Steps))
	seenBindings := make(map[string]bool, len(w.Steps))

	for _, step := range w.Steps {
		if step.Name == "" {
			return fmt.Errorf("workflow %q: step has empty name", w.Name)
		}
		if seenStepNames[step.Name] {
			return fmt.Errorf("workflow %q: duplicate step name %q", w.Name, step.Name)
		}
		seenStepNames[step.Name] = true

		for _, entry := range step.Args {
			switch entry.Source.kind {
			case SourcePromptArg:
				if !declaredArgs[entry.Source.name] {
					return fmt.Errorf("workflow %q: step %q references undeclared prompt argument %q", w.Name, step.Name, entry.Source.name)
				}
			case SourceFromStep, SourceField:
				if !seenBindings[entry.Source.name] {
					return fmt.Errorf("workflow %q: step %q references binding %q before it is produced", w.Name, step.Name, entry.Source.name)
				}
			case SourceConstant:
				// always valid
			}
		}

		if step.Binding != "" {
			if seenBindings[step.Binding] {
				return fmt.Errorf("workflow %q: duplicate binding %q", w.Name, step.Binding)
			}
			seenBindings[step.Binding] = true
		}
	}
	return nil
}
