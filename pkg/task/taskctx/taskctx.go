// Package taskctx provides a cheap, clonable handle onto a single task
// for use inside tool and workflow-step implementations, so that
// calling code never has to thread a Store and an owner/task id pair
// through every function signature by hand.
package taskctx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcptasks/mcptasks/pkg/task"
	"github.com/mcptasks/mcptasks/pkg/task/store"
)

// Context is a lightweight, copyable reference to one task: a store
// handle plus the (owner, task id) pair that scopes every call. Copying
// a Context is always safe; it carries no mutable state of its own.
type Context struct {
	store   *store.Store
	taskID  string
	ownerID string
}

// New builds a Context bound to an existing task. Callers typically
// obtain one from the router immediately after tools/call resolves to
// a task-capable tool.
func New(s *store.Store, taskID, ownerID string) Context {
	return Context{store: s, taskID: taskID, ownerID: ownerID}
}

// TaskID returns the bound task's identifier.
func (c Context) TaskID() string { return c.taskID }

// OwnerID returns the bound task's owner.
func (c Context) OwnerID() string { return c.ownerID }

// Clone returns an identical handle; provided for call sites that want
// to make the copy-on-use intent explicit (e.g. before handing a
// Context to a spawned goroutine).
func (c Context) Clone() Context { return c }

func (c Context) current(ctx context.Context) (*task.Task, error) {
	return c.store.Get(ctx, c.taskID, c.ownerID)
}

// GetString reads a string-typed variable. Both an absent key and a
// key whose value is not a string are reported the same way, wrapping
// task.ErrNotFound: a type mismatch is not a distinct error condition,
// it just means "no string variable by that name" (mirrors the other
// typed getters' treatment of absence and mismatch as the same case).
func (c Context) GetString(ctx context.Context, key string) (string, error) {
	v, err := c.GetTyped(ctx, key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("taskctx: variable %q not a string: %w", key, task.ErrNotFound)
	}
	return s, nil
}

// GetI64 reads an integer-typed variable. JSON numbers decode to
// float64 in Go's default decoder, so this accepts any float64 with no
// fractional part as well as a native int64. As with GetString, a
// present-but-wrong-shaped value is reported the same way as absence.
func (c Context) GetI64(ctx context.Context, key string) (int64, error) {
	v, err := c.GetTyped(ctx, key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("taskctx: variable %q not an integer: %w", key, task.ErrNotFound)
		}
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("taskctx: variable %q not an integer: %w", key, task.ErrNotFound)
	}
}

// GetF64 reads a float-typed variable; see GetString for the
// absence/mismatch treatment.
func (c Context) GetF64(ctx context.Context, key string) (float64, error) {
	v, err := c.GetTyped(ctx, key)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("taskctx: variable %q not a number: %w", key, task.ErrNotFound)
	}
	return f, nil
}

// GetBool reads a boolean-typed variable; see GetString for the
// absence/mismatch treatment.
func (c Context) GetBool(ctx context.Context, key string) (bool, error) {
	v, err := c.GetTyped(ctx, key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("taskctx: variable %q not a bool: %w", key, task.ErrNotFound)
	}
	return b, nil
}

// GetTyped reads a variable as its raw decoded JSON type
// (map[string]interface{}, []interface{}, string, float64, bool, or
// nil), failing if the key is absent.
func (c Context) GetTyped(ctx context.Context, key string) (interface{}, error) {
	t, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := t.Variables[key]
	if !ok {
		return nil, fmt.Errorf("taskctx: variable %q not set: %w", key, task.ErrNotFound)
	}
	return v, nil
}

// GetTypedInto reads a variable and deserializes it into out, which
// must be a non-nil pointer. It round-trips the stored value through
// JSON (re-marshal then unmarshal) rather than attempting a direct
// type assertion, so out can be any struct or slice shape the caller
// declares, not just the handful of scalar types GetString/GetI64/
// GetF64/GetBool cover. An absent key or a value that cannot be
// unmarshaled into out's type are both reported the same way,
// wrapping task.ErrNotFound, matching the scalar getters' treatment
// of absence and mismatch as the same case.
func (c Context) GetTypedInto(ctx context.Context, key string, out interface{}) error {
	v, err := c.GetTyped(ctx, key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("taskctx: variable %q not encodable: %w", key, task.ErrNotFound)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("taskctx: variable %q does not match requested type: %w", key, task.ErrNotFound)
	}
	return nil
}

// SetVariable upserts a single variable.
func (c Context) SetVariable(ctx context.Context, key string, value interface{}) error {
	_, err := c.store.SetVariables(ctx, c.taskID, c.ownerID, map[string]interface{}{key: value}, nil)
	return err
}

// SetVariables upserts a batch of variables in one store call.
func (c Context) SetVariables(ctx context.Context, updates map[string]interface{}) error {
	_, err := c.store.SetVariables(ctx, c.taskID, c.ownerID, updates, nil)
	return err
}

// DeleteVariable removes a single variable key.
func (c Context) DeleteVariable(ctx context.Context, key string) error {
	_, err := c.store.SetVariables(ctx, c.taskID, c.ownerID, nil, map[string]bool{key: true})
	return err
}

// Status returns the task's current status convenience-wrapped, so
// callers don't need to fetch the full Task just to branch on it.
func (c Context) Status(ctx context.Context) (task.Status, error) {
	t, err := c.current(ctx)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// Working transitions the task back to (or keeps it in) the Working
// state, e.g. when a paused workflow step resumes.
func (c Context) Working(ctx context.Context, message *string) error {
	_, err := c.store.UpdateStatus(ctx, c.taskID, c.ownerID, task.StatusWorking, message)
	return err
}

// RequireInput transitions the task to InputRequired, pausing
// execution until a caller supplies variables and resumes it.
func (c Context) RequireInput(ctx context.Context, message *string) error {
	_, err := c.store.UpdateStatus(ctx, c.taskID, c.ownerID, task.StatusInputRequired, message)
	return err
}

// Resume is an alias for Working used at workflow-step call sites
// where "resume" reads more naturally than "return to working".
func (c Context) Resume(ctx context.Context, message *string) error {
	return c.Working(ctx, message)
}

// Complete atomically transitions the task to Completed and binds
// result.
func (c Context) Complete(ctx context.Context, result interface{}) error {
	_, err := c.store.CompleteWithResult(ctx, c.taskID, c.ownerID, task.StatusCompleted, nil, result)
	return err
}

// Fail atomically transitions the task to Failed, with message and an
// optional structured result payload describing the failure.
func (c Context) Fail(ctx context.Context, message string, result interface{}) error {
	_, err := c.store.CompleteWithResult(ctx, c.taskID, c.ownerID, task.StatusFailed, &message, result)
	return err
}

// Cancel transitions the task to Cancelled with no result.
func (c Context) Cancel(ctx context.Context) error {
	_, err := c.store.Cancel(ctx, c.taskID, c.ownerID)
	return err
}

// CancelWithResult implements the cancel-with-result convention: a
// non-nil result here completes the task instead of cancelling it.
func (c Context) CancelWithResult(ctx context.Context, result interface{}) error {
	_, err := c.store.CancelWithResult(ctx, c.taskID, c.ownerID, result)
	return err
}

// Result returns the task's bound result, failing ErrNotReady until
// the task reaches a terminal status.
func (c Context) Result(ctx context.Context) (interface{}, error) {
	return c.store.GetResult(ctx, c.taskID, c.ownerID)
}

// Task returns the full current task record.
func (c Context) Task(ctx context.Context) (*task.Task, error) {
	return c.current(ctx)
}
