package taskctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcptasks/mcptasks/pkg/task"
	"github.com/mcptasks/mcptasks/pkg/task/backend"
	"github.com/mcptasks/mcptasks/pkg/task/store"
)

func newBoundContext(t *testing.T) (Context, *store.Store) {
	t.Helper()
	s := store.New(backend.NewMemoryBackend(), store.Config{
		MaxVariableSizeBytes: 4096,
		MaxVariableDepth:     4,
		MaxStringLength:      256,
	}, nil)
	tsk, err := s.Create(context.Background(), "owner-a", "tools/call", nil)
	require.NoError(t, err)
	return New(s, tsk.ID, "owner-a"), s
}

func TestContext_SetAndGetVariableTypes(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	require.NoError(t, c.SetVariables(ctx, map[string]interface{}{
		"name":  "alice",
		"count": float64(3),
		"ratio": 0.5,
		"ok":    true,
	}))

	name, err := c.GetString(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	count, err := c.GetI64(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	ratio, err := c.GetF64(ctx, "ratio")
	require.NoError(t, err)
	assert.Equal(t, 0.5, ratio)

	ok, err := c.GetBool(ctx, "ok")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestContext_GetTypedMissingKeyIsNotFound(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	_, err := c.GetString(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestContext_GetTypedMismatchIsAlsoNotFound(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	require.NoError(t, c.SetVariable(ctx, "name", "alice"))

	_, err := c.GetI64(ctx, "name")
	assert.ErrorIs(t, err, task.ErrNotFound, "a present-but-wrong-shaped variable should be indistinguishable from an absent one")
}

func TestContext_GetTypedIntoDecodesStruct(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	type weatherReport struct {
		TempF int    `json:"tempF"`
		Sky   string `json:"sky"`
	}

	require.NoError(t, c.SetVariable(ctx, "weather", map[string]interface{}{"tempF": 72.0, "sky": "clear"}))

	var got weatherReport
	require.NoError(t, c.GetTypedInto(ctx, "weather", &got))
	assert.Equal(t, weatherReport{TempF: 72, Sky: "clear"}, got)
}

func TestContext_GetTypedIntoMissingKeyIsNotFound(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	var out map[string]interface{}
	err := c.GetTypedInto(ctx, "missing", &out)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestContext_GetTypedIntoMismatchIsAlsoNotFound(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	require.NoError(t, c.SetVariable(ctx, "name", "alice"))

	var out struct {
		TempF int `json:"tempF"`
	}
	err := c.GetTypedInto(ctx, "name", &out)
	assert.ErrorIs(t, err, task.ErrNotFound, "a value that cannot unmarshal into the requested type should be indistinguishable from an absent one")
}

func TestContext_DeleteVariable(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	require.NoError(t, c.SetVariable(ctx, "temp", "value"))
	require.NoError(t, c.DeleteVariable(ctx, "temp"))

	_, err := c.GetString(ctx, "temp")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestContext_CompleteAndReadResult(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	require.NoError(t, c.Complete(ctx, map[string]interface{}{"answer": 42.0}))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, status)

	result, err := c.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"answer": 42.0}, result)
}

func TestContext_RequireInputThenResume(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	msg := "need approval"
	require.NoError(t, c.RequireInput(ctx, &msg))
	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInputRequired, status)

	require.NoError(t, c.Resume(ctx, nil))
	status, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.StatusWorking, status)
}

func TestContext_FailBindsMessageAndResult(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	require.NoError(t, c.Fail(ctx, "downstream timeout", map[string]interface{}{"retryable": true}))

	tsk, err := c.Task(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tsk.Status)
	require.NotNil(t, tsk.StatusMessage)
	assert.Equal(t, "downstream timeout", *tsk.StatusMessage)
}

func TestContext_CancelWithResultCompletes(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)

	require.NoError(t, c.CancelWithResult(ctx, map[string]interface{}{"partial": true}))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, status)
}

func TestContext_CloneIsIndependentHandle(t *testing.T) {
	ctx := context.Background()
	c, _ := newBoundContext(t)
	clone := c.Clone()

	require.NoError(t, clone.SetVariable(ctx, "via_clone", "yes"))
	v, err := c.GetString(ctx, "via_clone")
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
}
