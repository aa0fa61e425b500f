package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducesWorkingTaskWithEmptyVariables(t *testing.T) {
	ttl := int64(60_000)
	tsk := New("owner-a", "tools/call", &ttl)

	assert.Equal(t, StatusWorking, tsk.Status)
	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, "owner-a", tsk.Owner)
	assert.Equal(t, "tools/call", tsk.RequestMethod)
	assert.NotNil(t, tsk.Variables)
	assert.Equal(t, tsk.CreatedAt, tsk.LastUpdatedAt)
}

func TestIsExpiredAt(t *testing.T) {
	ttl := int64(1000)
	tsk := New("owner-a", "tools/call", &ttl)

	assert.False(t, tsk.IsExpiredAt(tsk.CreatedAt.Add(500*time.Millisecond)))
	assert.True(t, tsk.IsExpiredAt(tsk.CreatedAt.Add(1500*time.Millisecond)))
}

func TestIsExpiredNeverWithNilTTL(t *testing.T) {
	tsk := New("owner-a", "tools/call", nil)
	assert.False(t, tsk.IsExpiredAt(tsk.CreatedAt.Add(365*24*time.Hour)))
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	tsk := New("owner-a", "tools/call", nil)
	tsk.Variables["k"] = "v"
	msg := "hello"
	tsk.StatusMessage = &msg

	clone := tsk.Clone()
	clone.Variables["k"] = "mutated"
	*clone.StatusMessage = "mutated"

	assert.Equal(t, "v", tsk.Variables["k"], "mutating the clone's variables must not affect the original")
	assert.Equal(t, "hello", *tsk.StatusMessage, "mutating the clone's status message must not affect the original")
}

// TestMarshalCanonicalRoundTrips covers spec invariant 6: serializing
// to canonical JSON and back yields an equal task.
func TestMarshalCanonicalRoundTrips(t *testing.T) {
	ttl := int64(60_000)
	poll := int64(2_000)
	msg := "waiting on approval"
	tsk := New("owner-a", "tools/call", &ttl)
	tsk.PollIntervalMs = &poll
	tsk.StatusMessage = &msg
	tsk.Variables = map[string]interface{}{"city": "Boston", "count": float64(3)}
	tsk.Result = map[string]interface{}{"rows": float64(1500)}
	tsk.Metadata = map[string]interface{}{"trace_id": "abc"}

	data, err := tsk.MarshalCanonical()
	require.NoError(t, err)

	got, err := UnmarshalCanonical(data)
	require.NoError(t, err)

	assert.Equal(t, tsk.ID, got.ID)
	assert.Equal(t, tsk.Status, got.Status)
	assert.Equal(t, tsk.Owner, got.Owner)
	assert.Equal(t, tsk.RequestMethod, got.RequestMethod)
	assert.Equal(t, *tsk.TTLMs, *got.TTLMs)
	assert.Equal(t, *tsk.PollIntervalMs, *got.PollIntervalMs)
	assert.Equal(t, *tsk.StatusMessage, *got.StatusMessage)
	assert.Equal(t, tsk.Variables, got.Variables)
	assert.Equal(t, tsk.Result, got.Result)
	assert.Equal(t, tsk.Metadata, got.Metadata)
	assert.WithinDuration(t, tsk.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.WithinDuration(t, tsk.LastUpdatedAt, got.LastUpdatedAt, time.Millisecond)
}

// TestMarshalCanonicalNilTTLIsExplicitNull covers the second half of
// spec invariant 6: a task with no TTL always serializes with an
// explicit "ttlMs": null rather than omitting the key.
func TestMarshalCanonicalNilTTLIsExplicitNull(t *testing.T) {
	tsk := New("owner-a", "tools/call", nil)

	data, err := tsk.MarshalCanonical()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))

	val, present := raw["ttlMs"]
	require.True(t, present, "ttlMs key must always be present")
	assert.Nil(t, val, "ttlMs must serialize as explicit null when unset")
}

func TestToWireFormatsTimestampsAndPreservesNilTTL(t *testing.T) {
	tsk := New("owner-a", "tools/call", nil)
	wire := tsk.ToWire(nil)

	assert.Equal(t, tsk.ID, wire.TaskID)
	assert.Nil(t, wire.TTL)
	parsed, err := time.Parse(time.RFC3339Nano, wire.CreatedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, tsk.CreatedAt, parsed, time.Millisecond)
}
