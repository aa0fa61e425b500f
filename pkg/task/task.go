// Package task defines the durable-task domain model: the Task
// record, its status transition relation, its canonical storage
// serialization, and its wire representation. It has no knowledge of
// any storage backend — pkg/task/store builds on top of this package
// and pkg/task/backend.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task is the in-memory representation of a durable task record, per
// spec.md §3's data model.
type Task struct {
	ID              string
	Status          Status
	StatusMessage   *string
	CreatedAt       time.Time
	LastUpdatedAt   time.Time
	TTLMs           *int64
	PollIntervalMs  *int64
	Owner           string
	RequestMethod   string
	Variables       map[string]interface{}
	Result          interface{}
	Metadata        map[string]interface{}
}

// New constructs a fresh Working task for owner, created by
// requestMethod, with ttlMs applied verbatim (the store is responsible
// for clamping into [0, max_ttl_ms] before calling New).
func New(owner, requestMethod string, ttlMs *int64) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:            uuid.NewString(),
		Status:        StatusWorking,
		CreatedAt:     now,
		LastUpdatedAt: now,
		TTLMs:         ttlMs,
		Owner:         owner,
		RequestMethod: requestMethod,
		Variables:     map[string]interface{}{},
	}
}

// IsExpired reports whether the task's TTL, if any, has lapsed as of
// now. A task with no TTL never expires.
func (t *Task) IsExpired() bool {
	return t.IsExpiredAt(time.Now().UTC())
}

// IsExpiredAt is IsExpired evaluated at an explicit instant, used by
// tests that need deterministic TTL behavior.
func (t *Task) IsExpiredAt(now time.Time) bool {
	if t.TTLMs == nil {
		return false
	}
	expiry := t.CreatedAt.Add(time.Duration(*t.TTLMs) * time.Millisecond)
	return now.After(expiry)
}

// Clone returns a deep-enough copy of t suitable for returning to
// callers without letting them mutate the store's view through
// aliased maps.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Variables = cloneJSONMap(t.Variables)
	clone.Metadata = cloneJSONMap(t.Metadata)
	if t.StatusMessage != nil {
		msg := *t.StatusMessage
		clone.StatusMessage = &msg
	}
	if t.TTLMs != nil {
		ttl := *t.TTLMs
		clone.TTLMs = &ttl
	}
	if t.PollIntervalMs != nil {
		poll := *t.PollIntervalMs
		clone.PollIntervalMs = &poll
	}
	return &clone
}

func cloneJSONMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// canonicalRecord is the deterministic on-the-wire storage form named
// in spec.md §4.2: "object key order fixed (status, owner, timestamps,
// ttl, task id, request method, variables, result, metadata), numeric
// timestamps in milliseconds". Go's encoding/json marshals struct
// fields in declaration order, so this struct's field order IS the
// canonical key order; it must never be reordered.
type canonicalRecord struct {
	Status          Status                 `json:"status"`
	Owner           string                 `json:"owner"`
	CreatedAtMs     int64                  `json:"createdAtMs"`
	LastUpdatedAtMs int64                  `json:"lastUpdatedAtMs"`
	TTLMs           *int64                 `json:"ttlMs"`
	TaskID          string                 `json:"taskId"`
	RequestMethod   string                 `json:"requestMethod"`
	StatusMessage   *string                `json:"statusMessage,omitempty"`
	PollIntervalMs  *int64                 `json:"pollIntervalMs,omitempty"`
	Variables       map[string]interface{} `json:"variables"`
	Result          interface{}            `json:"result,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// MarshalCanonical serializes t to the deterministic JSON form used
// for backend storage and byte-budget accounting.
func (t *Task) MarshalCanonical() ([]byte, error) {
	rec := canonicalRecord{
		Status:          t.Status,
		Owner:           t.Owner,
		CreatedAtMs:     t.CreatedAt.UnixMilli(),
		LastUpdatedAtMs: t.LastUpdatedAt.UnixMilli(),
		TTLMs:           t.TTLMs,
		TaskID:          t.ID,
		RequestMethod:   t.RequestMethod,
		StatusMessage:   t.StatusMessage,
		PollIntervalMs:  t.PollIntervalMs,
		Variables:       t.Variables,
		Result:          t.Result,
		Metadata:        t.Metadata,
	}
	if rec.Variables == nil {
		rec.Variables = map[string]interface{}{}
	}
	return json.Marshal(rec)
}

// UnmarshalCanonical parses bytes produced by MarshalCanonical back
// into a Task. Round-tripping through Marshal/Unmarshal must yield an
// equal Task (spec §8 invariant 6).
func UnmarshalCanonical(data []byte) (*Task, error) {
	var rec canonicalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	t := &Task{
		ID:             rec.TaskID,
		Status:         rec.Status,
		StatusMessage:  rec.StatusMessage,
		CreatedAt:      time.UnixMilli(rec.CreatedAtMs).UTC(),
		LastUpdatedAt:  time.UnixMilli(rec.LastUpdatedAtMs).UTC(),
		TTLMs:          rec.TTLMs,
		PollIntervalMs: rec.PollIntervalMs,
		Owner:          rec.Owner,
		RequestMethod:  rec.RequestMethod,
		Variables:      rec.Variables,
		Result:         rec.Result,
		Metadata:       rec.Metadata,
	}
	if t.Variables == nil {
		t.Variables = map[string]interface{}{}
	}
	return t, nil
}

// WireTask is the camelCase, ISO-8601 JSON-RPC representation of a
// task, per spec.md §6's "Task field names" paragraph. Optional fields
// other than ttl are omitted when absent; ttl is always present,
// serialized null when unset.
type WireTask struct {
	TaskID        string      `json:"taskId"`
	Status        Status      `json:"status"`
	StatusMessage *string     `json:"statusMessage,omitempty"`
	CreatedAt     string      `json:"createdAt"`
	LastUpdatedAt string      `json:"lastUpdatedAt"`
	TTL           *int64      `json:"ttl"`
	PollInterval  *int64      `json:"pollInterval,omitempty"`
	Meta          interface{} `json:"_meta,omitempty"`
}

// ToWire converts t into its JSON-RPC wire form. meta, when non-nil,
// is attached verbatim as the `_meta` field (callers assemble the
// related-task / handoff envelopes).
func (t *Task) ToWire(meta interface{}) *WireTask {
	return &WireTask{
		TaskID:        t.ID,
		Status:        t.Status,
		StatusMessage: t.StatusMessage,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339Nano),
		LastUpdatedAt: t.LastUpdatedAt.Format(time.RFC3339Nano),
		TTL:           t.TTLMs,
		PollInterval:  t.PollIntervalMs,
		Meta:          meta,
	}
}
