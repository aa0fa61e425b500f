// Package store implements the Task Store (spec.md §4.2): state
// machine validation, owner enforcement, TTL checks, variable
// size/depth/length budgets, and atomic terminal transitions, atop a
// pluggable backend.Backend.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mcptasks/mcptasks/pkg/task"
	"github.com/mcptasks/mcptasks/pkg/task/backend"
)

// maxCASRetries is the bounded retry count design guidance in spec.md
// §4.2 ("design guidance: 3").
const maxCASRetries = 3

// Config mirrors the store resource-budget fields of config.StoreConfig
// without importing internal/config, keeping pkg/task/store reusable
// outside this module's CLI.
type Config struct {
	MaxVariableSizeBytes  int
	DefaultTTLMs          *int64
	MaxTTLMs              *int64
	MaxVariableDepth      int
	MaxStringLength       int
	MaxActiveTasksPerOwner int
}

// Store is the Task Store. It holds a shared handle to a backend.Backend
// (spec §9's "shared handles to the store" design note applies one
// level down: the store itself is the shared handle consumers clone).
type Store struct {
	backend backend.Backend
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	meter   metric.Meter

	createCount     metric.Int64Counter
	transitionCount metric.Int64Counter
	conflictCount   metric.Int64Counter
	rejectCount     metric.Int64Counter
}

// New constructs a Store over b with the given resource budgets.
func New(b backend.Backend, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := otel.Tracer("github.com/mcptasks/mcptasks/pkg/task/store")
	meter := otel.Meter("github.com/mcptasks/mcptasks/pkg/task/store")

	s := &Store{backend: b, cfg: cfg, logger: logger, tracer: tracer, meter: meter}
	s.createCount, _ = meter.Int64Counter("mcptasks.task.created", metric.WithDescription("tasks created"))
	s.transitionCount, _ = meter.Int64Counter("mcptasks.task.transitions", metric.WithDescription("status transitions by edge"))
	s.conflictCount, _ = meter.Int64Counter("mcptasks.task.cas_conflicts", metric.WithDescription("CAS conflicts observed"))
	s.rejectCount, _ = meter.Int64Counter("mcptasks.task.variable_rejections", metric.WithDescription("variable writes rejected for exceeding a resource bound"))
	return s
}

func key(owner, taskID string) string {
	return owner + ":" + taskID
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func (s *Store) variableBudget() task.VariableBudget {
	return task.VariableBudget{
		MaxSizeBytes: s.cfg.MaxVariableSizeBytes,
		MaxDepth:     s.cfg.MaxVariableDepth,
		MaxStringLen: s.cfg.MaxStringLength,
	}
}

func clampTTL(ttlMs *int64, cfg Config) *int64 {
	if ttlMs == nil {
		return cfg.DefaultTTLMs
	}
	v := *ttlMs
	if v < 0 {
		v = 0
	}
	if cfg.MaxTTLMs != nil && v > *cfg.MaxTTLMs {
		v = *cfg.MaxTTLMs
	}
	return &v
}

// Create assigns a fresh UUIDv4, Working status, and empty variables
// to a new task owned by owner. Fails ErrResourceExhausted if a
// backend-configured active-task cap is reached (spec §4.2 create).
func (s *Store) Create(ctx context.Context, owner, requestMethod string, ttlMs *int64) (*task.Task, error) {
	ctx, span := s.tracer.Start(ctx, "Store.Create")
	defer span.End()

	if owner == "" {
		return nil, task.ErrInvalidArguments
	}

	if s.cfg.MaxActiveTasksPerOwner > 0 {
		active, err := s.activeCount(ctx, owner)
		if err != nil {
			return nil, err
		}
		if active >= s.cfg.MaxActiveTasksPerOwner {
			return nil, task.ErrResourceExhausted
		}
	}

	t := task.New(owner, requestMethod, clampTTL(ttlMs, s.cfg))
	data, err := t.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	if _, err := s.backend.Put(ctx, key(owner, t.ID), data); err != nil {
		return nil, mapBackendErr(err)
	}
	s.createCount.Add(ctx, 1, metric.WithAttributes(attribute.String("owner", owner)))
	return t, nil
}

func (s *Store) activeCount(ctx context.Context, owner string) (int, error) {
	if counter, ok := s.backend.(backend.OwnerCounter); ok {
		n, err := counter.ActiveCount(ctx, owner)
		if err != nil {
			return 0, mapBackendErr(err)
		}
		return n, nil
	}
	entries, err := s.backend.ListByPrefix(ctx, owner+":")
	if err != nil {
		return 0, mapBackendErr(err)
	}
	count := 0
	for _, e := range entries {
		t, err := task.UnmarshalCanonical(e.Value)
		if err != nil {
			continue
		}
		if !t.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// Get reads the record, returning it even if expired; owner mismatch
// and unknown task id both surface as ErrNotFound (spec §4.2 get).
func (s *Store) Get(ctx context.Context, taskID, owner string) (*task.Task, error) {
	rec, err := s.backend.Get(ctx, key(owner, taskID))
	if err != nil {
		return nil, mapBackendErr(err)
	}
	t, err := task.UnmarshalCanonical(rec.Value)
	if err != nil {
		return nil, err
	}
	if t.Owner != owner {
		return nil, task.ErrNotFound
	}
	return t, nil
}

// mutate is the shared read-modify-CAS loop used by every state-changing
// operation: it reads the current record, lets fn produce the next
// version (or an error to abort), and retries on VersionConflict up to
// maxCASRetries times before surfacing ErrConflict.
func (s *Store) mutate(ctx context.Context, taskID, owner string, fn func(*task.Task) (*task.Task, error)) (*task.Task, error) {
	k := key(owner, taskID)
	var lastErr error
	for attempt := 0; attempt <= maxCASRetries; attempt++ {
		rec, err := s.backend.Get(ctx, k)
		if err != nil {
			return nil, mapBackendErr(err)
		}
		current, err := task.UnmarshalCanonical(rec.Value)
		if err != nil {
			return nil, err
		}
		if current.Owner != owner {
			return nil, task.ErrNotFound
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		data, err := next.MarshalCanonical()
		if err != nil {
			return nil, err
		}

		if _, err := s.backend.PutIfVersion(ctx, k, data, rec.Version); err != nil {
			var conflict *backend.VersionConflictError
			if errors.As(err, &conflict) {
				s.conflictCount.Add(ctx, 1)
				lastErr = task.ErrConflict
				continue
			}
			return nil, mapBackendErr(err)
		}
		return next, nil
	}
	return nil, lastErr
}

// UpdateStatus runs state-machine validation and bumps last_updated_at
// (spec §4.2 update_status). Mutating an expired task fails
// ErrExpired, except that a terminal target reached via
// complete_with_result bypasses the expiry check (that path has its
// own entry point below).
func (s *Store) UpdateStatus(ctx context.Context, taskID, owner string, newStatus task.Status, message *string) (*task.Task, error) {
	ctx, span := s.tracer.Start(ctx, "Store.UpdateStatus", trace.WithAttributes(attribute.String("to", string(newStatus))))
	defer span.End()

	result, err := s.mutate(ctx, taskID, owner, func(current *task.Task) (*task.Task, error) {
		if current.IsExpired() {
			return nil, task.ErrExpired
		}
		if err := task.ValidateTransition(current.ID, current.Status, newStatus); err != nil {
			return nil, err
		}
		next := current.Clone()
		next.Status = newStatus
		next.StatusMessage = message
		next.LastUpdatedAt = nowUTC()
		return next, nil
	})
	if err == nil {
		s.transitionCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(newStatus)),
		))
	}
	return result, err
}

// Cancel is equivalent to UpdateStatus(..., Cancelled, nil); used when
// tasks/cancel carries no result payload (spec §4.2 cancel).
func (s *Store) Cancel(ctx context.Context, taskID, owner string) (*task.Task, error) {
	return s.UpdateStatus(ctx, taskID, owner, task.StatusCancelled, nil)
}

// SetVariables merges updates per-key (null deletes) and validates the
// aggregate size/depth/string-length bounds (spec §4.2 set_variables).
func (s *Store) SetVariables(ctx context.Context, taskID, owner string, updates map[string]interface{}, nullKeys map[string]bool) (*task.Task, error) {
	budget := s.variableBudget()
	result, err := s.mutate(ctx, taskID, owner, func(current *task.Task) (*task.Task, error) {
		if current.IsExpired() {
			return nil, task.ErrExpired
		}
		if current.Status.IsTerminal() {
			return nil, &task.InvalidTransitionError{TaskID: current.ID, From: current.Status, To: current.Status, SuggestedAction: "task is in a terminal state; variables cannot be written"}
		}
		merged := task.MergeVariables(current.Variables, updates, nullKeys)
		if err := task.ValidateVariables(merged, budget); err != nil {
			return nil, err
		}
		next := current.Clone()
		next.Variables = merged
		next.LastUpdatedAt = nowUTC()
		return next, nil
	})
	if err != nil {
		if errors.Is(err, task.ErrVariableSizeExceeded) || errors.Is(err, task.ErrVariableDepthExceeded) || errors.Is(err, task.ErrVariableStringTooLong) {
			s.rejectCount.Add(ctx, 1)
		}
	}
	return result, err
}

// SetResult binds the result payload without changing status (spec
// §4.2 set_result).
func (s *Store) SetResult(ctx context.Context, taskID, owner string, value interface{}) (*task.Task, error) {
	return s.mutate(ctx, taskID, owner, func(current *task.Task) (*task.Task, error) {
		next := current.Clone()
		next.Result = value
		next.LastUpdatedAt = nowUTC()
		return next, nil
	})
}

// GetResult returns the stored result when the task has reached a
// terminal status; fails ErrNotReady otherwise (spec §4.2 get_result).
func (s *Store) GetResult(ctx context.Context, taskID, owner string) (interface{}, error) {
	t, err := s.Get(ctx, taskID, owner)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		return nil, task.ErrNotReady
	}
	return t.Result, nil
}

// CompleteWithResult atomically validates the transition and writes
// status, message, result, and timestamps in a single CAS (spec §4.2
// complete_with_result). On any validation failure no field changes.
func (s *Store) CompleteWithResult(ctx context.Context, taskID, owner string, terminalStatus task.Status, message *string, result interface{}) (*task.Task, error) {
	next, err := s.mutate(ctx, taskID, owner, func(current *task.Task) (*task.Task, error) {
		if current.IsExpired() {
			return nil, task.ErrExpired
		}
		if err := task.ValidateTransition(current.ID, current.Status, terminalStatus); err != nil {
			return nil, err
		}
		n := current.Clone()
		n.Status = terminalStatus
		n.StatusMessage = message
		n.Result = result
		n.LastUpdatedAt = nowUTC()
		return n, nil
	})
	if err == nil {
		s.transitionCount.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(terminalStatus))))
	}
	return next, err
}

// CancelWithResult implements the cancel-with-result convention (spec
// §4.2): a tasks/cancel request carrying a non-null result transitions
// the task to Completed, not Cancelled, binding the supplied payload.
func (s *Store) CancelWithResult(ctx context.Context, taskID, owner string, result interface{}) (*task.Task, error) {
	return s.CompleteWithResult(ctx, taskID, owner, task.StatusCompleted, nil, result)
}

// Page is the result of a List call: the tasks on this page and an
// opaque cursor for the next page, empty when there is none.
type Page struct {
	Tasks      []*task.Task
	NextCursor string
}

// List returns owner-scoped tasks sorted by creation time descending,
// cursor-paginated (spec §4.2 list). The cursor format is store-defined
// (spec §9's open question): it is a base64 offset into the
// creation-time-descending ordering, opaque to callers.
func (s *Store) List(ctx context.Context, owner string, cursor string, limit int) (Page, error) {
	entries, err := s.backend.ListByPrefix(ctx, owner+":")
	if err != nil {
		return Page{}, mapBackendErr(err)
	}

	tasks := make([]*task.Task, 0, len(entries))
	for _, e := range entries {
		t, err := task.UnmarshalCanonical(e.Value)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})

	offset := 0
	if cursor != "" {
		offset, err = decodeCursor(cursor)
		if err != nil {
			return Page{}, task.ErrInvalidArguments
		}
	}
	if offset > len(tasks) {
		offset = len(tasks)
	}

	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	if end > len(tasks) {
		end = len(tasks)
	}

	page := Page{Tasks: tasks[offset:end]}
	if end < len(tasks) {
		page.NextCursor = encodeCursor(end)
	}
	return page, nil
}

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}

// CleanupExpired reaps every expired record across all owners and
// returns the count removed (spec §4.2 cleanup_expired).
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	return s.backend.CleanupExpired(ctx, func(rec backend.Record) bool {
		t, err := task.UnmarshalCanonical(rec.Value)
		if err != nil {
			return false
		}
		return t.IsExpired()
	})
}

func mapBackendErr(err error) error {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return task.ErrNotFound
	case errors.Is(err, backend.ErrCapacityExceeded):
		return task.ErrResourceExhausted
	default:
		var conflict *backend.VersionConflictError
		if errors.As(err, &conflict) {
			return task.ErrConflict
		}
		var be *backend.BackendError
		if errors.As(err, &be) {
			return &task.StoreDetailError{Detail: be.Message, Cause: be.Source}
		}
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
}

// splitOwnerTaskID extracts (owner, taskID) from a composite backend
// key; used by AdminListAll's scan over ListByPrefix("").
func splitOwnerTaskID(key string) (owner, taskID string, ok bool) {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// OwnerTask pairs a task with the owner id recovered from its backend
// key, returned by AdminListAll for callers that scan across every
// owner rather than one owner's page (spec §6's "list" operation is
// always owner-scoped; this is the separate administrative path).
type OwnerTask struct {
	Owner string
	Task  *task.Task
}

// AdminListAll scans every record in the backend regardless of owner,
// recovering each task's owner from its composite key via
// splitOwnerTaskID. It is meant for operator tooling (an admin CLI or
// debug endpoint), not for owner-scoped serving paths, which stay
// scoped through List.
func (s *Store) AdminListAll(ctx context.Context) ([]OwnerTask, error) {
	entries, err := s.backend.ListByPrefix(ctx, "")
	if err != nil {
		return nil, mapBackendErr(err)
	}

	out := make([]OwnerTask, 0, len(entries))
	for _, e := range entries {
		owner, _, ok := splitOwnerTaskID(e.Key)
		if !ok {
			continue
		}
		t, err := task.UnmarshalCanonical(e.Value)
		if err != nil {
			continue
		}
		out = append(out, OwnerTask{Owner: owner, Task: t})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Task.CreatedAt.Equal(out[j].Task.CreatedAt) {
			return out[i].Task.CreatedAt.After(out[j].Task.CreatedAt)
		}
		return out[i].Task.ID < out[j].Task.ID
	})
	return out, nil
}
