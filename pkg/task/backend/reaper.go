package backend

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper drives a backend's CleanupExpired on a fixed interval,
// grounded in the teacher's background_scanner.go ticker loop
// (internal/vectorstore). It is the in-process analog of
// original_source/crates/pmcp-tasks's periodic sweep rather than an
// on-demand-only reap.
type Reaper struct {
	backend   Backend
	interval  time.Duration
	isExpired func(Record) bool
	logger    *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewReaper builds a Reaper. isExpired decides, from a record's
// decoded form, whether it should be swept; the store supplies this so
// the backend package never needs to understand task semantics.
func NewReaper(b Backend, interval time.Duration, isExpired func(Record) bool, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		backend:   b,
		interval:  interval,
		isExpired: isExpired,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the sweep loop in a new goroutine. It is a no-op if
// interval is zero or negative. Callers stop the loop by cancelling
// ctx or calling Stop; Start returns immediately.
func (r *Reaper) Start(ctx context.Context) {
	if r.interval <= 0 {
		close(r.done)
		return
	}
	go r.run(ctx)
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			n, err := r.backend.CleanupExpired(ctx, r.isExpired)
			if err != nil {
				r.logger.Warn("task reaper sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Debug("task reaper swept expired records", zap.Int("count", n))
			}
		}
	}
}

// Stop signals the sweep loop to exit and blocks until it has.
func (r *Reaper) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}
