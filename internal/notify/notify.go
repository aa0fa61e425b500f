// Package notify implements the best-effort `notifications/tasks/status`
// server-initiated push (spec.md §6: "server-initiated status push
// (optional)"). A transport adapter subscribes to the configured NATS
// subject per owner and forwards received notifications to whichever
// clients are connected for that owner; this package only publishes.
//
// Delivery is explicitly best-effort and never blocks a task mutation:
// a publish failure is logged and swallowed, mirroring spec.md §1's
// "no push delivery... delivery ordering is best-effort" non-goal.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mcptasks/mcptasks/internal/config"
	"github.com/mcptasks/mcptasks/pkg/task"
)

// StatusNotification is the JSON-RPC 2.0 notification envelope pushed
// over NATS, named after the method it represents on the wire
// (spec.md §6's `notifications/tasks/status`).
type StatusNotification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string              `json:"method"`
	Params  StatusParams        `json:"params"`
}

// StatusParams is the notification payload: enough of the task's wire
// shape for a client to update its view without a follow-up
// tasks/get.
type StatusParams struct {
	TaskID        string      `json:"taskId"`
	Status        task.Status `json:"status"`
	StatusMessage *string     `json:"statusMessage,omitempty"`
	LastUpdatedAt string      `json:"lastUpdatedAt"`
}

// Notifier publishes task status-change events to NATS, one subject
// per owner, following the teacher's OperationRegistry pattern
// (pkg/mcp/operations.go: per-owner/per-operation subjects, Publish
// calls that return an error the caller logs but never propagates as
// a request failure).
type Notifier struct {
	conn    *nats.Conn
	prefix  string
	logger  *zap.Logger
}

// Connect dials NATS per cfg using the teacher's reconnect policy
// (RetryOnFailedConnect, bounded MaxReconnects, fixed ReconnectWait).
// When cfg.Enabled is false, Connect returns a Notifier whose Publish
// is a no-op, so callers never need a nil check of their own.
func Connect(cfg config.NotifyConfig, logger *zap.Logger) (*Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return &Notifier{logger: logger}, nil
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to NATS at %s: %w", cfg.URL, err)
	}

	prefix := cfg.Subject
	if prefix == "" {
		prefix = "notifications.tasks.status"
	}

	logger.Info("notify: connected to NATS", zap.String("url", cfg.URL))
	return &Notifier{conn: nc, prefix: prefix, logger: logger}, nil
}

// Publish pushes t's current status to the subject for t.Owner.
// Failures are logged at Warn and swallowed: notification delivery
// never blocks or fails the task mutation that triggered it.
func (n *Notifier) Publish(t *task.Task) {
	if n == nil || n.conn == nil || t == nil {
		return
	}

	notification := StatusNotification{
		JSONRPC: "2.0",
		Method:  "notifications/tasks/status",
		Params: StatusParams{
			TaskID:        t.ID,
			Status:        t.Status,
			StatusMessage: t.StatusMessage,
			LastUpdatedAt: t.LastUpdatedAt.Format(time.RFC3339Nano),
		},
	}

	data, err := json.Marshal(notification)
	if err != nil {
		n.logger.Warn("notify: marshal status notification failed", zap.String("taskId", t.ID), zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s", n.prefix, t.Owner)
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Warn("notify: publish status notification failed", zap.String("taskId", t.ID), zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the underlying NATS connection, a no-op
// when notify was configured disabled.
func (n *Notifier) Close() {
	if n == nil || n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn("notify: drain on close failed", zap.Error(err))
	}
}
