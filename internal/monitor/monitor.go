// Package monitor implements the monitoring sink façade of spec §6:
// register_run, register_task, update_task, free. A no-op Dummy is
// always available; a NATS-backed NATSMonitor publishes task-state
// transitions to a dashboard subscriber, carrying OpenTelemetry trace
// context the way internal inter-service calls do.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
)

// State is a dashboard-level task state, independent of the store's Unit
// or Task state machines.
type State string

const (
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateRetrieved State = "retrieved"
	StateAborted   State = "aborted"
	StateCancelled State = "cancelled"
)

// Sink is the façade the controller uses to report task lifecycle events
// to an external dashboard, per spec §6.
type Sink interface {
	RegisterRun(ctx context.Context) error
	RegisterTask(ctx context.Context, taskID string) (monitorID, syncID string, err error)
	UpdateTask(ctx context.Context, taskID string, state State) error
	Free(ctx context.Context) error
}

// Dummy is a no-op Sink, used when dashboarding is disabled.
type Dummy struct{}

func (Dummy) RegisterRun(ctx context.Context) error { return nil }
func (Dummy) RegisterTask(ctx context.Context, taskID string) (string, string, error) {
	return uuid.NewString(), uuid.NewString(), nil
}
func (Dummy) UpdateTask(ctx context.Context, taskID string, state State) error { return nil }
func (Dummy) Free(ctx context.Context) error                                  { return nil }

var _ Sink = Dummy{}

// NATSMonitor publishes task state transitions to a subject a dashboard
// subscriber consumes.
type NATSMonitor struct {
	nc      *nats.Conn
	subject string
	runID   string
	logger  *slog.Logger
}

var propagator = propagation.TraceContext{}

// NewNATSMonitor connects a dashboard sink over an existing NATS
// connection.
func NewNATSMonitor(nc *nats.Conn, subject string, logger *slog.Logger) *NATSMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSMonitor{nc: nc, subject: subject, logger: logger}
}

func (m *NATSMonitor) RegisterRun(ctx context.Context) error {
	m.runID = uuid.NewString()
	return m.publish(ctx, map[string]any{"event": "register_run", "run_id": m.runID})
}

func (m *NATSMonitor) RegisterTask(ctx context.Context, taskID string) (string, string, error) {
	monitorID := uuid.NewString()
	syncID := uuid.NewString()
	err := m.publish(ctx, map[string]any{
		"event": "register_task", "task_id": taskID, "monitor_id": monitorID, "sync_id": syncID,
	})
	return monitorID, syncID, err
}

func (m *NATSMonitor) UpdateTask(ctx context.Context, taskID string, state State) error {
	return m.publish(ctx, map[string]any{"event": "update_task", "task_id": taskID, "state": state})
}

func (m *NATSMonitor) Free(ctx context.Context) error {
	return m.publish(ctx, map[string]any{"event": "free", "run_id": m.runID})
}

func (m *NATSMonitor) publish(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: m.subject, Data: data, Header: hdr}
	if err := m.nc.PublishMsg(msg); err != nil {
		m.logger.Warn("dashboard publish failed", "error", err)
		return err
	}
	return nil
}

var _ Sink = (*NATSMonitor)(nil)
