// Package executor implements the external work-queue façade required by
// spec §6: Submit, CompletedTasks, CancelAll, InFlight. It talks to an out-of-process
// work-queue adapter over HTTP, generalizing the pooled-connection HTTP
// executor pattern used for task dispatch elsewhere in this codebase.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Descriptor is one task handed to the executor for dispatch.
type Descriptor struct {
	Category string              `json:"category"`
	Command  string              `json:"command"`
	TaskID   int64               `json:"task_id"`
	Inputs   []FileTransfer      `json:"inputs"`
	Outputs  []FileTransfer      `json:"outputs"`
}

// FileTransfer is a (local, remote) path pair for task input/output.
type FileTransfer struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// QueueState is the work-queue's own view of an in-flight task, distinct
// from the store's Unit/Task state machine.
type QueueState string

const (
	QueueWaiting          QueueState = "waiting"
	QueueRunning          QueueState = "running"
	QueueDone             QueueState = "done"
	QueueWaitingRetrieval QueueState = "waiting_retrieval"
)

// QueueEntry is one task as currently known to the work queue.
type QueueEntry struct {
	TaskID int64      `json:"task_id"`
	State  QueueState `json:"state"`
}

// Completed is one finished task reported back by the executor.
type Completed struct {
	Tag           int64             `json:"tag"`
	ResultFlag    int               `json:"result_flag"`
	ExitCode      int               `json:"exit_code"`
	Hostname      string            `json:"hostname"`
	TimingVector  map[string]int64  `json:"timing_vector"`
	ByteCounts    map[string]int64  `json:"byte_counts"`
	MemorySamples map[string]int64  `json:"memory_samples"`
}

// Facade is the narrow interface the core needs from the external
// work-queue executor: hand it newly obtained task descriptors for
// dispatch, poll for completions, and cancel everything in flight.
type Facade interface {
	Submit(ctx context.Context, tasks []Descriptor) error
	CompletedTasks(ctx context.Context) ([]Completed, error)
	CancelAll(ctx context.Context) error
	InFlight(ctx context.Context) ([]QueueEntry, error)
}

// HTTP is a Facade backed by an HTTP work-queue adapter, with pooled
// connections and trace-context propagation on every request.
type HTTP struct {
	client  *http.Client
	baseURL string
	tracer  trace.Tracer
}

// NewHTTP builds an executor façade talking to baseURL. A nil client gets
// a pooled default tuned the way task dispatch elsewhere in this codebase
// is tuned.
func NewHTTP(baseURL string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTP{client: client, baseURL: baseURL, tracer: otel.Tracer("lobster-executor")}
}

func (h *HTTP) Submit(ctx context.Context, tasks []Descriptor) error {
	ctx, span := h.tracer.Start(ctx, "executor.submit", trace.WithAttributes(attribute.Int("count", len(tasks))))
	defer span.End()

	if len(tasks) == 0 {
		return nil
	}
	body, err := json.Marshal(tasks)
	if err != nil {
		return err
	}
	if err := h.doJSON(ctx, http.MethodPost, "/v1/submit", body, nil); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

func (h *HTTP) CompletedTasks(ctx context.Context) ([]Completed, error) {
	ctx, span := h.tracer.Start(ctx, "executor.completed_tasks")
	defer span.End()

	var out []Completed
	if err := h.doJSON(ctx, http.MethodGet, "/v1/completed", nil, &out); err != nil {
		return nil, fmt.Errorf("completed_tasks: %w", err)
	}
	return out, nil
}

func (h *HTTP) CancelAll(ctx context.Context) error {
	ctx, span := h.tracer.Start(ctx, "executor.cancel_all")
	defer span.End()
	return h.doJSON(ctx, http.MethodPost, "/v1/cancel_all", nil, nil)
}

// InFlight reports the work queue's current view of every task it still
// knows about, for dashboard-state reconciliation.
func (h *HTTP) InFlight(ctx context.Context) ([]QueueEntry, error) {
	ctx, span := h.tracer.Start(ctx, "executor.in_flight")
	defer span.End()

	var out []QueueEntry
	if err := h.doJSON(ctx, http.MethodGet, "/v1/in_flight", nil, &out); err != nil {
		return nil, fmt.Errorf("in_flight: %w", err)
	}
	return out, nil
}

func (h *HTTP) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

var _ Facade = (*HTTP)(nil)
