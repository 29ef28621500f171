package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/lobster-hep/lobster/internal/config"
	"github.com/lobster-hep/lobster/internal/executor"
	"github.com/lobster-hep/lobster/internal/monitor"
	"github.com/lobster-hep/lobster/internal/storage"
	"github.com/lobster-hep/lobster/internal/store"
)

type fakeExecutor struct {
	submitted []executor.Descriptor
	inFlight  []executor.QueueEntry
}

func (f *fakeExecutor) Submit(ctx context.Context, tasks []executor.Descriptor) error {
	f.submitted = append(f.submitted, tasks...)
	return nil
}
func (f *fakeExecutor) CompletedTasks(ctx context.Context) ([]executor.Completed, error) {
	return nil, nil
}
func (f *fakeExecutor) CancelAll(ctx context.Context) error { return nil }
func (f *fakeExecutor) InFlight(ctx context.Context) ([]executor.QueueEntry, error) {
	return f.inFlight, nil
}

type fakeSink struct {
	monitor.Dummy
	updates map[string]monitor.State
}

func newFakeSink() *fakeSink { return &fakeSink{updates: map[string]monitor.State{}} }

func (f *fakeSink) UpdateTask(ctx context.Context, taskID string, state monitor.State) error {
	f.updates[taskID] = state
	return nil
}

func newTestProvider(t *testing.T) (*TaskProvider, *store.UnitStore, *fakeExecutor) {
	t.Helper()
	p, st, exec, _ := newTestProviderWithSink(t, monitor.Dummy{})
	return p, st, exec
}

func newTestProviderWithSink(t *testing.T, sink monitor.Sink) (*TaskProvider, *store.UnitStore, *fakeExecutor, string) {
	t.Helper()
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")

	st, err := store.Open(filepath.Join(dir, "test.db"), store.Options{Meter: meter, RetryLimit: 3})
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	exec := &fakeExecutor{}
	cfg := &config.Config{
		Label:   "run1",
		Workdir: dir,
		Categories: []config.CategoryConfig{
			{Name: "default", Cores: 1},
		},
		Advanced: config.Advanced{RetryLimit: 3, PayloadFloor: 1},
	}

	p := New(cfg, st, exec, storage.NewLocal(nil), sink, nil,
		meter, nooptrace.NewTracerProvider().Tracer("test"), nil, "lobster_run1_test")
	return p, st, exec, dir
}

func TestObtainSubmitsTasksWithinHunger(t *testing.T) {
	p, st, _ := newTestProvider(t)
	ctx := context.Background()

	wf := store.Workflow{Label: "w1", Category: "default", Cores: 1, UnitsPerTask: 1}
	var files []store.FileInfo
	for i := 0; i < 4; i++ {
		files = append(files, store.FileInfo{ID: string(rune('a' + i)), Events: 10, Lumis: []store.LumiID{{Run: 1, Lumi: 1}}})
	}
	if err := st.RegisterDataset(ctx, wf, files); err != nil {
		t.Fatalf("RegisterDataset failed: %v", err)
	}

	descs, err := p.Obtain(ctx, 10, nil)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if len(descs) == 0 {
		t.Fatalf("expected at least one task to be obtained")
	}
	if len(descs) > 4 {
		t.Fatalf("expected at most 4 tasks (one per unit), got %d", len(descs))
	}
}

func TestDoneFalseWithOutstandingWork(t *testing.T) {
	p, st, _ := newTestProvider(t)
	ctx := context.Background()

	if err := st.RegisterDataset(ctx, store.Workflow{Label: "w1", Category: "default", Cores: 1, UnitsPerTask: 1},
		[]store.FileInfo{{ID: "f1", Events: 10, Lumis: []store.LumiID{{Run: 1, Lumi: 1}}}}); err != nil {
		t.Fatalf("RegisterDataset failed: %v", err)
	}

	done, err := p.Done(ctx)
	if err != nil {
		t.Fatalf("Done failed: %v", err)
	}
	if done {
		t.Fatalf("expected Done to be false while a unit remains UNASSIGNED")
	}
}

func TestObtainWritesParameterDocument(t *testing.T) {
	p, st, _, dir := newTestProviderWithSink(t, monitor.Dummy{})
	ctx := context.Background()

	wf := store.Workflow{Label: "w1", Category: "default", Cores: 1, UnitsPerTask: 1}
	files := []store.FileInfo{{ID: "f1", Events: 10, Lumis: []store.LumiID{{Run: 1, Lumi: 1}}}}
	if err := st.RegisterDataset(ctx, wf, files); err != nil {
		t.Fatalf("RegisterDataset failed: %v", err)
	}

	descs, err := p.Obtain(ctx, 10, nil)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if len(descs) == 0 {
		t.Fatalf("expected at least one task to be obtained")
	}

	paramsInput := descs[0].Inputs[2].Local
	if filepath.Base(paramsInput) != "parameters.json" {
		t.Fatalf("expected third input to be parameters.json, got %q", paramsInput)
	}
	runningRoot := filepath.Join(dir, "w1", "running")
	if rel, err := filepath.Rel(runningRoot, paramsInput); err != nil || rel == ".." || len(rel) > 0 && rel[0] == '.' {
		t.Fatalf("expected parameters.json under %q, got %q", runningRoot, paramsInput)
	}
	if _, err := os.Stat(paramsInput); err != nil {
		t.Fatalf("expected parameters.json to exist at %q: %v", paramsInput, err)
	}
}

func TestUpdateReconcilesNonTerminalQueueEntries(t *testing.T) {
	sink := newFakeSink()
	p, _, exec, _ := newTestProviderWithSink(t, sink)
	ctx := context.Background()

	exec.inFlight = []executor.QueueEntry{
		{TaskID: 1, State: executor.QueueRunning},
		{TaskID: 2, State: executor.QueueDone},
		{TaskID: 3, State: executor.QueueWaitingRetrieval},
	}

	if err := p.Update(ctx); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if state, ok := sink.updates["1"]; !ok || state != monitor.StateRunning {
		t.Fatalf("expected task 1 to be reconciled to running, got %v (present=%v)", state, ok)
	}
	if _, ok := sink.updates["2"]; ok {
		t.Fatalf("did not expect a DONE queue entry to be reconciled")
	}
	if _, ok := sink.updates["3"]; ok {
		t.Fatalf("did not expect a WAITING_RETRIEVAL queue entry to be reconciled")
	}
}
