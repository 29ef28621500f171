package store

import (
	"context"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func openTest(t *testing.T) *UnitStore {
	t.Helper()
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	s, err := Open(filepath.Join(dir, "test.db"), Options{Meter: mp.Meter("test"), RetryLimit: 3})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func registerSimpleWorkflow(t *testing.T, s *UnitStore, label string, nFiles, lumisPerFile int) {
	t.Helper()
	var files []FileInfo
	for f := 0; f < nFiles; f++ {
		var lumis []LumiID
		for l := 0; l < lumisPerFile; l++ {
			lumis = append(lumis, LumiID{Run: 1, Lumi: l + 1})
		}
		files = append(files, FileInfo{ID: "file" + string(rune('a'+f)), Events: 100, Lumis: lumis})
	}
	err := s.RegisterDataset(context.Background(), Workflow{Label: label, Category: "default", UnitsPerTask: 2}, files)
	if err != nil {
		t.Fatalf("RegisterDataset failed: %v", err)
	}
}

func TestRegisterDatasetIdempotent(t *testing.T) {
	s := openTest(t)
	registerSimpleWorkflow(t, s, "w1", 2, 3)
	wf, ok := s.Workflow("w1")
	if !ok {
		t.Fatalf("workflow not found")
	}
	if wf.TotalUnits != 6 {
		t.Fatalf("expected 6 units, got %d", wf.TotalUnits)
	}
	// second registration is a no-op
	registerSimpleWorkflow(t, s, "w1", 2, 3)
	wf2, _ := s.Workflow("w1")
	if wf2.TotalUnits != 6 {
		t.Fatalf("re-registration changed unit count: %d", wf2.TotalUnits)
	}
}

func TestPopUnitsBatchesAndMarksRunning(t *testing.T) {
	s := openTest(t)
	registerSimpleWorkflow(t, s, "w1", 2, 3) // 6 units, 2 per task -> 3 batches

	batches, err := s.PopUnits(context.Background(), "w1", 10, 1.0)
	if err != nil {
		t.Fatalf("PopUnits failed: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	for _, b := range batches {
		if len(b.Units) != 2 {
			t.Fatalf("expected 2 units per batch, got %d", len(b.Units))
		}
	}

	// no more eligible units left
	more, err := s.PopUnits(context.Background(), "w1", 10, 1.0)
	if err != nil {
		t.Fatalf("PopUnits failed: %v", err)
	}
	if len(more) != 0 {
		t.Fatalf("expected no more units, got %d batches", len(more))
	}
}

func TestRegisterDependencyRejectsCycle(t *testing.T) {
	s := openTest(t)
	registerSimpleWorkflow(t, s, "a", 1, 1)
	registerSimpleWorkflow(t, s, "b", 1, 1)

	if err := s.RegisterDependency(context.Background(), Dependency{Parent: "a", Child: "b"}); err != nil {
		t.Fatalf("first dependency failed: %v", err)
	}
	if err := s.RegisterDependency(context.Background(), Dependency{Parent: "b", Child: "a"}); err == nil {
		t.Fatalf("expected cycle rejection")
	}
}

func TestUpdateUnitsRetryLimitPausesUnit(t *testing.T) {
	s := openTest(t)
	registerSimpleWorkflow(t, s, "w1", 1, 1)

	for i := 0; i < 3; i++ {
		batches, err := s.PopUnits(context.Background(), "w1", 1, 1.0)
		if err != nil {
			t.Fatalf("PopUnits failed: %v", err)
		}
		if len(batches) != 1 {
			t.Fatalf("expected 1 batch on attempt %d, got %d", i, len(batches))
		}
		upd := Update{
			Task: TaskUpdate{TaskID: batches[0].TaskID, Status: TaskFailedStatus},
			Units: []UnitUpdate{{
				Workflow: "w1", FileID: batches[0].Units[0].FileID, Lumi: batches[0].Units[0].Lumi, State: UnitFailed,
			}},
		}
		if err := s.UpdateUnits(context.Background(), []Update{upd}, 3); err != nil {
			t.Fatalf("UpdateUnits failed: %v", err)
		}
	}

	// third failure hits the retry cap, unit should now be PAUSED and no
	// longer eligible for pop.
	batches, err := s.PopUnits(context.Background(), "w1", 1, 1.0)
	if err != nil {
		t.Fatalf("PopUnits failed: %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("expected paused unit to be ineligible, got %d batches", len(batches))
	}
}

func TestPopUnmergedTasksSingleComponentFastPath(t *testing.T) {
	s := openTest(t)
	wf := Workflow{Label: "w1", Category: "default", UnitsPerTask: 1, MergeSize: 1 << 30}
	if err := s.RegisterDataset(context.Background(), wf, []FileInfo{
		{ID: "f1", Events: 10, Lumis: []LumiID{{Run: 1, Lumi: 1}}},
	}); err != nil {
		t.Fatalf("RegisterDataset failed: %v", err)
	}

	batches, err := s.PopUnits(context.Background(), "w1", 1, 1.0)
	if err != nil || len(batches) != 1 {
		t.Fatalf("PopUnits failed: %v (%d batches)", err, len(batches))
	}

	upd := Update{
		Task: TaskUpdate{TaskID: batches[0].TaskID, Status: TaskSucceeded, OutputBytes: 1024},
		Units: []UnitUpdate{{
			Workflow: "w1", FileID: batches[0].Units[0].FileID, Lumi: batches[0].Units[0].Lumi,
			State: UnitDone, EventsProcessed: 10,
		}},
	}
	if err := s.UpdateUnits(context.Background(), []Update{upd}, 3); err != nil {
		t.Fatalf("UpdateUnits failed: %v", err)
	}

	merges, err := s.PopUnmergedTasks(context.Background(), "w1", 1<<30, 10)
	if err != nil {
		t.Fatalf("PopUnmergedTasks failed: %v", err)
	}
	if len(merges) != 0 {
		t.Fatalf("single-component merge should not produce a MERGE task, got %d", len(merges))
	}

	merged, err := s.Merged(context.Background())
	if err != nil {
		t.Fatalf("Merged failed: %v", err)
	}
	if !merged {
		t.Fatalf("expected workflow fully merged after single-component fast path")
	}
}

func TestResetUnitsIsIdempotent(t *testing.T) {
	s := openTest(t)
	registerSimpleWorkflow(t, s, "w1", 1, 2)

	if _, err := s.PopUnits(context.Background(), "w1", 5, 1.0); err != nil {
		t.Fatalf("PopUnits failed: %v", err)
	}

	ids, err := s.ResetUnits(context.Background())
	if err != nil {
		t.Fatalf("ResetUnits failed: %v", err)
	}
	if len(ids) == 0 {
		t.Fatalf("expected at least one reset task")
	}

	again, err := s.ResetUnits(context.Background())
	if err != nil {
		t.Fatalf("second ResetUnits failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected second ResetUnits to be a no-op, got %d", len(again))
	}
}

func TestFailedUnitsAndSkippedFilesReporters(t *testing.T) {
	s := openTest(t)
	registerSimpleWorkflow(t, s, "w1", 1, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		batches, err := s.PopUnits(ctx, "w1", 1, 1.0)
		if err != nil {
			t.Fatalf("PopUnits failed: %v", err)
		}
		if len(batches) != 1 {
			t.Fatalf("expected 1 batch on attempt %d, got %d", i, len(batches))
		}
		upd := Update{
			Task: TaskUpdate{TaskID: batches[0].TaskID, Status: TaskFailedStatus},
			Files: []FileUpdate{{Workflow: "w1", FileID: batches[0].Units[0].FileID, Skipped: true}},
			Units: []UnitUpdate{{
				Workflow: "w1", FileID: batches[0].Units[0].FileID, Lumi: batches[0].Units[0].Lumi, State: UnitFailed,
			}},
		}
		if err := s.UpdateUnits(ctx, []Update{upd}, 3); err != nil {
			t.Fatalf("UpdateUnits failed: %v", err)
		}
	}

	failed, err := s.FailedUnits(ctx)
	if err != nil {
		t.Fatalf("FailedUnits failed: %v", err)
	}
	if failed["w1"] != 1 {
		t.Fatalf("expected 1 paused unit counted as failed for w1, got %d", failed["w1"])
	}

	skipped, err := s.SkippedFiles(ctx)
	if err != nil {
		t.Fatalf("SkippedFiles failed: %v", err)
	}
	if len(skipped["w1"]) != 1 || skipped["w1"][0] != "filea" {
		t.Fatalf("expected filea marked skipped for w1, got %v", skipped["w1"])
	}

	report, err := s.WorkflowStatus(ctx, "w1")
	if err != nil {
		t.Fatalf("WorkflowStatus failed: %v", err)
	}
	if report.PausedUnits != 1 {
		t.Fatalf("expected 1 paused unit in workflow_status report, got %d", report.PausedUnits)
	}
	if report.TotalUnits != 1 {
		t.Fatalf("expected total_units 1, got %d", report.TotalUnits)
	}
}
