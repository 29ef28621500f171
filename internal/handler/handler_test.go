package handler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lobster-hep/lobster/internal/store"
	"github.com/lobster-hep/lobster/internal/summary"
)

func writeReport(t *testing.T, dir string, info map[string][2]any) string {
	t.Helper()
	path := filepath.Join(dir, "report.json")
	doc := map[string]any{"files": map[string]any{"info": info}}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	return path
}

func TestTaskHandlerProcessAllDone(t *testing.T) {
	dir := t.TempDir()
	reportPath := writeReport(t, dir, map[string][2]any{
		"f1": {uint64(10), [][2]int{{1, 1}, {1, 2}}},
	})

	h := NewTaskHandler(1, "wf", []store.UnitRef{
		{FileID: "f1", Lumi: store.LumiID{Run: 1, Lumi: 1}},
		{FileID: "f1", Lumi: store.LumiID{Run: 1, Lumi: 2}},
	}, dir)

	s := summary.New()
	failed, update := h.Process(ExecutorResult{TaskID: 1, ReportPath: reportPath}, s)
	if failed {
		t.Fatalf("expected success")
	}
	if update.Task.Status != store.TaskSucceeded {
		t.Fatalf("expected TaskSucceeded, got %v", update.Task.Status)
	}
	for _, u := range update.Units {
		if u.State != store.UnitDone {
			t.Fatalf("expected all units DONE, got %v", u.State)
		}
	}
}

func TestTaskHandlerProcessPartialFailure(t *testing.T) {
	dir := t.TempDir()
	// report only covers lumi 1; lumi 2 is missing from the processed mask.
	reportPath := writeReport(t, dir, map[string][2]any{
		"f1": {uint64(10), [][2]int{{1, 1}}},
	})

	h := NewTaskHandler(2, "wf", []store.UnitRef{
		{FileID: "f1", Lumi: store.LumiID{Run: 1, Lumi: 1}},
		{FileID: "f1", Lumi: store.LumiID{Run: 1, Lumi: 2}},
	}, dir)

	s := summary.New()
	failed, update := h.Process(ExecutorResult{TaskID: 2, ReportPath: reportPath}, s)
	if failed {
		t.Fatalf("a partially-processed task should not fail the whole batch")
	}
	var done, bad int
	for _, u := range update.Units {
		if u.State == store.UnitDone {
			done++
		} else if u.State == store.UnitFailed {
			bad++
		}
	}
	if done != 1 || bad != 1 {
		t.Fatalf("expected 1 done, 1 failed; got done=%d failed=%d", done, bad)
	}
}

func TestTaskHandlerProcessExecutorFlagFailsAll(t *testing.T) {
	h := NewTaskHandler(3, "wf", []store.UnitRef{
		{FileID: "f1", Lumi: store.LumiID{Run: 1, Lumi: 1}},
	}, t.TempDir())

	s := summary.New()
	failed, update := h.Process(ExecutorResult{TaskID: 3, Flag: FlagTimeout}, s)
	if !failed {
		t.Fatalf("expected failure on non-zero executor flag")
	}
	if update.Task.Status != store.TaskFailedStatus {
		t.Fatalf("expected TaskFailedStatus, got %v", update.Task.Status)
	}
}

func TestTaskHandlerProcessMissingReportFailsAll(t *testing.T) {
	h := NewTaskHandler(4, "wf", []store.UnitRef{
		{FileID: "f1", Lumi: store.LumiID{Run: 1, Lumi: 1}},
	}, t.TempDir())

	s := summary.New()
	failed, _ := h.Process(ExecutorResult{TaskID: 4, ReportPath: filepath.Join(t.TempDir(), "missing.json")}, s)
	if !failed {
		t.Fatalf("expected failure when report.json is unreadable")
	}
}

func TestMergeReportsSumsAndConcatenates(t *testing.T) {
	a := ParsedReport{PerFile: map[string]FileResult{"out.root": {Events: 100, Lumis: [][2]int{{1, 1}}}}}
	b := ParsedReport{PerFile: map[string]FileResult{"out.root": {Events: 50, Lumis: [][2]int{{1, 2}}}}}

	merged := MergeReports([]ParsedReport{a, b})
	got := merged.PerFile["out.root"]
	if got.Events != 150 {
		t.Fatalf("expected summed events 150, got %d", got.Events)
	}
	if len(got.Lumis) != 2 {
		t.Fatalf("expected 2 concatenated lumis, got %d", len(got.Lumis))
	}
}
