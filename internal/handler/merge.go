package handler

import (
	"fmt"

	"github.com/lobster-hep/lobster/internal/store"
	"github.com/lobster-hep/lobster/internal/summary"
)

// MergeTaskHandler extends TaskHandler for MERGE tasks: its inputs are
// the report documents and output files of previously successful PROCESS
// tasks. On success it produces one merged report; on failure the
// component tasks remain DONE, not lost.
type MergeTaskHandler struct {
	TaskHandler
	Components    []int64
	ComponentDirs map[int64]string // task id -> its successful/ report dir
}

// NewMergeTaskHandler builds a handler for a MERGE task covering the given
// component PROCESS task ids.
func NewMergeTaskHandler(id int64, workflow string, components []int64, dirs map[int64]string) *MergeTaskHandler {
	return &MergeTaskHandler{
		TaskHandler:   TaskHandler{ID: id, Workflow: workflow},
		Components:    components,
		ComponentDirs: dirs,
	}
}

// MergeReports combines component report.json documents into one merged
// report: events_processed is summed and lumi lists concatenated per
// output file name exactly as it appears in the component reports; names
// are not reduced to their basename.
func MergeReports(reports []ParsedReport) ParsedReport {
	merged := ParsedReport{PerFile: make(map[string]FileResult)}
	for _, r := range reports {
		for fn, res := range r.PerFile {
			existing, ok := merged.PerFile[fn]
			if !ok {
				merged.PerFile[fn] = FileResult{Events: res.Events, Lumis: append([][2]int{}, res.Lumis...)}
				continue
			}
			existing.Events += res.Events
			existing.Lumis = append(existing.Lumis, res.Lumis...)
			merged.PerFile[fn] = existing
		}
	}
	return merged
}

// Process classifies the merge executor result. On success, it reads and
// combines every component's report, and the caller's store update marks
// the MERGE task succeeded so UpdateUnits promotes all components' units
// to MERGED. On failure, components stay DONE and are left for a later
// PopUnmergedTasks attempt.
func (h *MergeTaskHandler) Process(result ExecutorResult, s *summary.ReleaseSummary) (failed bool, update store.Update) {
	update.Task.TaskID = h.ID

	if result.Flag != FlagNone {
		s.WQ(int(result.Flag), fmt.Sprint(h.ID))
		update.Task.Status = store.TaskFailedStatus
		return true, update
	}

	var reports []ParsedReport
	for _, cid := range h.Components {
		dir, ok := h.ComponentDirs[cid]
		if !ok {
			continue
		}
		r, err := ParseReport(dir + "/report.json")
		if err != nil {
			continue
		}
		reports = append(reports, r)
	}

	if result.ExitCode != 0 {
		s.Exe(result.ExitCode, fmt.Sprint(h.ID))
		update.Task.Status = store.TaskFailedStatus
		return true, update
	}

	s.Exe(0, fmt.Sprint(h.ID))
	h.OutputInfo = MergeReports(reports).PerFile
	update.Task.Status = store.TaskSucceeded
	return false, update
}
