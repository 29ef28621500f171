// Package handler implements the per-task mediators that turn a unit
// assignment into a parameter document for the executor, and turn the
// executor's result back into structured store updates.
package handler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lobster-hep/lobster/internal/store"
	"github.com/lobster-hep/lobster/internal/summary"
)

// ExecutorFlag mirrors the work-queue result flags the executor reports
// alongside a completed task, per spec §6/§7.
type ExecutorFlag int

const (
	FlagNone               ExecutorFlag = 0
	FlagInputMissing       ExecutorFlag = 1
	FlagOutputMissing      ExecutorFlag = 2
	FlagStdoutMissing      ExecutorFlag = 4
	FlagSignal             ExecutorFlag = 8
	FlagResourceExhaustion ExecutorFlag = 16
	FlagTimeout            ExecutorFlag = 32
	FlagUnknown            ExecutorFlag = 64
	FlagForsaken           ExecutorFlag = 128
	FlagMaxRetries         ExecutorFlag = 256
	FlagMaxRunTime         ExecutorFlag = 512
)

// ExecutorResult is the raw completion record handed back by the executor
// façade for one in-flight task.
type ExecutorResult struct {
	TaskID     int64
	Flag       ExecutorFlag
	ExitCode   int
	Hostname   string
	ReportPath string // path to report.json, empty/missing means unparseable
}

// Mask describes which files/lumis/events a task was asked to process.
type Mask struct {
	Files  []string
	Lumis  map[string][][2]int // file -> [(run, lumi), ...]
	Events *uint64
}

// Report is the executor-authored result document, report.json.
type Report struct {
	Files struct {
		Info map[string][2]interface{} `json:"info"` // file -> [events, lumis]
	} `json:"files"`
}

// ParsedReport is Report decoded into Go-native types.
type ParsedReport struct {
	PerFile map[string]FileResult
}

type FileResult struct {
	Events uint64
	Lumis  [][2]int
}

// ParseReport loads and decodes a report.json document.
func ParseReport(path string) (ParsedReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ParsedReport{}, err
	}
	var raw struct {
		Files struct {
			Info map[string]json.RawMessage `json:"info"`
		} `json:"files"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ParsedReport{}, err
	}
	out := ParsedReport{PerFile: make(map[string]FileResult, len(raw.Files.Info))}
	for fn, rm := range raw.Files.Info {
		var tuple []json.RawMessage
		if err := json.Unmarshal(rm, &tuple); err != nil || len(tuple) != 2 {
			return ParsedReport{}, fmt.Errorf("malformed file entry %q", fn)
		}
		var events uint64
		if err := json.Unmarshal(tuple[0], &events); err != nil {
			return ParsedReport{}, fmt.Errorf("malformed event count for %q", fn)
		}
		var lumis [][2]int
		if err := json.Unmarshal(tuple[1], &lumis); err != nil {
			return ParsedReport{}, fmt.Errorf("malformed lumi list for %q", fn)
		}
		out.PerFile[fn] = FileResult{Events: events, Lumis: lumis}
	}
	return out, nil
}

// TaskHandler mediates one in-flight PROCESS task.
type TaskHandler struct {
	ID       int64
	Workflow string
	Units    []store.UnitRef
	Dir      string
	Mask     Mask

	Outputs     []OutputFile // remote, local pairs
	OutputInfo  map[string]FileResult
	InputFiles  []string
}

// OutputFile is a (remote, local) output path pair for a task.
type OutputFile struct {
	Remote string
	Local  string
}

// NewTaskHandler builds the handler owning the unit-to-task mapping for
// one batch popped from the store.
func NewTaskHandler(id int64, workflow string, units []store.UnitRef, dir string) *TaskHandler {
	return &TaskHandler{ID: id, Workflow: workflow, Units: units, Dir: dir}
}

// Adjust fills the per-task parameter document's mask and output file
// mapping. It does not set the monitoring ids (the caller does), and the
// inputs and storagePrefix arguments are not used.
func (h *TaskHandler) Adjust(doc *ParameterDocument, inputs, outputs []OutputFile, storagePrefix string) {
	files := make(map[string]bool)
	lumisByFile := map[string][][2]int{}
	for _, u := range h.Units {
		files[u.FileID] = true
		lumisByFile[u.FileID] = append(lumisByFile[u.FileID], [2]int{u.Lumi.Run, u.Lumi.Lumi})
	}
	var fileList []string
	for f := range files {
		fileList = append(fileList, f)
	}
	doc.Mask = Mask{Files: fileList, Lumis: lumisByFile}
	doc.OutputFiles = outputs
	h.Outputs = outputs
}

// Process classifies the executor's raw result, in order: work-queue flag,
// missing/malformed report, then authoritative exit code. On a DONE
// outcome, per-unit processed/skipped sets are diffed against the request
// mask so that a single task may emit both DONE and FAILED per-unit
// updates.
func (h *TaskHandler) Process(result ExecutorResult, s *summary.ReleaseSummary) (failed bool, update store.Update) {
	update.Task.TaskID = h.ID

	if result.Flag != FlagNone {
		s.WQ(int(result.Flag), fmt.Sprint(h.ID))
		return h.failAll(result, update)
	}

	report, err := ParseReport(result.ReportPath)
	if err != nil {
		s.Exe(unparseableExit, fmt.Sprint(h.ID))
		return h.failAll(result, update)
	}

	if result.ExitCode != 0 {
		s.Exe(result.ExitCode, fmt.Sprint(h.ID))
		return h.failAll(result, update)
	}

	s.Exe(0, fmt.Sprint(h.ID))
	h.OutputInfo = report.PerFile

	processed := map[store.UnitRef]bool{}
	for fn, res := range report.PerFile {
		base := filepath.Base(fn)
		for _, rl := range res.Lumis {
			processed[store.UnitRef{FileID: base, Lumi: store.LumiID{Run: rl[0], Lumi: rl[1]}}] = true
		}
	}

	for _, u := range h.Units {
		if processed[u] {
			update.Units = append(update.Units, store.UnitUpdate{
				Workflow: h.Workflow, FileID: u.FileID, Lumi: u.Lumi,
				State: store.UnitDone,
			})
		} else {
			update.Units = append(update.Units, store.UnitUpdate{
				Workflow: h.Workflow, FileID: u.FileID, Lumi: u.Lumi,
				State: store.UnitFailed,
			})
		}
	}

	update.Task.Status = store.TaskSucceeded
	update.Task.OutputBytes = totalBytes(report)
	return false, update
}

const unparseableExit = -1

func (h *TaskHandler) failAll(result ExecutorResult, update store.Update) (bool, store.Update) {
	update.Task.Status = store.TaskFailedStatus
	for _, u := range h.Units {
		update.Units = append(update.Units, store.UnitUpdate{
			Workflow: h.Workflow, FileID: u.FileID, Lumi: u.Lumi, State: store.UnitFailed,
		})
	}
	return true, update
}

// totalBytes is NOT a real byte count: report.json carries event counts
// per file but no size in bytes, so there is nothing authoritative to sum
// here. This weights by event count instead, which makes PopUnmergedTasks'
// merge_size bucket packing proportional to events, not bytes — an
// approximation of the byte accounting, not an implementation of it. A
// deployment that needs the real figure must stat each output file through
// the storage façade before calling Process and set Task.OutputBytes from
// that instead of trusting this function's return value.
func totalBytes(r ParsedReport) int64 {
	var total int64
	for _, f := range r.PerFile {
		total += int64(f.Events) * 1024
	}
	return total
}

// ParameterDocument is the parameters.json document written for a task,
// per spec §6.
type ParameterDocument struct {
	Mask        Mask                   `json:"mask"`
	Monitoring  MonitoringIDs          `json:"monitoring"`
	Arguments   []string               `json:"arguments"`
	OutputFiles []OutputFile           `json:"output files"`
	WantSummary bool                   `json:"want summary"`
	Executable  *string                `json:"executable"`
	Pset        *string                `json:"pset"`
	Prologue    []string               `json:"prologue"`
	Epilogue    []string               `json:"epilogue"`
}

// MonitoringIDs ties a task to its dashboard registration.
type MonitoringIDs struct {
	MonitorID string `json:"monitorid"`
	SyncID    string `json:"syncid"`
	TaskID    string `json:"taskid"`
}
