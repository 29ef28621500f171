// Package store implements the durable bookkeeping core: workflows, files,
// units and tasks, plus the dependency graph between workflows.
package store

import "time"

// UnitState is the lifecycle state of a single schedulable quantum.
type UnitState int

const (
	UnitUnassigned UnitState = 0
	UnitRunning    UnitState = 1
	UnitDone       UnitState = 2
	UnitFailed     UnitState = 3
	UnitPaused     UnitState = 4
	UnitMerging    UnitState = 7
	UnitMerged     UnitState = 8
	UnitPublished  UnitState = 6
)

func (s UnitState) String() string {
	switch s {
	case UnitUnassigned:
		return "UNASSIGNED"
	case UnitRunning:
		return "RUNNING"
	case UnitDone:
		return "DONE"
	case UnitFailed:
		return "FAILED"
	case UnitPaused:
		return "PAUSED"
	case UnitMerging:
		return "MERGING"
	case UnitMerged:
		return "MERGED"
	case UnitPublished:
		return "PUBLISHED"
	default:
		return "UNKNOWN"
	}
}

// TaskType distinguishes ordinary processing tasks from merge tasks.
type TaskType int

const (
	TaskProcess TaskType = 0
	TaskMerge   TaskType = 1
)

// TaskStatus mirrors the executor outcome plus internal bookkeeping codes.
type TaskStatus int

const (
	TaskRunning TaskStatus = iota
	TaskSucceeded
	TaskFailedStatus
	TaskCancelled
)

// Category is a named resource class shared across workflows.
type Category struct {
	Name       string `json:"name"`
	Cores      int    `json:"cores"`
	MemoryMB   int    `json:"memory_mb"`
	RuntimeMin int    `json:"runtime_min"`
	TasksMax   int    `json:"tasks_max"` // 0 means uncapped
}

// Workflow is a pipeline stage with a stable, globally-unique label.
type Workflow struct {
	Label        string  `json:"label"`
	Category     string  `json:"category"`
	Prerequisite string  `json:"prerequisite,omitempty"`
	MergeSize    int64   `json:"merge_size"`
	MergeCleanup bool    `json:"merge_cleanup"`
	Cores        int     `json:"cores"`
	OutputFiles  []string `json:"output_files"`
	UnitsPerTask int      `json:"units_per_task"`

	TotalEvents uint64 `json:"total_events"`
	TotalUnits  int    `json:"total_units"`

	// Aggregate counters, mutated only through store transactions.
	EventsProcessed uint64 `json:"events_processed"`
	Registered      bool   `json:"registered"`
}

// File belongs to exactly one workflow.
type File struct {
	ID       string   `json:"id"`
	Workflow string   `json:"workflow"`
	Events   uint64   `json:"events"`
	Bytes    int64    `json:"bytes"`
	Skipped  bool     `json:"skipped"`
	Lumis    []LumiID `json:"lumis"`
}

// LumiID identifies a unit within a file: a (run, lumi) pair.
type LumiID struct {
	Run  int `json:"run"`
	Lumi int `json:"lumi"`
}

// Unit is the atomic schedulable quantum.
type Unit struct {
	Workflow        string    `json:"workflow"`
	FileID          string    `json:"file_id"`
	Lumi            LumiID    `json:"lumi"`
	State           UnitState `json:"state"`
	TaskID          int64     `json:"task_id"` // 0 when unassigned
	RetryCount      int       `json:"retry_count"`
	EventsProcessed uint64    `json:"events_processed"`
}

// Key returns the store's ordering key for a unit: ascending (file, lumi).
func (u Unit) Key() string {
	return u.FileID + "\x00" + lumiKey(u.Lumi)
}

func lumiKey(l LumiID) string {
	// zero-padded so lexicographic order matches numeric order for any
	// realistic run/lumi range (fits 10 digits, CMS runs are <= 999999).
	return padInt(l.Run, 10) + "\x00" + padInt(l.Lumi, 10)
}

func padInt(n, width int) string {
	s := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		s[i] = byte('0' + n%10)
		n /= 10
	}
	return string(s)
}

// Task is a packet of work handed to the executor.
type Task struct {
	ID          int64      `json:"id"`
	Workflow    string     `json:"workflow"`
	Category    string     `json:"category"`
	Type        TaskType   `json:"type"`
	Status      TaskStatus `json:"status"`
	Units       []UnitRef  `json:"units"`      // covered units, for PROCESS tasks
	Components  []int64    `json:"components"` // component task ids, for MERGE tasks
	Taper       float64    `json:"taper"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	OutputBytes int64      `json:"output_bytes"` // set on success, used for merge bucket packing
	MergedInto  int64      `json:"merged_into"`  // 0 until claimed by a merge task; -1 when merged without one
}

// UnitRef identifies one unit within a task's batch.
type UnitRef struct {
	FileID string `json:"file_id"`
	Lumi   LumiID `json:"lumi"`
}

// Dependency is a directed edge W_parent -> W_child.
type Dependency struct {
	Parent        string `json:"parent"`
	Child         string `json:"child"`
	UnitsExpected int    `json:"units_expected"`
}

// TaskBatch is what pop_units/pop_unmerged_tasks hand back to the caller.
type TaskBatch struct {
	TaskID     int64
	Workflow   string
	Files      []string
	Units      []UnitRef
	UniqueArg  int
	Merge      bool
	Components []int64
}

// FileInfo is what a dataset backend or an upstream task's output reports
// for a single file, used by register_dataset/register_files.
type FileInfo struct {
	ID     string
	Events uint64
	Bytes  int64
	Lumis  []LumiID
}

// TaskUpdate/FileUpdate/UnitUpdate are the three update streams produced by
// TaskHandler.Process and applied atomically by UpdateUnits.
type TaskUpdate struct {
	TaskID      int64
	Status      TaskStatus
	OutputBytes int64 // reported on success, used for merge bucket packing
}

type FileUpdate struct {
	FileID          string
	Workflow        string
	EventsProcessed uint64
	Skipped         bool
}

type UnitUpdate struct {
	Workflow        string
	FileID          string
	Lumi            LumiID
	State           UnitState
	EventsProcessed uint64
}

// Update bundles the three update streams for one task's release.
type Update struct {
	Task  TaskUpdate
	Files []FileUpdate
	Units []UnitUpdate
}
