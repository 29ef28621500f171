// Package summary aggregates per-release diagnostics into a single
// human-readable block, the way source.py's ReleaseSummary does.
package summary

import (
	"fmt"
	"sort"
	"strings"
)

// flagNames mirrors the work-queue result flags a completed task may
// report, in the core's own numbering (see handler.ExecutorFlag).
var flagNames = map[int]string{
	1:   "missing input",
	2:   "missing output",
	4:   "no stdout",
	8:   "signal received",
	16:  "exhausted resources",
	32:  "time out",
	64:  "unclassified error",
	128: "unrelated error",
	256: "exceed # retries",
	512: "exceeded runtime",
}

// ReleaseSummary collects per-exit-code and per-flag task id lists, task
// directory paths, and tasks whose resource monitoring was unavailable,
// then renders a single multi-line block for the operator log.
type ReleaseSummary struct {
	exe      map[int][]string
	wq       map[int][]string
	taskdirs map[string]string
	monitors []string
}

// New returns an empty summary for one release cycle.
func New() *ReleaseSummary {
	return &ReleaseSummary{
		exe:      make(map[int][]string),
		wq:       make(map[int][]string),
		taskdirs: make(map[string]string),
	}
}

// Exe records a task's exit status.
func (s *ReleaseSummary) Exe(status int, taskID string) {
	s.exe[status] = append(s.exe[status], taskID)
}

// WQ records every work-queue flag bit set on a task's result.
func (s *ReleaseSummary) WQ(status int, taskID string) {
	for flag := range flagNames {
		if status&flag != 0 {
			s.wq[flag] = append(s.wq[flag], taskID)
		}
	}
}

// Dir records the on-disk directory a task's parameters and logs live in.
func (s *ReleaseSummary) Dir(taskID, dir string) {
	s.taskdirs[taskID] = dir
}

// Monitor records a task whose resource-monitoring output was unavailable.
func (s *ReleaseSummary) Monitor(taskID string) {
	s.monitors = append(s.monitors, taskID)
}

// String renders the summary block: one line per exit status with its
// task ids (and log locations for non-zero statuses), one line per
// work-queue flag with its task ids and log locations, and a final line
// for tasks with unavailable resource monitoring.
func (s *ReleaseSummary) String() string {
	var b strings.Builder
	b.WriteString("received the following task(s):\n")

	statuses := make([]int, 0, len(s.exe))
	for st := range s.exe {
		statuses = append(statuses, st)
	}
	sort.Ints(statuses)
	for _, st := range statuses {
		ids := s.exe[st]
		fmt.Fprintf(&b, "returned with status %d: %s\n", st, strings.Join(ids, ", "))
		if st != 0 {
			fmt.Fprintf(&b, "parameters and logs in:\n\t%s\n", strings.Join(s.dirsFor(ids), "\n\t"))
		}
	}

	flags := make([]int, 0, len(s.wq))
	for f := range s.wq {
		flags = append(flags, f)
	}
	sort.Ints(flags)
	for _, f := range flags {
		ids := s.wq[f]
		fmt.Fprintf(&b, "failed due to %s: %s\nparameters and logs in:\n\t%s\n",
			flagNames[f], strings.Join(ids, ", "), strings.Join(s.dirsFor(ids), "\n\t"))
	}

	if len(s.monitors) > 0 {
		fmt.Fprintf(&b, "resource monitoring unavailable for the following tasks: %s\n", strings.Join(s.monitors, ", "))
	}

	out := b.String()
	return strings.TrimSuffix(out, "\n")
}

func (s *ReleaseSummary) dirsFor(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.taskdirs[id])
	}
	return out
}
