// Package provider implements the TaskProvider scheduler: the central
// policy engine that decides how many tasks to create per workflow each
// cycle, allocates work across categories under a resource cap, and
// handles release (success, failure, merging, dependency propagation).
package provider

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lobster-hep/lobster/internal/auth"
	"github.com/lobster-hep/lobster/internal/config"
	"github.com/lobster-hep/lobster/internal/executor"
	"github.com/lobster-hep/lobster/internal/handler"
	"github.com/lobster-hep/lobster/internal/layout"
	"github.com/lobster-hep/lobster/internal/monitor"
	"github.com/lobster-hep/lobster/internal/statusfile"
	"github.com/lobster-hep/lobster/internal/storage"
	"github.com/lobster-hep/lobster/internal/store"
	"github.com/lobster-hep/lobster/internal/summary"
)

// Handler is the common surface TaskProvider needs from a live task's
// mediator, satisfied by both handler.TaskHandler and
// handler.MergeTaskHandler.
type Handler interface {
	Process(result handler.ExecutorResult, s *summary.ReleaseSummary) (failed bool, update store.Update)
}

// TaskProvider is the scheduler described in spec §4.4.
type TaskProvider struct {
	cfg     *config.Config
	store   *store.UnitStore
	exec    executor.Facade
	stor    storage.Facade
	sink    monitor.Sink
	issuer  *auth.Issuer
	logger  *slog.Logger
	tracer  trace.Tracer

	taskID  string // run-wide checkpoint id, lobster_<label>_<hex16>

	handlers map[int64]Handler
	compDirs map[int64]string // PROCESS task id -> its successful/ dir, for merge inputs

	obtainedTasks metric.Int64Counter
	cycleLatency  metric.Float64Histogram
}

// New builds a TaskProvider. taskID should come from Bootstrap.
func New(cfg *config.Config, st *store.UnitStore, exec executor.Facade, stor storage.Facade, sink monitor.Sink, issuer *auth.Issuer, meter metric.Meter, tracer trace.Tracer, logger *slog.Logger, taskID string) *TaskProvider {
	if logger == nil {
		logger = slog.Default()
	}
	obtained, _ := meter.Int64Counter("lobster_provider_tasks_obtained_total")
	cycleLatency, _ := meter.Float64Histogram("lobster_provider_cycle_ms")
	return &TaskProvider{
		cfg: cfg, store: st, exec: exec, stor: stor, sink: sink, issuer: issuer,
		logger: logger, tracer: tracer, taskID: taskID,
		handlers: make(map[int64]Handler), compDirs: make(map[int64]string),
		obtainedTasks: obtained, cycleLatency: cycleLatency,
	}
}

// Bootstrap computes (or recovers) the run-wide checkpoint id, the way
// source.py's TaskProvider constructor derives `lobster_<label>_<hex16>`
// on first run and reloads it on restart.
func Bootstrap(label, existing string) string {
	if existing != "" {
		return existing
	}
	sum := sha1.Sum([]byte(fmt.Sprintf("%s-%d", label, time.Now().UnixNano())))
	return fmt.Sprintf("lobster_%s_%x", label, sum[len(sum)-8:])
}

type workflowShare struct {
	label string
	cores int // ceil(tasksLeft) * category.cores
}

// Obtain decides how many new tasks to create this cycle and returns
// executor-ready descriptors. Merge tasks are created first and bypass
// category fair-sharing; the remaining hunger is distributed across
// categories proportional to outstanding work, clamped by any category
// cap.
func (p *TaskProvider) Obtain(ctx context.Context, totalCores int, inQueue map[string]int) ([]executor.Descriptor, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "provider.obtain")
	defer span.End()
	defer func() {
		p.cycleLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("phase", "obtain")))
	}()

	var batches []store.TaskBatch

	// Step 1: merge tasks first, always, bypassing fair-sharing.
	for _, wf := range p.store.Workflows() {
		if wf.MergeSize <= 0 {
			continue
		}
		mbs, err := p.store.PopUnmergedTasks(ctx, wf.Label, wf.MergeSize, 10)
		if err != nil {
			return nil, err
		}
		batches = append(batches, mbs...)
	}

	// Step 2: residual work per workflow.
	incomplete := map[string]map[string]int{} // category -> label -> cores of remaining work
	complete := map[string]map[string]int{}
	sizes := map[string]int{}

	for _, wf := range p.store.Workflows() {
		completeFlag, unitsLeft, tasksLeft, err := p.store.WorkLeft(ctx, wf.Label)
		if err != nil {
			return nil, err
		}
		if !completeFlag && tasksLeft < 1 {
			continue
		}
		if unitsLeft == 0 {
			continue
		}
		cat := wf.Category
		cores := int(math.Ceil(tasksLeft)) * wf.Cores
		sizes[cat] += cores
		if completeFlag {
			if complete[cat] == nil {
				complete[cat] = map[string]int{}
			}
			complete[cat][wf.Label] = cores
		} else {
			if incomplete[cat] == nil {
				incomplete[cat] = map[string]int{}
			}
			incomplete[cat][wf.Label] = cores
		}
	}

	// Step 3: hunger.
	need := totalCores + maxInt(int(math.Ceil(0.1*float64(totalCores))), p.cfg.Advanced.PayloadFloor)
	for name, queued := range inQueue {
		if cat, ok := p.categoryConfig(name); ok {
			need -= cat.Cores * queued
		}
	}
	hunger := maxInt(need, 0)

	if hunger == 0 {
		return p.buildDescriptors(ctx, batches)
	}

	// Step 4: fair-share across categories, tightest cap first.
	cats := p.orderedCategories(sizes)
	count := 0
	for _, c := range sizes {
		count += c
	}

	for _, cat := range cats {
		if cat.Name == "merge" {
			continue
		}
		catSize, ok := sizes[cat.Name]
		if !ok || count == 0 {
			continue
		}

		ccores := int(math.Ceil(float64(hunger) * float64(catSize) / float64(count)))
		if cat.TasksMax > 0 {
			cap := (cat.TasksMax - inQueue[cat.Name]) * cat.Cores
			if cap < 0 {
				cap = 0
			}
			ccores = minInt(ccores, cap)
		}
		ctotal := catSize

		for _, label := range sortedLabels(incomplete[cat.Name]) {
			left := incomplete[cat.Name][label]
			var popped []store.TaskBatch
			if ccores > 0 {
				ntasks := maxInt(1, int(math.Ceil(float64(ccores*left)/(float64(ctotal)*float64(cat.Cores)))))
				pb, err := p.store.PopUnits(ctx, label, ntasks, 1.0)
				if err != nil {
					return nil, err
				}
				popped = pb
			}
			ccores -= len(popped) * cat.Cores
			hunger -= len(popped) * cat.Cores
			ctotal -= left
			batches = append(batches, popped...)
		}

		for _, label := range sortedLabels(complete[cat.Name]) {
			left := complete[cat.Name][label]
			var popped []store.TaskBatch
			if ccores > 0 {
				ntasks := maxInt(1, int(math.Ceil(float64(ccores*left)/(float64(ctotal)*float64(cat.Cores)))))
				taper := math.Min(1, float64(left)/(float64(ntasks)*float64(cat.Cores)))
				pb, err := p.store.PopUnits(ctx, label, ntasks, taper)
				if err != nil {
					return nil, err
				}
				popped = pb
			}
			ccores -= len(popped) * cat.Cores
			hunger -= len(popped) * cat.Cores
			ctotal -= left
			batches = append(batches, popped...)
		}

		count -= catSize
	}

	return p.buildDescriptors(ctx, batches)
}

func (p *TaskProvider) categoryConfig(name string) (config.CategoryConfig, bool) {
	for _, c := range p.cfg.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return config.CategoryConfig{}, false
}

// orderedCategories returns the categories with outstanding work, capped
// categories first in ascending (tasks_max * cores) order (tightest bound
// satisfied most precisely), uncapped categories last, ties broken by name.
func (p *TaskProvider) orderedCategories(sizes map[string]int) []config.CategoryConfig {
	var capped, uncapped []config.CategoryConfig
	for _, c := range p.cfg.Categories {
		if _, ok := sizes[c.Name]; !ok {
			continue
		}
		if c.TasksMax > 0 {
			capped = append(capped, c)
		} else {
			uncapped = append(uncapped, c)
		}
	}
	sort.Slice(capped, func(i, j int) bool {
		a, b := capped[i], capped[j]
		pa, pb := a.TasksMax*a.Cores, b.TasksMax*b.Cores
		if pa != pb {
			return pa < pb
		}
		return a.Name < b.Name
	})
	sort.Slice(uncapped, func(i, j int) bool { return uncapped[i].Name < uncapped[j].Name })
	return append(capped, uncapped...)
}

func sortedLabels(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// buildDescriptors instantiates a TaskHandler (or MergeTaskHandler) per
// batch and assembles the executor descriptor, registering the task id with
// the monitoring sink. Each PROCESS task gets its parameter document written
// to its running/ directory; MERGE descriptors carry only the category,
// command and task id, with no parameter document and no file transfers.
func (p *TaskProvider) buildDescriptors(ctx context.Context, batches []store.TaskBatch) ([]executor.Descriptor, error) {
	var out []executor.Descriptor
	for _, b := range batches {
		dir := layout.TaskDir(p.cfg.Workdir, b.Workflow, b.TaskID)

		monitorID, syncID, err := p.sink.RegisterTask(ctx, fmt.Sprint(b.TaskID))
		if err != nil {
			p.logger.Warn("monitor register_task failed", "task_id", b.TaskID, "error", err)
		}

		if b.Merge {
			dirs := make(map[int64]string, len(b.Components))
			for _, cid := range b.Components {
				dirs[cid] = filepath.Dir(layout.ReportPath(p.cfg.Workdir, b.Workflow, cid))
			}
			h := handler.NewMergeTaskHandler(b.TaskID, b.Workflow, b.Components, dirs)
			p.handlers[b.TaskID] = h
			out = append(out, executor.Descriptor{
				Category: "merge",
				Command:  "sh wrapper.sh python merge.py parameters.json",
				TaskID:   b.TaskID,
			})
			continue
		}

		h := handler.NewTaskHandler(b.TaskID, b.Workflow, b.Units, dir)
		doc := &handler.ParameterDocument{
			WantSummary: true,
			Monitoring:  handler.MonitoringIDs{MonitorID: monitorID, SyncID: syncID, TaskID: p.taskID},
		}
		h.Adjust(doc, nil, nil, p.cfg.Storage.Endpoint)
		p.handlers[b.TaskID] = h

		if err := writeParameterDocument(dir, doc); err != nil {
			return nil, fmt.Errorf("write parameters.json for task %d: %w", b.TaskID, err)
		}

		var credential string
		if p.issuer != nil {
			if cred, err := p.issuer.Issue(b.TaskID, b.Workflow); err == nil {
				credential = cred
			}
		}
		inputs := []executor.FileTransfer{
			{Local: "wrapper.sh", Remote: "wrapper.sh"},
			{Local: "task.py", Remote: "task.py"},
			{Local: dir + "/parameters.json", Remote: "parameters.json"},
		}
		if credential != "" {
			if err := os.WriteFile(filepath.Join(dir, "auth.jwt"), []byte(credential), 0600); err != nil {
				return nil, fmt.Errorf("write auth.jwt for task %d: %w", b.TaskID, err)
			}
			inputs = append(inputs, executor.FileTransfer{Local: dir + "/auth.jwt", Remote: "auth.jwt"})
		}

		out = append(out, executor.Descriptor{
			Category: wfCategory(p.cfg, b.Workflow),
			Command:  "sh wrapper.sh python task.py parameters.json",
			TaskID:   b.TaskID,
			Inputs:   inputs,
			Outputs: []executor.FileTransfer{
				{Local: dir + "/report.json", Remote: "report.json"},
				{Local: dir + "/executable.log.gz", Remote: "executable.log.gz"},
			},
		})
	}
	p.obtainedTasks.Add(ctx, int64(len(out)))
	return out, nil
}

// writeParameterDocument creates a task's running/ directory and persists
// its parameter document to parameters.json, the file the executor fetches
// as the task's input alongside wrapper.sh and task.py.
func writeParameterDocument(dir string, doc *handler.ParameterDocument) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "parameters.json"), data, 0644)
}

func wfCategory(cfg *config.Config, label string) string {
	for _, w := range cfg.Workflows {
		if w.Label == label {
			return w.Category
		}
	}
	return ""
}

// Release ingests completed tasks, applies their updates to the store in
// one batch transaction, propagates outputs downstream, and performs
// best-effort cleanup.
func (p *TaskProvider) Release(ctx context.Context, completed []executor.Completed) (*summary.ReleaseSummary, error) {
	ctx, span := p.tracer.Start(ctx, "provider.release")
	defer span.End()

	s := summary.New()
	var updates []store.Update
	var cleanup []string
	propagate := map[string]map[string]store.FileInfo{}

	for _, c := range completed {
		_ = p.sink.UpdateTask(ctx, fmt.Sprint(c.Tag), monitor.StateDone)

		h, ok := p.handlers[c.Tag]
		if !ok {
			continue
		}
		result := handler.ExecutorResult{
			TaskID: c.Tag, Flag: handler.ExecutorFlag(c.ResultFlag), ExitCode: c.ExitCode,
			Hostname: c.Hostname, ReportPath: filepath.Join(layout.TaskDir(p.cfg.Workdir, workflowOfHandler(h), c.Tag), "report.json"),
		}

		failed, update := h.Process(result, s)

		wfLabel := workflowOfHandler(h)
		var dir string
		var err error
		if failed {
			dir, err = layout.Move(p.cfg.Workdir, wfLabel, c.Tag, layout.StatusFailed)
		} else {
			dir, err = layout.Move(p.cfg.Workdir, wfLabel, c.Tag, layout.StatusSuccessful)
			p.compDirs[c.Tag] = dir
		}
		if err != nil {
			p.logger.Warn("task directory move failed", "task_id", c.Tag, "error", err)
		} else if failed {
			s.Dir(fmt.Sprint(c.Tag), dir)
		}

		if !failed {
			if th, ok := h.(*handler.TaskHandler); ok {
				wf, _ := p.store.Workflow(wfLabel)
				if wf.MergeSize <= 0 {
					for _, dep := range p.store.Dependents(wfLabel) {
						if propagate[dep.Child] == nil {
							propagate[dep.Child] = map[string]store.FileInfo{}
						}
						for fn, info := range th.OutputInfo {
							propagate[dep.Child][fn] = store.FileInfo{ID: fn, Events: info.Events, Lumis: lumisOf(info)}
						}
					}
				}
			}
			if mh, ok := h.(*handler.MergeTaskHandler); ok {
				wf, _ := p.store.Workflow(wfLabel)
				for _, dep := range p.store.Dependents(wfLabel) {
					if propagate[dep.Child] == nil {
						propagate[dep.Child] = map[string]store.FileInfo{}
					}
					for fn, info := range mh.OutputInfo {
						propagate[dep.Child][fn] = store.FileInfo{ID: fn, Events: info.Events, Lumis: lumisOf(info)}
					}
				}
				if wf.MergeCleanup {
					for _, cid := range mh.Components {
						if d, ok := p.compDirs[cid]; ok {
							cleanup = append(cleanup, d+"/report.json")
						}
					}
				}
			}
		} else if th, ok := h.(*handler.TaskHandler); ok {
			cleanup = append(cleanup, outputPaths(th.Outputs)...)
		}

		_ = p.sink.UpdateTask(ctx, fmt.Sprint(c.Tag), monitor.StateRetrieved)
		updates = append(updates, update)
		delete(p.handlers, c.Tag)
	}

	_ = p.sink.Free(ctx)

	if len(cleanup) > 0 {
		if err := p.stor.Remove(ctx, cleanup...); err != nil {
			p.logger.Warn("cleanup failed", "error", err)
		}
	}

	if len(updates) > 0 {
		p.logger.Info(s.String())
		if err := p.store.UpdateUnits(ctx, updates, p.cfg.Advanced.RetryLimit); err != nil {
			return s, err
		}
	}

	for label, infos := range propagate {
		list := make([]store.FileInfo, 0, len(infos))
		for _, info := range infos {
			list = append(list, info)
		}
		if err := p.store.RegisterFiles(ctx, list, label); err != nil {
			return s, err
		}
	}

	return s, nil
}

func workflowOfHandler(h Handler) string {
	switch v := h.(type) {
	case *handler.TaskHandler:
		return v.Workflow
	case *handler.MergeTaskHandler:
		return v.Workflow
	default:
		return ""
	}
}

func outputPaths(outputs []handler.OutputFile) []string {
	out := make([]string, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, o.Local)
	}
	return out
}

func lumisOf(f handler.FileResult) []store.LumiID {
	out := make([]store.LumiID, 0, len(f.Lumis))
	for _, rl := range f.Lumis {
		out = append(out, store.LumiID{Run: rl[0], Lumi: rl[1]})
	}
	return out
}

// Update reconciles monitoring-sink state for every task the executor
// still considers in flight, skipping states the dashboard has no use for:
// DONE (already reported via Release) and WAITING_RETRIEVAL (not a valid
// dashboard state). Best-effort: sink errors are logged, not returned.
func (p *TaskProvider) Update(ctx context.Context) error {
	entries, err := p.exec.InFlight(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.State == executor.QueueDone || e.State == executor.QueueWaitingRetrieval {
			continue
		}
		if err := p.sink.UpdateTask(ctx, fmt.Sprint(e.TaskID), monitor.StateRunning); err != nil {
			p.logger.Warn("dashboard update failed", "task_id", e.TaskID, "error", err)
		}
	}
	return nil
}

// Terminate marks all RUNNING tasks CANCELLED upstream. It does not mutate
// store state: a restart will call ResetUnits to reconcile.
func (p *TaskProvider) Terminate(ctx context.Context) error {
	ids, err := p.store.RunningTasks(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_ = p.sink.UpdateTask(ctx, fmt.Sprint(id), monitor.StateCancelled)
	}
	return p.exec.CancelAll(ctx)
}

// Done reports whether every workflow is fully merged and no units remain
// unfinished.
func (p *TaskProvider) Done(ctx context.Context) (bool, error) {
	merged, err := p.store.Merged(ctx)
	if err != nil {
		return false, err
	}
	left, err := p.store.UnfinishedUnits(ctx)
	if err != nil {
		return false, err
	}
	return merged && left == 0, nil
}

// TasksLeft estimates the number of tasks remaining across all workflows.
func (p *TaskProvider) TasksLeft(ctx context.Context) (float64, error) {
	return p.store.EstimateTasksLeft(ctx)
}

// Recover runs the restart-path reconciliation: ResetUnits, marking
// whatever was in flight ABORTED upstream.
func (p *TaskProvider) Recover(ctx context.Context) error {
	ids, err := p.store.ResetUnits(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_ = p.sink.UpdateTask(ctx, fmt.Sprint(id), monitor.StateAborted)
	}
	return nil
}

// Snapshot builds the status.yaml document for the run's current state.
func (p *TaskProvider) Snapshot(ctx context.Context) (statusfile.Snapshot, error) {
	snap := statusfile.Snapshot{Label: p.cfg.Label, UpdatedAt: time.Now()}

	for _, wf := range p.store.Workflows() {
		complete, unitsLeft, tasksLeft, err := p.store.WorkLeft(ctx, wf.Label)
		if err != nil {
			return snap, err
		}
		snap.Workflows = append(snap.Workflows, statusfile.WorkflowStatus{
			Label: wf.Label, Category: wf.Category, TotalUnits: wf.TotalUnits,
			EventsProcessed: wf.EventsProcessed, TasksLeft: tasksLeft, Complete: complete,
		})
		snap.TasksLeft += tasksLeft
		_ = unitsLeft
	}

	merged, err := p.store.Merged(ctx)
	if err != nil {
		return snap, err
	}
	left, err := p.store.UnfinishedUnits(ctx)
	if err != nil {
		return snap, err
	}
	snap.AllMerged = merged
	snap.Done = merged && left == 0
	return snap, nil
}

// Cycle runs one obtain/submit/poll/release iteration: it asks the store
// for new work, hands it to the executor, retrieves whatever finished
// since the last cycle, and releases it. It returns the number of tasks
// newly submitted and the release summary for anything retrieved, the
// latter nil when nothing completed this cycle.
func (p *TaskProvider) Cycle(ctx context.Context, totalCores int, inQueue map[string]int) (int, *summary.ReleaseSummary, error) {
	descriptors, err := p.Obtain(ctx, totalCores, inQueue)
	if err != nil {
		return 0, nil, err
	}
	if len(descriptors) > 0 {
		if err := p.exec.Submit(ctx, descriptors); err != nil {
			return 0, nil, err
		}
	}

	completed, err := p.exec.CompletedTasks(ctx)
	if err != nil {
		return len(descriptors), nil, err
	}
	if len(completed) == 0 {
		return len(descriptors), nil, nil
	}

	s, err := p.Release(ctx, completed)
	return len(descriptors), s, err
}
