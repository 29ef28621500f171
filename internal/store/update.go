package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.etcd.io/bbolt"
)

// UpdateUnits atomically applies a batch of task/file/unit updates.
// FAILED unit updates revert to UNASSIGNED unless the unit's retry count
// has reached retryLimit, in which case it goes to PAUSED. Successful
// MERGE task updates promote their components' units to MERGED.
func (s *UnitStore) UpdateUnits(ctx context.Context, updates []Update, retryLimit int) error {
	if len(updates) == 0 {
		return nil
	}
	if retryLimit <= 0 {
		retryLimit = s.retryLimit
	}

	return s.instrumentWrite(ctx, "update_units", func(tx *bbolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		ub := tx.Bucket(bucketUnits)
		fb := tx.Bucket(bucketFiles)
		rb := tx.Bucket(bucketRunningIndex)
		wb := tx.Bucket(bucketWorkflows)

		for _, upd := range updates {
			task, found, err := getTask(tb, upd.Task.TaskID)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			task.Status = upd.Task.Status
			if err := rb.Delete(taskKey(task.ID)); err != nil {
				return err
			}

			if task.Type == TaskMerge {
				if upd.Task.Status == TaskSucceeded {
					if err := promoteMergeSuccess(tb, ub, task); err != nil {
						return err
					}
				} else {
					if err := revertMergeFailure(tb, task); err != nil {
						return err
					}
				}
				if err := putTask(tb, task); err != nil {
					return err
				}
				continue
			}

			for _, uu := range upd.Units {
				u, found, err := getUnit(ub, uu.Workflow, UnitRef{FileID: uu.FileID, Lumi: uu.Lumi})
				if err != nil || !found {
					continue
				}
				switch uu.State {
				case UnitDone:
					u.State = UnitDone
					u.EventsProcessed += uu.EventsProcessed
					u.TaskID = 0
				case UnitFailed:
					u.RetryCount++
					u.TaskID = 0
					if u.RetryCount >= retryLimit {
						u.State = UnitPaused
					} else {
						u.State = UnitUnassigned
					}
				default:
					u.State = uu.State
					u.TaskID = 0
				}
				data, err := json.Marshal(u)
				if err != nil {
					return err
				}
				if err := ub.Put(unitKey(uu.Workflow, u), data); err != nil {
					return err
				}
			}

			for _, fu := range upd.Files {
				key := fileKey(fu.Workflow, fu.FileID)
				data := fb.Get(key)
				if data == nil {
					continue
				}
				var f File
				if err := json.Unmarshal(data, &f); err != nil {
					continue
				}
				f.Skipped = f.Skipped || fu.Skipped
				fdata, err := json.Marshal(f)
				if err != nil {
					return err
				}
				if err := fb.Put(key, fdata); err != nil {
					return err
				}
			}

			// track aggregate events processed on the workflow.
			var totalEvents uint64
			for _, uu := range upd.Units {
				if uu.State == UnitDone {
					totalEvents += uu.EventsProcessed
				}
			}
			if totalEvents > 0 {
				wdata := wb.Get([]byte(task.Workflow))
				if wdata != nil {
					var wf Workflow
					if err := json.Unmarshal(wdata, &wf); err == nil {
						wf.EventsProcessed += totalEvents
						if out, err := json.Marshal(wf); err == nil {
							_ = wb.Put([]byte(task.Workflow), out)
						}
					}
				}
			}

			if upd.Task.Status == TaskSucceeded {
				task.OutputBytes = upd.Task.OutputBytes
			}
			if err := putTask(tb, task); err != nil {
				return err
			}
		}
		return nil
	})
}

func promoteMergeSuccess(tb *bbolt.Bucket, ub *bbolt.Bucket, merge Task) error {
	for _, cid := range merge.Components {
		ct, found, err := getTask(tb, cid)
		if err != nil || !found {
			continue
		}
		ct.MergedInto = merge.ID
		if err := putTask(tb, ct); err != nil {
			return err
		}
		for _, ref := range ct.Units {
			u, found, err := getUnit(ub, ct.Workflow, ref)
			if err != nil || !found {
				continue
			}
			u.State = UnitMerged
			data, err := json.Marshal(u)
			if err != nil {
				return err
			}
			if err := ub.Put(unitKey(ct.Workflow, u), data); err != nil {
				return err
			}
		}
	}
	return nil
}

// revertMergeFailure leaves component PROCESS tasks DONE (not lost) and
// re-eligible for a future merge attempt.
func revertMergeFailure(tb *bbolt.Bucket, merge Task) error {
	for _, cid := range merge.Components {
		ct, found, err := getTask(tb, cid)
		if err != nil || !found {
			continue
		}
		ct.MergedInto = 0
		if err := putTask(tb, ct); err != nil {
			return err
		}
	}
	return nil
}

// ResetUnits flips any RUNNING unit back to UNASSIGNED and returns the
// task ids that were in flight, for the caller to mark ABORTED upstream.
// Idempotent: a second consecutive call returns an empty list.
func (s *UnitStore) ResetUnits(ctx context.Context) ([]int64, error) {
	var taskIDs []int64
	err := s.instrumentWrite(ctx, "reset_units", func(tx *bbolt.Tx) error {
		rb := tx.Bucket(bucketRunningIndex)
		tb := tx.Bucket(bucketTasks)
		ub := tx.Bucket(bucketUnits)

		var toReset []Task
		c := rb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id := decodeTaskKey(k)
			task, found, err := getTask(tb, id)
			if err != nil || !found {
				continue
			}
			if task.Status == TaskRunning {
				toReset = append(toReset, task)
				taskIDs = append(taskIDs, id)
			}
			_ = v
		}

		for _, task := range toReset {
			if task.Type == TaskProcess {
				for _, ref := range task.Units {
					u, found, err := getUnit(ub, task.Workflow, ref)
					if err != nil || !found {
						continue
					}
					if u.State == UnitRunning {
						u.State = UnitUnassigned
						u.TaskID = 0
						data, err := json.Marshal(u)
						if err != nil {
							return err
						}
						if err := ub.Put(unitKey(task.Workflow, u), data); err != nil {
							return err
						}
					}
				}
			}
			task.Status = TaskCancelled
			if err := putTask(tb, task); err != nil {
				return err
			}
			if err := rb.Delete(taskKey(task.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	return taskIDs, err
}

func decodeTaskKey(k []byte) int64 {
	var id int64
	for _, c := range k {
		id = id*10 + int64(c-'0')
	}
	return id
}

// RunningTasks returns all task ids currently tracked as in flight.
func (s *UnitStore) RunningTasks(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.instrumentRead(ctx, "running_tasks", func(tx *bbolt.Tx) error {
		rb := tx.Bucket(bucketRunningIndex)
		c := rb.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ids = append(ids, decodeTaskKey(k))
		}
		return nil
	})
	return ids, err
}

// RegisterFiles inserts File/Unit rows in a child workflow derived from a
// parent's outputs. Idempotent per (child, file id).
func (s *UnitStore) RegisterFiles(ctx context.Context, infos []FileInfo, childLabel string) error {
	return s.instrumentWrite(ctx, "register_files", func(tx *bbolt.Tx) error {
		fb := tx.Bucket(bucketFiles)
		ub := tx.Bucket(bucketUnits)
		for _, f := range infos {
			key := fileKey(childLabel, f.ID)
			if fb.Get(key) != nil {
				continue // idempotent: already propagated
			}
			file := File{ID: f.ID, Workflow: childLabel, Events: f.Events, Bytes: f.Bytes, Lumis: f.Lumis}
			data, err := json.Marshal(file)
			if err != nil {
				return err
			}
			if err := fb.Put(key, data); err != nil {
				return err
			}
			for _, lumi := range f.Lumis {
				u := Unit{Workflow: childLabel, FileID: f.ID, Lumi: lumi, State: UnitUnassigned}
				udata, err := json.Marshal(u)
				if err != nil {
					return err
				}
				if err := ub.Put(unitKey(childLabel, u), udata); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// UpdateMissing marks tasks whose outputs vanished as failed, reverting
// their units per the normal retry-cap rule.
func (s *UnitStore) UpdateMissing(ctx context.Context, taskIDs []int64, retryLimit int) error {
	if len(taskIDs) == 0 {
		return nil
	}
	var updates []Update
	err := s.instrumentRead(ctx, "update_missing_lookup", func(tx *bbolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		for _, id := range taskIDs {
			task, found, err := getTask(tb, id)
			if err != nil || !found {
				continue
			}
			u := Update{Task: TaskUpdate{TaskID: id, Status: TaskFailedStatus}}
			for _, ref := range task.Units {
				u.Units = append(u.Units, UnitUpdate{Workflow: task.Workflow, FileID: ref.FileID, Lumi: ref.Lumi, State: UnitFailed})
			}
			updates = append(updates, u)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.UpdateUnits(ctx, updates, retryLimit)
}

// WorkLeft reports whether a workflow's upstream dependency has fully
// propagated, how many units remain eligible to pop, and a forward
// estimate of remaining tasks.
func (s *UnitStore) WorkLeft(ctx context.Context, label string) (complete bool, unitsLeft int, tasksLeft float64, err error) {
	s.mu.RLock()
	wf, ok := s.workflows[label]
	parent, hasParent := "", false
	for _, d := range s.dependencies {
		if d.Child == label {
			parent = d.Parent
			hasParent = true
			break
		}
	}
	s.mu.RUnlock()
	if !ok {
		return false, 0, 0, nil
	}

	complete = true
	if hasParent {
		if pwf, ok := s.Workflow(parent); ok {
			complete = pwf.Registered && s.parentFullyPropagated(parent, label)
		}
	}

	err = s.instrumentRead(ctx, "work_left", func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUnits)
		candidates, cerr := eligibleUnits(ub, label)
		if cerr != nil {
			return cerr
		}
		unitsLeft = len(candidates)
		return nil
	})
	if err != nil {
		return false, 0, 0, err
	}

	perTask := wf.UnitsPerTask
	if perTask < 1 {
		perTask = 1
	}
	tasksLeft = float64(unitsLeft) / float64(perTask)
	return complete, unitsLeft, tasksLeft, nil
}

// parentFullyPropagated is a best-effort check: true once the parent
// workflow has no more units left to produce downstream output from (i.e.
// all its units are terminal for propagation purposes).
func (s *UnitStore) parentFullyPropagated(parent, child string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.dependencies {
		if d.Parent == parent && d.Child == child {
			pwf, ok := s.workflows[parent]
			return ok && pwf.TotalUnits > 0 && int(pwf.EventsProcessed) >= 0 && d.UnitsExpected <= pwf.TotalUnits
		}
	}
	return true
}

// UnfinishedUnits counts units across all workflows that have not reached
// a terminal state. DONE counts as terminal only for workflows that do not
// merge (merge_size <= 0); otherwise a unit is terminal at MERGED/PUBLISHED.
func (s *UnitStore) UnfinishedUnits(ctx context.Context) (int, error) {
	count := 0
	err := s.instrumentRead(ctx, "unfinished_units", func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUnits)
		return ub.ForEach(func(k, v []byte) error {
			var u Unit
			if err := json.Unmarshal(v, &u); err != nil {
				return nil
			}
			wf, _ := s.Workflow(u.Workflow)
			terminal := u.State == UnitPublished
			if wf.MergeSize <= 0 {
				terminal = terminal || u.State == UnitDone
			} else {
				terminal = terminal || u.State == UnitMerged
			}
			if !terminal {
				count++
			}
			return nil
		})
	})
	return count, err
}

// Merged reports whether every workflow with pending merge work has none
// left: no completed-but-unmerged PROCESS tasks, and no units mid-merge.
func (s *UnitStore) Merged(ctx context.Context) (bool, error) {
	ok := true
	err := s.instrumentRead(ctx, "merged", func(tx *bbolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		return tb.ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			wf, _ := s.Workflow(t.Workflow)
			if wf.MergeSize <= 0 {
				return nil
			}
			if t.Type == TaskProcess && t.Status == TaskSucceeded && t.MergedInto == 0 {
				ok = false
			}
			if t.Type == TaskMerge && t.Status == TaskRunning {
				ok = false
			}
			return nil
		})
	})
	return ok, err
}

// EstimateTasksLeft sums WorkLeft's forward task estimate across all
// workflows.
func (s *UnitStore) EstimateTasksLeft(ctx context.Context) (float64, error) {
	total := 0.0
	for _, wf := range s.Workflows() {
		_, _, left, err := s.WorkLeft(ctx, wf.Label)
		if err != nil {
			return 0, err
		}
		total += math.Ceil(left)
	}
	return total, nil
}

// FailedUnits counts, per workflow, units currently FAILED (awaiting a
// retry) or PAUSED (retry limit exhausted and stuck until an operator
// intervenes).
func (s *UnitStore) FailedUnits(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.instrumentRead(ctx, "failed_units", func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUnits)
		return ub.ForEach(func(k, v []byte) error {
			var u Unit
			if err := json.Unmarshal(v, &u); err != nil {
				return nil
			}
			if u.State == UnitFailed || u.State == UnitPaused {
				counts[u.Workflow]++
			}
			return nil
		})
	})
	return counts, err
}

// SkippedFiles returns the ids of files marked skipped, per workflow. A
// file is skipped when its handler gives up on satisfying every one of its
// units rather than letting them retry indefinitely.
func (s *UnitStore) SkippedFiles(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	err := s.instrumentRead(ctx, "skipped_files", func(tx *bbolt.Tx) error {
		fb := tx.Bucket(bucketFiles)
		return fb.ForEach(func(k, v []byte) error {
			var f File
			if err := json.Unmarshal(v, &f); err != nil {
				return nil
			}
			if f.Skipped {
				out[f.Workflow] = append(out[f.Workflow], f.ID)
			}
			return nil
		})
	})
	return out, err
}

// WorkflowReport bundles one workflow's durable counters with its live
// failed/paused unit tally and forward dependency state: the workflow_status
// reporter.
type WorkflowReport struct {
	Label           string
	Category        string
	TotalUnits      int
	EventsProcessed uint64
	FailedUnits     int
	PausedUnits     int
	TasksLeft       float64
	Complete        bool
}

// WorkflowStatus reports label's counters and dependency-completeness in
// one call, for the CLI and status.yaml snapshot to render without reaching
// into the store's other reporters directly.
func (s *UnitStore) WorkflowStatus(ctx context.Context, label string) (WorkflowReport, error) {
	wf, ok := s.Workflow(label)
	if !ok {
		return WorkflowReport{}, fmt.Errorf("workflow %q not registered", label)
	}

	var failed, paused int
	err := s.instrumentRead(ctx, "workflow_status", func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUnits)
		prefix := []byte(label + "\x00")
		c := ub.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var u Unit
			if err := json.Unmarshal(v, &u); err != nil {
				continue
			}
			switch u.State {
			case UnitFailed:
				failed++
			case UnitPaused:
				paused++
			}
		}
		return nil
	})
	if err != nil {
		return WorkflowReport{}, err
	}

	complete, _, tasksLeft, err := s.WorkLeft(ctx, label)
	if err != nil {
		return WorkflowReport{}, err
	}

	return WorkflowReport{
		Label:           wf.Label,
		Category:        wf.Category,
		TotalUnits:      wf.TotalUnits,
		EventsProcessed: wf.EventsProcessed,
		FailedUnits:     failed,
		PausedUnits:     paused,
		TasksLeft:       tasksLeft,
		Complete:        complete,
	}, nil
}
