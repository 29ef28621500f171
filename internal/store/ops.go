package store

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// PopUnits chooses up to nTasks fresh task batches for a workflow. Each
// batch bundles workflow.UnitsPerTask units, scaled by taper when the
// remaining work would not fill nTasks full-size batches. Units are
// selected ascending (file, lumi); units that failed before are preferred
// over never-failed ones sharing a fingerprint, to bound retry latency.
func (s *UnitStore) PopUnits(ctx context.Context, label string, nTasks int, taper float64) ([]TaskBatch, error) {
	if nTasks <= 0 {
		return nil, nil
	}
	if taper <= 0 || taper > 1 {
		taper = 1
	}

	s.mu.RLock()
	wf, ok := s.workflows[label]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	perTask := int(math.Ceil(float64(wf.UnitsPerTask) * taper))
	if perTask < 1 {
		perTask = 1
	}

	var batches []TaskBatch
	err := s.instrumentWrite(ctx, "pop_units", func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUnits)
		tb := tx.Bucket(bucketTasks)
		meta := tx.Bucket(bucketMeta)

		candidates, err := eligibleUnits(ub, label)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		idx := 0
		for b := 0; b < nTasks && idx < len(candidates); b++ {
			end := idx + perTask
			if end > len(candidates) {
				end = len(candidates)
			}
			batch := candidates[idx:end]
			idx = end

			taskID, err := nextTaskID(meta)
			if err != nil {
				return err
			}

			refs := make([]UnitRef, 0, len(batch))
			filesSeen := map[string]bool{}
			var files []string
			for _, u := range batch {
				refs = append(refs, UnitRef{FileID: u.FileID, Lumi: u.Lumi})
				if !filesSeen[u.FileID] {
					filesSeen[u.FileID] = true
					files = append(files, u.FileID)
				}
				u.State = UnitRunning
				u.TaskID = taskID
				data, err := json.Marshal(u)
				if err != nil {
					return err
				}
				if err := ub.Put(unitKey(label, u), data); err != nil {
					return err
				}
			}

			task := Task{
				ID:        taskID,
				Workflow:  label,
				Category:  wf.Category,
				Type:      TaskProcess,
				Status:    TaskRunning,
				Units:     refs,
				Taper:     taper,
				CreatedAt: time.Now(),
			}
			if err := putTask(tb, task); err != nil {
				return err
			}
			if err := tx.Bucket(bucketRunningIndex).Put(taskKey(taskID), []byte(label)); err != nil {
				return err
			}

			batches = append(batches, TaskBatch{
				TaskID:   taskID,
				Workflow: label,
				Files:    files,
				Units:    refs,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.popCounter.Add(ctx, int64(len(batches)))
	return batches, nil
}

// fingerprintBuckets bounds how many units a single fingerprint bucket can
// share; small enough that a FAILED unit reliably finds an UNASSIGNED
// neighbor to cut ahead of within a modestly sized file.
const fingerprintBuckets = 64

// eligibleUnits returns UNASSIGNED/FAILED units for a workflow ordered
// ascending (file_id, lumi), except that within the same fingerprint
// bucket a previously-failed unit (retry count above zero; UpdateUnits
// stores such a unit as UNASSIGNED) is moved ahead of never-failed ones so
// retries do not wait behind the full ascending sweep.
func eligibleUnits(ub *bbolt.Bucket, label string) ([]Unit, error) {
	prefix := []byte(label + "\x00")
	c := ub.Cursor()
	var out []Unit
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var u Unit
		if err := json.Unmarshal(v, &u); err != nil {
			continue
		}
		if u.State == UnitUnassigned || u.State == UnitFailed {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		fa := fingerprintOf(a.FileID, a.Lumi) % fingerprintBuckets
		fb := fingerprintOf(b.FileID, b.Lumi) % fingerprintBuckets
		if fa == fb && (a.RetryCount > 0) != (b.RetryCount > 0) {
			return a.RetryCount > 0
		}
		if a.FileID != b.FileID {
			return a.FileID < b.FileID
		}
		if a.Lumi.Run != b.Lumi.Run {
			return a.Lumi.Run < b.Lumi.Run
		}
		return a.Lumi.Lumi < b.Lumi.Lumi
	})
	return out, nil
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}

func nextTaskID(meta *bbolt.Bucket) (int64, error) {
	id, err := meta.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}

func putTask(tb *bbolt.Bucket, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tb.Put(taskKey(t.ID), data)
}

func getTask(tb *bbolt.Bucket, id int64) (Task, bool, error) {
	data := tb.Get(taskKey(id))
	if data == nil {
		return Task{}, false, nil
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// PopUnmergedTasks greedily packs successful PROCESS tasks whose outputs
// are not yet merged into buckets of cumulative byte size <= mergeSize,
// up to maxTasks buckets. A one-task bucket that cannot take the next task
// is not closed on its own: that next task joins it, so such a bucket can
// exceed mergeSize. A trailing singleton bucket is not turned into a
// MERGE task: per the single-component-merge decision, its one component
// is marked MERGED directly.
func (s *UnitStore) PopUnmergedTasks(ctx context.Context, label string, mergeSize int64, maxTasks int) ([]TaskBatch, error) {
	if mergeSize <= 0 || maxTasks <= 0 {
		return nil, nil
	}

	var batches []TaskBatch
	err := s.instrumentWrite(ctx, "pop_unmerged_tasks", func(tx *bbolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		ub := tx.Bucket(bucketUnits)
		meta := tx.Bucket(bucketMeta)

		pending, err := unmergedCompletedTasks(tb, label)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		var cur []Task
		var curBytes int64
		flush := func(isTail bool) error {
			if len(cur) == 0 {
				return nil
			}
			if len(cur) == 1 {
				if !isTail {
					// keep pending, might combine with a later completion
					return nil
				}
				// single_component_merge: mark directly MERGED, no MERGE task.
				if err := markComponentsMerged(tb, ub, cur, 0); err != nil {
					return err
				}
				cur, curBytes = nil, 0
				return nil
			}

			taskID, err := nextTaskID(meta)
			if err != nil {
				return err
			}
			components := make([]int64, 0, len(cur))
			for _, t := range cur {
				components = append(components, t.ID)
			}
			mt := Task{
				ID:         taskID,
				Workflow:   label,
				Category:   "merge",
				Type:       TaskMerge,
				Status:     TaskRunning,
				Components: components,
				CreatedAt:  time.Now(),
			}
			if err := putTask(tb, mt); err != nil {
				return err
			}
			if err := tx.Bucket(bucketRunningIndex).Put(taskKey(taskID), []byte(label)); err != nil {
				return err
			}
			if err := markComponentsMerging(tb, cur, taskID); err != nil {
				return err
			}
			batches = append(batches, TaskBatch{TaskID: taskID, Workflow: label, Merge: true, Components: components})
			cur, curBytes = nil, 0
			return nil
		}

		for i, t := range pending {
			if curBytes+t.OutputBytes > mergeSize && len(cur) > 0 {
				if err := flush(false); err != nil {
					return err
				}
			}
			cur = append(cur, t)
			curBytes += t.OutputBytes
			if len(batches) >= maxTasks {
				return nil
			}
			if i == len(pending)-1 {
				if err := flush(true); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return batches, err
}

func unmergedCompletedTasks(tb *bbolt.Bucket, label string) ([]Task, error) {
	var out []Task
	c := tb.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var t Task
		if err := json.Unmarshal(v, &t); err != nil {
			continue
		}
		if t.Workflow == label && t.Type == TaskProcess && t.Status == TaskSucceeded && t.MergedInto == 0 {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func markComponentsMerging(tb *bbolt.Bucket, components []Task, mergeTaskID int64) error {
	for _, t := range components {
		t.MergedInto = mergeTaskID
		if err := putTask(tb, t); err != nil {
			return err
		}
	}
	return nil
}

// markComponentsMerged directly promotes the given (already DONE)
// component tasks' units to MERGED, bypassing a MERGE task entirely. Used
// for the single-component-merge fast path. mergeTaskID of 0 records that
// no MERGE task id owns these components.
func markComponentsMerged(tb *bbolt.Bucket, ub *bbolt.Bucket, components []Task, mergeTaskID int64) error {
	for _, t := range components {
		t.MergedInto = mergeTaskID
		if mergeTaskID == 0 {
			t.MergedInto = -1 // sentinel: merged without an owning MERGE task
		}
		if err := putTask(tb, t); err != nil {
			return err
		}
		for _, ref := range t.Units {
			u, found, err := getUnit(ub, t.Workflow, ref)
			if err != nil || !found {
				continue
			}
			u.State = UnitMerged
			data, err := json.Marshal(u)
			if err != nil {
				return err
			}
			if err := ub.Put(unitKey(t.Workflow, u), data); err != nil {
				return err
			}
		}
	}
	return nil
}

func getUnit(ub *bbolt.Bucket, workflow string, ref UnitRef) (Unit, bool, error) {
	u := Unit{Workflow: workflow, FileID: ref.FileID, Lumi: ref.Lumi}
	data := ub.Get(unitKey(workflow, u))
	if data == nil {
		return Unit{}, false, nil
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return Unit{}, false, err
	}
	return u, true, nil
}
