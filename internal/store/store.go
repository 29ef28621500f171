package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lobster-hep/lobster/internal/fingerprint"
	"github.com/lobster-hep/lobster/internal/resilience"
)

// bucket names, one per entity type plus the running-task index and a
// metadata bucket.
var (
	bucketWorkflows    = []byte("workflows")
	bucketCategories   = []byte("categories")
	bucketFiles        = []byte("files")
	bucketUnits        = []byte("units")
	bucketTasks        = []byte("tasks")
	bucketDependencies = []byte("dependencies")
	bucketRunningIndex = []byte("running_index") // taskID -> workflow, for reset_units
	bucketMeta         = []byte("meta")           // task id sequence
)

// UnitStore is the single source of truth for workflows, files, units and
// tasks. All mutating operations are transactional on a single embedded
// database. Workflow, category and dependency reads are served from an
// in-memory cache filled at Open and updated by this store's Register*
// calls; the cache is not re-read from the database after Open.
type UnitStore struct {
	db *bbolt.DB

	mu           sync.RWMutex
	workflows    map[string]Workflow
	categories   map[string]Category
	dependencies []Dependency

	retrier *resilience.Retrier

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	popCounter   metric.Int64Counter

	retryLimit int
}

// Options configure a new UnitStore.
type Options struct {
	Meter      metric.Meter
	RetryLimit int // default 3 if zero
}

// Open opens (or creates) the bbolt-backed store at path.
func Open(path string, opts Options) (*UnitStore, error) {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, resilience.Wrap(resilience.KindStore, "open", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketCategories, bucketFiles, bucketUnits,
			bucketTasks, bucketDependencies, bucketRunningIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, resilience.Wrap(resilience.KindStore, "create buckets", err)
	}

	meter := opts.Meter
	readLatency, _ := meter.Float64Histogram("lobster_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("lobster_store_write_ms")
	popCounter, _ := meter.Int64Counter("lobster_store_units_popped_total")

	s := &UnitStore{
		db:           db,
		workflows:    make(map[string]Workflow),
		categories:   make(map[string]Category),
		retrier:      resilience.NewRetrier(meter, opts.RetryLimit, 10*time.Millisecond, time.Second),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		popCounter:   popCounter,
		retryLimit:   opts.RetryLimit,
	}

	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *UnitStore) Close() error { return s.db.Close() }

func (s *UnitStore) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		wb := tx.Bucket(bucketWorkflows)
		if err := wb.ForEach(func(k, v []byte) error {
			var wf Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			s.workflows[wf.Label] = wf
			return nil
		}); err != nil {
			return err
		}
		cb := tx.Bucket(bucketCategories)
		if err := cb.ForEach(func(k, v []byte) error {
			var c Category
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			s.categories[c.Name] = c
			return nil
		}); err != nil {
			return err
		}
		db := tx.Bucket(bucketDependencies)
		return db.ForEach(func(k, v []byte) error {
			var d Dependency
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			s.dependencies = append(s.dependencies, d)
			return nil
		})
	})
}

func (s *UnitStore) instrumentWrite(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	start := time.Now()
	err := s.retrier.Do(ctx, func() error {
		return s.db.Update(fn)
	})
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", op)))
	if err != nil {
		return resilience.Wrap(resilience.KindStore, op, err)
	}
	return nil
}

func (s *UnitStore) instrumentRead(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	start := time.Now()
	err := s.db.View(fn)
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", op)))
	if err != nil {
		return resilience.Wrap(resilience.KindStore, op, err)
	}
	return nil
}

// RegisterCategory inserts or updates a category definition. Idempotent.
func (s *UnitStore) RegisterCategory(ctx context.Context, c Category) error {
	err := s.instrumentWrite(ctx, "register_category", func(tx *bbolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCategories).Put([]byte(c.Name), data)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.categories[c.Name] = c
	s.mu.Unlock()
	return nil
}

func (s *UnitStore) Category(name string) (Category, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[name]
	return c, ok
}

func (s *UnitStore) Categories() []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterDataset inserts File and Unit rows for a workflow. Idempotent per
// workflow label: a second call for an already-registered label no-ops,
// unless the new file list gives a different total unit or event count, in
// which case it fails. Individual file ids and lumis are not compared.
func (s *UnitStore) RegisterDataset(ctx context.Context, wf Workflow, files []FileInfo) error {
	totalEvents := uint64(0)
	totalUnits := 0
	for _, f := range files {
		totalEvents += f.Events
		totalUnits += len(f.Lumis)
	}

	s.mu.RLock()
	existing, registered := s.workflows[wf.Label]
	s.mu.RUnlock()
	if registered && existing.Registered {
		if existing.TotalUnits != totalUnits || existing.TotalEvents != totalEvents {
			return fmt.Errorf("workflow %q already registered with a different file topology", wf.Label)
		}
		return nil
	}

	wf.TotalEvents = totalEvents
	wf.TotalUnits = totalUnits
	wf.Registered = true

	err := s.instrumentWrite(ctx, "register_dataset", func(tx *bbolt.Tx) error {
		wfData, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkflows).Put([]byte(wf.Label), wfData); err != nil {
			return err
		}

		fb := tx.Bucket(bucketFiles)
		ub := tx.Bucket(bucketUnits)
		for _, f := range files {
			file := File{ID: f.ID, Workflow: wf.Label, Events: f.Events, Bytes: f.Bytes, Lumis: f.Lumis}
			fdata, err := json.Marshal(file)
			if err != nil {
				return err
			}
			if err := fb.Put(fileKey(wf.Label, f.ID), fdata); err != nil {
				return err
			}
			for _, lumi := range f.Lumis {
				u := Unit{Workflow: wf.Label, FileID: f.ID, Lumi: lumi, State: UnitUnassigned}
				udata, err := json.Marshal(u)
				if err != nil {
					return err
				}
				if err := ub.Put(unitKey(wf.Label, u), udata); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.workflows[wf.Label] = wf
	s.mu.Unlock()
	return nil
}

// RegisterDependency inserts a dependency edge. Fails if it would create a
// cycle in the prerequisite graph.
func (s *UnitStore) RegisterDependency(ctx context.Context, d Dependency) error {
	s.mu.Lock()
	if wouldCycle(s.dependencies, d) {
		s.mu.Unlock()
		return resilience.Wrap(resilience.KindCycle, "register_dependency", fmt.Errorf("dependency %s -> %s would create a cycle", d.Parent, d.Child))
	}
	s.mu.Unlock()

	err := s.instrumentWrite(ctx, "register_dependency", func(tx *bbolt.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDependencies).Put([]byte(d.Parent+"\x00"+d.Child), data)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.dependencies = append(s.dependencies, d)
	s.mu.Unlock()
	return nil
}

func wouldCycle(existing []Dependency, next Dependency) bool {
	// Build adjacency parent->children including the candidate edge, then
	// DFS from next.Child looking for a path back to next.Parent.
	adj := make(map[string][]string)
	for _, d := range existing {
		adj[d.Parent] = append(adj[d.Parent], d.Child)
	}
	adj[next.Parent] = append(adj[next.Parent], next.Child)

	visited := make(map[string]bool)
	var dfs func(n string) bool
	dfs = func(n string) bool {
		if n == next.Parent {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for _, c := range adj[n] {
			if dfs(c) {
				return true
			}
		}
		return false
	}
	return dfs(next.Child)
}

func (s *UnitStore) Dependents(label string) []Dependency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Dependency
	for _, d := range s.dependencies {
		if d.Parent == label {
			out = append(out, d)
		}
	}
	return out
}

func (s *UnitStore) Prerequisite(label string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.dependencies {
		if d.Child == label {
			return d.Parent, true
		}
	}
	return "", false
}

func (s *UnitStore) Workflows() []Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func (s *UnitStore) Workflow(label string) (Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[label]
	return w, ok
}

func fileKey(workflow, fileID string) []byte {
	return []byte(workflow + "\x00" + fileID)
}

func unitKey(workflow string, u Unit) []byte {
	return []byte(workflow + "\x00" + u.Key())
}

func taskKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func fingerprintOf(fileID string, lumi LumiID) uint64 {
	return fingerprint.Of(fileID, lumi.Run, lumi.Lumi)
}
