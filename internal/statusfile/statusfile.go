// Package statusfile renders and reads the run's status.yaml snapshot,
// the operator-facing summary `lobster status` prints without needing to
// open the store directly.
package statusfile

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkflowStatus is one workflow's row in the snapshot.
type WorkflowStatus struct {
	Label           string  `yaml:"label"`
	Category        string  `yaml:"category"`
	TotalUnits      int     `yaml:"total_units"`
	EventsProcessed uint64  `yaml:"events_processed"`
	TasksLeft       float64 `yaml:"tasks_left"`
	Complete        bool    `yaml:"complete"`
}

// Snapshot is the whole-run status.yaml document.
type Snapshot struct {
	Label      string           `yaml:"label"`
	UpdatedAt  time.Time        `yaml:"updated_at"`
	Workflows  []WorkflowStatus `yaml:"workflows"`
	TasksLeft  float64          `yaml:"tasks_left"`
	AllMerged  bool             `yaml:"all_merged"`
	Done       bool             `yaml:"done"`
}

// Write renders snap to path, replacing any previous snapshot atomically
// via a rename from a temp file in the same directory.
func Write(path string, snap Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read loads a previously written snapshot.
func Read(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
