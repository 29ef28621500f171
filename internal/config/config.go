// Package config defines the controller's configuration schema (spec §9
// "Dynamic configuration object") and loads it with viper from a
// configuration file and the environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Advanced holds options that tune controller behaviour but do not
// describe the workflow topology itself.
type Advanced struct {
	LogLevel     string `mapstructure:"log_level"`
	PayloadFloor int    `mapstructure:"payload_floor"`
	UseDashboard bool   `mapstructure:"use_dashboard"`
	DashboardURL string `mapstructure:"dashboard_url"`
	RetryLimit   int    `mapstructure:"retry_limit"`
	MergeCleanup bool   `mapstructure:"merge_cleanup"`
}

// CategoryConfig is one named resource class.
type CategoryConfig struct {
	Name       string `mapstructure:"name"`
	Cores      int    `mapstructure:"cores"`
	MemoryMB   int    `mapstructure:"memory_mb"`
	RuntimeMin int    `mapstructure:"runtime_min"`
	TasksMax   int    `mapstructure:"tasks_max"`
}

// FileConfig declares one input file directly in the configuration DSL.
// The real dataset backend (DBS or equivalent) that enumerates files and
// lumis from a catalog is an out-of-scope external collaborator (spec §1);
// this is the narrow, config-driven stand-in that still exercises the full
// register_dataset path.
type FileConfig struct {
	ID     string  `mapstructure:"id"`
	Events uint64  `mapstructure:"events"`
	Bytes  int64   `mapstructure:"bytes"`
	Lumis  [][]int `mapstructure:"lumis"` // [(run, lumi), ...]
}

// WorkflowConfig is one pipeline stage as described by the configuration
// DSL (out of scope for the core; represented here as the narrow set of
// fields the core actually consumes).
type WorkflowConfig struct {
	Label        string       `mapstructure:"label"`
	Category     string       `mapstructure:"category"`
	Prerequisite string       `mapstructure:"prerequisite"`
	MergeSize    int64        `mapstructure:"merge_size"`
	MergeCleanup bool         `mapstructure:"merge_cleanup"`
	UnitsPerTask int          `mapstructure:"units_per_task"`
	OutputFiles  []string     `mapstructure:"output_files"`
	Files        []FileConfig `mapstructure:"files"`

	// UnitsExpected is the number of parent units this stage's
	// dependency edge expects to see propagated before the parent is
	// considered fully drained into it (spec §4.1 register_dependency).
	// The original derives this from the dataset backend's parent
	// total_units; here it is declared directly since that backend is
	// out of scope.
	UnitsExpected int `mapstructure:"units_expected"`
}

// StorageConfig names the storage endpoint(s) the façade should target.
type StorageConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Config is the single root configuration object, default-filled at load
// time from the configuration file and LOBSTER_-prefixed environment
// variables; no CLI flag other than the file path feeds into it.
type Config struct {
	Label     string           `mapstructure:"label"`
	Workdir   string           `mapstructure:"workdir"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Workflows []WorkflowConfig `mapstructure:"workflows"`
	Categories []CategoryConfig `mapstructure:"categories"`
	Advanced  Advanced         `mapstructure:"advanced"`

	// ProvisionInterval is how often the controller runs an obtain/release
	// cycle when no executor-driven event triggers one sooner.
	ProvisionInterval time.Duration `mapstructure:"provision_interval"`
}

// Load reads configuration from path (if non-empty) and the environment
// (LOBSTER_ prefix), filling defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOBSTER")
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("advanced.log_level", "info")
	v.SetDefault("advanced.payload_floor", 10)
	v.SetDefault("advanced.use_dashboard", false)
	v.SetDefault("advanced.retry_limit", 3)
	v.SetDefault("advanced.merge_cleanup", true)
	v.SetDefault("provision_interval", 5*time.Minute)
	v.SetDefault("workdir", ".")
}

// Validate checks the workflow list for structural errors the core must
// reject at start-up (spec §7 "Configuration error — surfaced at
// start-up; fatal"): duplicate labels and prerequisite cycles.
func (c *Config) Validate() error {
	if c.Label == "" {
		return fmt.Errorf("config: label is required")
	}
	seen := make(map[string]bool, len(c.Workflows))
	for _, w := range c.Workflows {
		if w.Label == "" {
			return fmt.Errorf("config: workflow with empty label")
		}
		if seen[w.Label] {
			return fmt.Errorf("config: duplicate workflow label %q", w.Label)
		}
		seen[w.Label] = true
	}
	for _, w := range c.Workflows {
		if w.Prerequisite == "" {
			continue
		}
		if !seen[w.Prerequisite] {
			return fmt.Errorf("config: workflow %q references unknown prerequisite %q", w.Label, w.Prerequisite)
		}
		if hasCycle(c.Workflows, w.Label) {
			return fmt.Errorf("config: prerequisite cycle detected starting at %q", w.Label)
		}
	}
	return nil
}

func hasCycle(workflows []WorkflowConfig, start string) bool {
	byLabel := make(map[string]WorkflowConfig, len(workflows))
	for _, w := range workflows {
		byLabel[w.Label] = w
	}
	visited := make(map[string]bool)
	cur := start
	for {
		if visited[cur] {
			return true
		}
		visited[cur] = true
		w, ok := byLabel[cur]
		if !ok || w.Prerequisite == "" {
			return false
		}
		cur = w.Prerequisite
	}
}
