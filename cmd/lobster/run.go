package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/lobster-hep/lobster/internal/auth"
	"github.com/lobster-hep/lobster/internal/config"
	"github.com/lobster-hep/lobster/internal/executor"
	"github.com/lobster-hep/lobster/internal/logging"
	"github.com/lobster-hep/lobster/internal/monitor"
	"github.com/lobster-hep/lobster/internal/provider"
	"github.com/lobster-hep/lobster/internal/statusfile"
	"github.com/lobster-hep/lobster/internal/storage"
	"github.com/lobster-hep/lobster/internal/store"
	"github.com/lobster-hep/lobster/internal/telemetry"
)

var (
	executorURL string
	coresFlag   int
)

const stopMarkerName = ".lobster_stop"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the obtain/release controller loop until the workflow graph is done",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&executorURL, "executor", "", "base URL of the work-queue executor adapter")
	runCmd.Flags().IntVar(&coresFlag, "cores", 16, "total cores advertised to the scheduler each cycle")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("run: --config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		os.Exit(2)
	}

	logger := logging.Init(cfg.Label)
	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Label)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(ctx)

	st, err := store.Open(filepath.Join(cfg.Workdir, "lobster.db"), store.Options{
		Meter: telemetry.Meter(cfg.Label), RetryLimit: cfg.Advanced.RetryLimit,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	for _, c := range cfg.Categories {
		if err := st.RegisterCategory(ctx, store.Category{
			Name: c.Name, Cores: c.Cores, MemoryMB: c.MemoryMB, RuntimeMin: c.RuntimeMin, TasksMax: c.TasksMax,
		}); err != nil {
			return err
		}
	}

	if err := registerWorkflows(ctx, st, cfg); err != nil {
		return err
	}

	var sink monitor.Sink = monitor.Dummy{}
	if cfg.Advanced.UseDashboard {
		if cfg.Advanced.DashboardURL == "" {
			logger.Warn("use_dashboard is set but advanced.dashboard_url is empty; falling back to the no-op sink")
		} else if nc, err := nats.Connect(cfg.Advanced.DashboardURL); err != nil {
			logger.Warn("dashboard NATS connect failed; falling back to the no-op sink", "error", err)
		} else {
			defer nc.Close()
			sink = monitor.NewNATSMonitor(nc, "lobster."+cfg.Label+".tasks", logger)
		}
	}

	var execFacade executor.Facade
	if executorURL != "" {
		execFacade = executor.NewHTTP(executorURL, &http.Client{Timeout: 30 * time.Second})
	} else {
		return fmt.Errorf("run: --executor is required")
	}

	storFacade := storage.NewLocal(logger)

	var issuer *auth.Issuer
	if key := os.Getenv("LOBSTER_AUTH_KEY"); key != "" {
		issuer = auth.NewIssuer([]byte(key), cfg.ProvisionInterval*4)
	}

	taskID := provider.Bootstrap(cfg.Label, os.Getenv("LOBSTER_TASK_ID"))
	logger.Info("starting run", "label", cfg.Label, "task_id", taskID, "restarted", os.Getenv("LOBSTER_TASK_ID") != "")

	if err := sink.RegisterRun(ctx); err != nil {
		logger.Warn("dashboard register_run failed", "error", err)
	}

	p := provider.New(cfg, st, execFacade, storFacade, sink, issuer,
		telemetry.Meter(cfg.Label), telemetry.Tracer(cfg.Label), logger, taskID)

	if err := p.Recover(ctx); err != nil {
		return err
	}

	statusPath := filepath.Join(cfg.Workdir, "status.yaml")
	c := cron.New()
	c.AddFunc("@every 30s", func() {
		snap, err := p.Snapshot(ctx)
		if err != nil {
			logger.Warn("status snapshot failed", "error", err)
			return
		}
		if err := statusfile.Write(statusPath, snap); err != nil {
			logger.Warn("status.yaml write failed", "error", err)
		}
	})
	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(cfg.ProvisionInterval)
	defer ticker.Stop()

	for {
		if stopRequested(cfg.Workdir) {
			logger.Info("termination requested, cancelling in-flight tasks")
			return p.Terminate(ctx)
		}

		done, err := p.Done(ctx)
		if err != nil {
			return err
		}
		if done {
			logger.Info("all workflows merged and complete")
			return nil
		}

		submitted, summary, err := p.Cycle(ctx, coresFlag, nil)
		if err != nil {
			logger.Warn("cycle failed", "error", err)
		}
		if submitted > 0 {
			logger.Info("submitted tasks", "count", submitted)
		}
		if summary != nil {
			logger.Info(summary.String())
		}
		if err := p.Update(ctx); err != nil {
			logger.Warn("dashboard reconciliation failed", "error", err)
		}

		<-ticker.C
	}
}

func stopRequested(workdir string) bool {
	_, err := os.Stat(filepath.Join(workdir, stopMarkerName))
	return err == nil
}

// registerWorkflows registers every configured workflow's dataset and
// prerequisite edge with the store. The dataset backend that would
// normally enumerate files/lumis from a catalog is out of scope, so the
// file list comes straight from the workflow's configured file entries;
// everything downstream of register_dataset/register_dependency is core
// and runs unmodified.
func registerWorkflows(ctx context.Context, st *store.UnitStore, cfg *config.Config) error {
	categoryCores := make(map[string]int, len(cfg.Categories))
	for _, c := range cfg.Categories {
		categoryCores[c.Name] = c.Cores
	}

	for _, w := range cfg.Workflows {
		files := make([]store.FileInfo, 0, len(w.Files))
		for _, f := range w.Files {
			lumis := make([]store.LumiID, 0, len(f.Lumis))
			for _, rl := range f.Lumis {
				if len(rl) != 2 {
					continue
				}
				lumis = append(lumis, store.LumiID{Run: rl[0], Lumi: rl[1]})
			}
			files = append(files, store.FileInfo{ID: f.ID, Events: f.Events, Bytes: f.Bytes, Lumis: lumis})
		}

		wf := store.Workflow{
			Label:        w.Label,
			Category:     w.Category,
			Prerequisite: w.Prerequisite,
			MergeSize:    w.MergeSize,
			MergeCleanup: w.MergeCleanup,
			Cores:        categoryCores[w.Category],
			OutputFiles:  w.OutputFiles,
			UnitsPerTask: w.UnitsPerTask,
		}
		if err := st.RegisterDataset(ctx, wf, files); err != nil {
			return fmt.Errorf("register workflow %q: %w", w.Label, err)
		}
	}

	for _, w := range cfg.Workflows {
		if w.Prerequisite == "" {
			continue
		}
		if err := st.RegisterDependency(ctx, store.Dependency{
			Parent: w.Prerequisite, Child: w.Label, UnitsExpected: w.UnitsExpected,
		}); err != nil {
			return fmt.Errorf("register dependency %q -> %q: %w", w.Prerequisite, w.Label, err)
		}
	}
	return nil
}
