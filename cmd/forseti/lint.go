package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ipsix/forseti/internal/config"
	"github.com/ipsix/forseti/internal/lint"
	"github.com/ipsix/forseti/internal/logging"
	"github.com/ipsix/forseti/internal/orchestrator"
	"github.com/ipsix/forseti/internal/resolver"
	"github.com/ipsix/forseti/internal/storage"
	"github.com/ipsix/forseti/internal/telemetry"
)

const historyOpenTimeout = 10 * time.Second

type lintOptions struct {
	recursive   bool
	output      string
	outputFile  string
	metricsFile string
}

func newLintCmd(a *app) *cobra.Command {
	opts := lintOptions{}
	cmd := &cobra.Command{
		Use:   "lint [path]",
		Short: "Lint a file or directory with every enabled engine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			return a.lint(cmd.Context(), target, opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&opts.recursive, "recursive", "r", false, "descend into subdirectories")
	flags.StringVarP(&opts.output, "output", "o", "text", "report format: text or json")
	flags.StringVar(&opts.outputFile, "output-file", "", "write the report to a file instead of stdout")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write run metrics in Prometheus text format")
	return cmd
}

func (a *app) lint(ctx context.Context, target string, opts lintOptions) error {
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}
	cfg, _, err := a.loadConfig(target, false)
	if err != nil {
		return err
	}
	files, err := collectFiles(target, opts.recursive, cfg.Files)
	if err != nil {
		return err
	}

	ws, err := a.openWorkspace(ctx, cfg)
	if err != nil {
		return err
	}
	specs, err := a.selectEngines(cfg, ws)
	// The index is exclusive to one process; do not hold it while engines run.
	if cerr := ws.Close(); cerr != nil {
		a.log().Warn("close install index failed", logging.Err(cerr))
	}
	if err != nil {
		return err
	}

	metrics := orchestrator.NewMetrics(a.initTelemetry()...)
	orch := orchestrator.New(orchestrator.Options{
		MaxWorkers:      cfg.Forseti.MaxWorkers,
		BatchSize:       cfg.Forseti.BatchSize,
		ShutdownTimeout: cfg.Forseti.DrainGrace() + 5*time.Second,
	}, a.log(), metrics)

	res, runErr := orch.Run(ctx, orchestrator.Request{
		Files:   files,
		Engines: specs,
		Rules:   cfg.Rulesets(),
		Root:    a.projectRoot(target),
	})
	a.recordRun(ws.cacheDir, cfg, res)
	if opts.metricsFile != "" {
		if err := metrics.WriteTextfile(opts.metricsFile); err != nil {
			a.log().Warn("write metrics file failed", logging.Err(err))
		}
	}
	if runErr != nil {
		return runErr
	}

	if err := a.writeReport(res, opts); err != nil {
		return err
	}
	switch res.Status {
	case lint.StatusCancelled:
		return &exitError{code: exitCancelled}
	case lint.StatusFailure:
		return &exitError{code: exitLint}
	}
	return nil
}

// initTelemetry installs the otel providers and returns the gatherer holding
// engine request metrics. Telemetry failures never fail the run.
func (a *app) initTelemetry() []prometheus.Gatherer {
	if a.verbose {
		err := telemetry.EnableTracing(version, a.stderr)
		if err != nil && !errors.Is(err, telemetry.ErrTracingEnabled) {
			a.log().Warn("enable tracing failed", logging.Err(err))
		}
	}
	if err := telemetry.InitMetrics(version); err != nil {
		a.log().Warn("init engine metrics failed", logging.Err(err))
		return nil
	}
	return []prometheus.Gatherer{telemetry.Gatherer()}
}

func (a *app) writeReport(res lint.Result, opts lintOptions) error {
	var w io.Writer = a.stdout
	if opts.outputFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.outputFile), 0o755); err != nil {
			return err
		}
		f, err := os.Create(opts.outputFile)
		if err != nil {
			return fmt.Errorf("create report file: %w", err)
		}
		defer f.Close()
		w = f
	}
	r := reporter{format: opts.output, color: opts.output == "text" && colorEnabled(w, a.noColor)}
	if err := r.write(w, res); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// recordRun reopens the index to store the run summary and prune old
// entries. History is best effort and never changes the exit status.
func (a *app) recordRun(cacheDir string, cfg config.Config, res lint.Result) {
	if res.RunID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyOpenTimeout)
	defer cancel()
	store, err := storage.OpenBadger(ctx, resolver.IndexDir(cacheDir), a.log())
	if err != nil {
		a.log().Warn("open run history failed", logging.Err(err))
		return
	}
	defer store.Close()

	runs := storage.NewRunStore(store)
	if err := runs.Save(storage.RunRecordFrom(res)); err != nil {
		a.log().Warn("save run history failed", logging.Err(err))
		return
	}
	retention := cfg.Forseti.HistoryRetention()
	if retention <= 0 {
		return
	}
	if _, err := runs.PruneOlderThan(time.Now().Add(-retention)); err != nil {
		a.log().Warn("prune run history failed", logging.Err(err))
	}
}
