// Package orchestrator drives one lint run: it starts the selected engines,
// routes files to them, dispatches batches under a worker bound and merges
// the results into one ordered report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ipsix/forseti/internal/engine"
	"github.com/ipsix/forseti/internal/lint"
	"github.com/ipsix/forseti/internal/logging"
	"github.com/ipsix/forseti/internal/protocol"
	"github.com/ipsix/forseti/internal/router"
)

var (
	ErrNoEngines = errors.New("no engine could be started")
	ErrRouter    = errors.New("router construction failed")
)

// UnknownRuleError reports configured rules that no started engine declared.
type UnknownRuleError struct {
	Problems []string
}

func (e *UnknownRuleError) Error() string {
	return "unknown rule reference: " + strings.Join(e.Problems, "; ")
}

type Options struct {
	MaxWorkers int
	// BatchSize caps files per request; zero sends one batch per engine.
	BatchSize int
	// ShutdownTimeout bounds the final drain of all engine processes.
	ShutdownTimeout time.Duration
}

// EngineSpec is one engine selected for the run.
type EngineSpec struct {
	ID       string
	Launcher engine.Launcher
}

type Request struct {
	Files   []protocol.File
	Engines []EngineSpec
	Rules   lint.Rulesets
	// Root is the project directory slash patterns are matched against.
	// Empty matches file paths as given.
	Root string
}

type Orchestrator struct {
	opts    Options
	logger  *logging.Logger
	metrics *Metrics
}

func New(opts Options, logger *logging.Logger, metrics *Metrics) *Orchestrator {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{opts: opts, logger: logger, metrics: metrics}
}

type unit struct {
	engineID string
	files    []protocol.File
}

type outcome struct {
	unit     unit
	batch    engine.BatchResult
	err      error
	duration time.Duration
}

// Run executes one lint run. Engine failures degrade the result; only a
// router failure, unknown rule references or the absence of any started
// engine return an error. Cancellation yields a cancelled result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (lint.Result, error) {
	res := lint.Result{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	logger := o.logger.With(logging.F("run", res.RunID))

	mgr := engine.NewManager()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), o.opts.ShutdownTimeout)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown incomplete", logging.Err(err))
		}
	}()

	caps, issues := o.startEngines(ctx, logger, mgr, req.Engines)
	res.Issues = append(res.Issues, issues...)
	if ctx.Err() != nil {
		return o.finish(res, lint.StatusCancelled), nil
	}
	if len(caps) == 0 {
		return o.finish(res, lint.StatusFailure), ErrNoEngines
	}

	if err := checkRules(caps, req.Rules); err != nil {
		return o.finish(res, lint.StatusFailure), err
	}

	routes := make([]router.Capability, 0, len(caps))
	for _, c := range caps {
		res.Engines = append(res.Engines, c.EngineID)
		routes = append(routes, router.Capability{EngineID: c.EngineID, Patterns: c.Patterns})
	}
	rt, err := router.New(routes)
	if err != nil {
		return o.finish(res, lint.StatusFailure), fmt.Errorf("%w: %w", ErrRouter, err)
	}
	rt = rt.WithRoot(req.Root)

	byPath := make(map[string]protocol.File, len(req.Files))
	paths := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		if _, dup := byPath[f.Path]; dup {
			continue
		}
		byPath[f.Path] = f
		paths = append(paths, f.Path)
	}
	assignment := rt.Route(paths)
	res.Unrouted = assignment.Unrouted
	res.Summary.Files = len(paths)
	if len(res.Unrouted) > 0 {
		logger.Info("files matched no engine", logging.F("count", len(res.Unrouted)))
	}

	units := o.plan(assignment, byPath)
	outcomes := o.dispatch(ctx, logger, mgr, units, req.Rules)

	o.collect(&res, outcomes, req.Rules)
	if ctx.Err() != nil {
		return o.finish(res, lint.StatusCancelled), nil
	}
	_, status := lint.Summarize(res.Diagnostics)
	return o.finish(res, status), nil
}

func (o *Orchestrator) startEngines(ctx context.Context, logger *logging.Logger, mgr *engine.Manager, specs []EngineSpec) ([]engine.Capability, []lint.EngineIssue) {
	caps := make([]engine.Capability, len(specs))
	errs := make([]error, len(specs))
	pools := make([]*engine.Pool, len(specs))

	var g errgroup.Group
	for i, spec := range specs {
		pools[i] = engine.NewPool(spec.ID, spec.Launcher, o.opts.MaxWorkers, logger)
		if err := mgr.Register(pools[i]); err != nil {
			errs[i] = err
			pools[i] = nil
			continue
		}
		g.Go(func() error {
			caps[i], errs[i] = pools[i].Start(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var started []engine.Capability
	var issues []lint.EngineIssue
	for i, spec := range specs {
		if errs[i] != nil {
			logger.Warn("engine unavailable", logging.F("engine", spec.ID), logging.Err(errs[i]))
			issues = append(issues, lint.EngineIssue{
				EngineID: spec.ID,
				Kind:     engine.KindName(errs[i]),
				Message:  errs[i].Error(),
			})
			if pools[i] != nil {
				mgr.Remove(spec.ID)
				_ = pools[i].Shutdown(context.Background())
			}
			continue
		}
		started = append(started, caps[i])
	}
	sort.Slice(started, func(i, j int) bool { return started[i].EngineID < started[j].EngineID })
	return started, issues
}

// checkRules rejects rules that the owning engine did not declare.
func checkRules(caps []engine.Capability, rules lint.Rulesets) error {
	var problems []string
	for _, c := range caps {
		ruleset := rules[c.EngineID]
		ids := make([]string, 0, len(ruleset))
		for id := range ruleset {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if !c.HasRule(id) {
				problems = append(problems, fmt.Sprintf("engine %q does not declare rule %q", c.EngineID, id))
			}
		}
	}
	if len(problems) > 0 {
		return &UnknownRuleError{Problems: problems}
	}
	return nil
}

func (o *Orchestrator) plan(a router.Assignment, byPath map[string]protocol.File) []unit {
	var units []unit
	for _, id := range a.Engines() {
		paths := a.ByEngine[id]
		size := o.opts.BatchSize
		if size <= 0 || size > len(paths) {
			size = len(paths)
		}
		for start := 0; start < len(paths); start += size {
			end := min(start+size, len(paths))
			files := make([]protocol.File, 0, end-start)
			for _, p := range paths[start:end] {
				files = append(files, byPath[p])
			}
			units = append(units, unit{engineID: id, files: files})
		}
	}
	return units
}

func (o *Orchestrator) dispatch(ctx context.Context, logger *logging.Logger, mgr *engine.Manager, units []unit, rules lint.Rulesets) []outcome {
	outcomes := make([]outcome, len(units))
	var g errgroup.Group
	g.SetLimit(o.opts.MaxWorkers)
	for i, u := range units {
		outcomes[i].unit = u
		if ctx.Err() != nil {
			outcomes[i].err = ctx.Err()
			continue
		}
		g.Go(func() error {
			outcomes[i] = o.runUnit(ctx, logger, mgr, u, rules[u.engineID])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) runUnit(ctx context.Context, logger *logging.Logger, mgr *engine.Manager, u unit, rules lint.Ruleset) (out outcome) {
	out.unit = u
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("batch panic recovered",
				logging.F("engine", u.engineID),
				logging.F("panic", r),
				logging.F("stack", string(debug.Stack())),
			)
			out.err = fmt.Errorf("engine %s: batch panicked: %v", u.engineID, r)
		}
		out.duration = time.Since(started)
		label := "ok"
		if out.err != nil {
			label = engine.KindName(out.err)
		}
		o.metrics.observeBatch(u.engineID, label, out.duration)
	}()

	pool, err := mgr.Get(u.engineID)
	if err != nil {
		out.err = err
		return out
	}
	out.batch, out.err = pool.Lint(ctx, u.files, rules)
	if out.err != nil && ctx.Err() == nil {
		logger.Warn("engine batch degraded",
			logging.F("engine", u.engineID),
			logging.F("files", len(u.files)),
			logging.F("reported", len(out.batch.Checked)),
			logging.Err(out.err),
		)
	} else {
		logger.Debug("engine batch completed",
			logging.F("engine", u.engineID),
			logging.F("files", len(u.files)),
			logging.F("diagnostics", len(out.batch.Diagnostics)),
			logging.F("duration", time.Since(started).String()),
		)
	}
	return out
}

// collect merges outcomes into res: severity overrides, unchecked files and
// per-engine issues.
func (o *Orchestrator) collect(res *lint.Result, outcomes []outcome, rules lint.Rulesets) {
	issueSeen := map[string]bool{}
	for _, out := range outcomes {
		res.Diagnostics = append(res.Diagnostics, applyOverrides(out.batch.Diagnostics, rules[out.unit.engineID])...)
		if out.err == nil {
			continue
		}
		checked := make(map[string]bool, len(out.batch.Checked))
		for _, p := range out.batch.Checked {
			checked[p] = true
		}
		reason := engine.KindName(out.err)
		for _, f := range out.unit.files {
			if !checked[f.Path] {
				res.Unchecked = append(res.Unchecked, lint.Unchecked{File: f.Path, EngineID: out.unit.engineID, Reason: reason})
			}
		}
		key := out.unit.engineID + "\x00" + reason
		if !issueSeen[key] && !errors.Is(out.err, context.Canceled) {
			issueSeen[key] = true
			res.Issues = append(res.Issues, lint.EngineIssue{
				EngineID: out.unit.engineID,
				Kind:     reason,
				Message:  out.err.Error(),
			})
		}
	}
	lint.SortDiagnostics(res.Diagnostics)
	sort.SliceStable(res.Unchecked, func(i, j int) bool {
		if res.Unchecked[i].File != res.Unchecked[j].File {
			return res.Unchecked[i].File < res.Unchecked[j].File
		}
		return res.Unchecked[i].EngineID < res.Unchecked[j].EngineID
	})
}

// applyOverrides makes configuration authoritative over engine defaults and
// drops everything that ends up off.
func applyOverrides(diags []lint.Diagnostic, rules lint.Ruleset) []lint.Diagnostic {
	out := make([]lint.Diagnostic, 0, len(diags))
	for _, d := range diags {
		if setting, ok := rules[d.RuleID]; ok && setting.Severity.Valid() {
			d.Severity = setting.Severity
		}
		if d.Severity == lint.SeverityOff || !d.Severity.Valid() {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (o *Orchestrator) finish(res lint.Result, status lint.Status) lint.Result {
	res.Status = status
	counts, _ := lint.Summarize(res.Diagnostics)
	res.Summary.Errors = counts.Errors
	res.Summary.Warnings = counts.Warnings
	res.Summary.Unrouted = len(res.Unrouted)
	res.Summary.Unchecked = len(res.Unchecked)
	if res.Diagnostics == nil {
		res.Diagnostics = []lint.Diagnostic{}
	}
	sort.SliceStable(res.Issues, func(i, j int) bool {
		if res.Issues[i].EngineID != res.Issues[j].EngineID {
			return res.Issues[i].EngineID < res.Issues[j].EngineID
		}
		return res.Issues[i].Kind < res.Issues[j].Kind
	})
	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	o.metrics.observeRun(res)

	o.logger.Info("lint run finished",
		logging.F("run", res.RunID),
		logging.F("status", res.Status),
		logging.F("errors", res.Summary.Errors),
		logging.F("warnings", res.Summary.Warnings),
		logging.F("unchecked", res.Summary.Unchecked),
		logging.F("duration", res.Duration.String()),
	)
	return res
}
