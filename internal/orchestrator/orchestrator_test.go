package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/forseti/internal/engine"
	"github.com/ipsix/forseti/internal/lint"
	"github.com/ipsix/forseti/internal/protocol"
)

// stubEngine describes the behaviour of a fake engine; every launch creates a
// stubWorker sharing it.
type stubEngine struct {
	id       string
	patterns []string
	rules    []string
	// findings returns the diagnostics reported for one file.
	findings func(path string) []lint.Diagnostic
	delay    time.Duration
	// crashAfter stops a batch with a crash after that many files; zero
	// disables crashing.
	crashAfter int
	startErr   error
	hang       bool

	inflight atomic.Int32
	peak     atomic.Int32
	launches atomic.Int32
}

func (s *stubEngine) Launch(context.Context) (engine.Worker, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.launches.Add(1)
	return &stubWorker{engine: s, state: engine.StateReady}, nil
}

type stubWorker struct {
	engine *stubEngine
	mu     sync.Mutex
	state  engine.State
}

func (w *stubWorker) Capability() engine.Capability {
	return engine.Capability{EngineID: w.engine.id, Patterns: w.engine.patterns, RuleIDs: w.engine.rules}
}

func (w *stubWorker) State() engine.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *stubWorker) Lint(ctx context.Context, files []protocol.File, _ lint.Ruleset) (engine.BatchResult, error) {
	s := w.engine
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	var res engine.BatchResult
	if s.hang {
		<-ctx.Done()
		w.setState(engine.StateTerminated)
		return res, ctx.Err()
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	for i, f := range files {
		if s.crashAfter > 0 && i == s.crashAfter {
			w.setState(engine.StateCrashed)
			return res, &engine.ProtocolError{EngineID: s.id, Kind: engine.ErrCrash}
		}
		if s.findings != nil {
			for _, d := range s.findings(f.Path) {
				d.EngineID = s.id
				res.Diagnostics = append(res.Diagnostics, d)
			}
		}
		res.Checked = append(res.Checked, f.Path)
	}
	return res, nil
}

func (w *stubWorker) Shutdown(context.Context) error {
	w.setState(engine.StateTerminated)
	return nil
}

func (w *stubWorker) setState(s engine.State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

func files(paths ...string) []protocol.File {
	out := make([]protocol.File, 0, len(paths))
	for _, p := range paths {
		out = append(out, protocol.File{Path: p})
	}
	return out
}

func specs(engines ...*stubEngine) []EngineSpec {
	out := make([]EngineSpec, 0, len(engines))
	for _, e := range engines {
		out = append(out, EngineSpec{ID: e.id, Launcher: e})
	}
	return out
}

func finding(rule string, sev lint.Severity, line int) func(string) []lint.Diagnostic {
	return func(path string) []lint.Diagnostic {
		return []lint.Diagnostic{{File: path, Line: line, Column: 1, RuleID: rule, Severity: sev, Message: rule}}
	}
}

func TestExampleScenario(t *testing.T) {
	base := &stubEngine{
		id: "base", patterns: []string{"*.txt"}, rules: []string{"no-trailing-whitespace"},
		findings: func(path string) []lint.Diagnostic {
			return []lint.Diagnostic{{File: path, Line: 1, Column: 6, RuleID: "no-trailing-whitespace", Severity: lint.SeverityWarn, Message: "trailing whitespace"}}
		},
	}
	rust := &stubEngine{
		id: "rust", patterns: []string{"*.rs"}, rules: []string{"max-line-length"},
		findings: func(path string) []lint.Diagnostic {
			return []lint.Diagnostic{{File: path, Line: 1, Column: 101, RuleID: "max-line-length", Severity: lint.SeverityWarn, Message: "line too long"}}
		},
	}
	rules := lint.Rulesets{
		"base": {"no-trailing-whitespace": {Severity: lint.SeverityWarn}},
		"rust": {"max-line-length": {Severity: lint.SeverityError, Options: map[string]any{"limit": 100}}},
	}

	o := New(Options{MaxWorkers: 2}, nil, nil)
	res, err := o.Run(context.Background(), Request{Files: files("a.txt", "b.rs"), Engines: specs(base, rust), Rules: rules})
	require.NoError(t, err)

	require.Len(t, res.Diagnostics, 2)
	assert.Equal(t, "a.txt", res.Diagnostics[0].File)
	assert.Equal(t, lint.SeverityWarn, res.Diagnostics[0].Severity)
	assert.Equal(t, "b.rs", res.Diagnostics[1].File)
	assert.Equal(t, lint.SeverityError, res.Diagnostics[1].Severity)
	assert.Equal(t, "rust", res.Diagnostics[1].EngineID)
	assert.Equal(t, lint.StatusFailure, res.Status)
	assert.Equal(t, 1, res.Summary.Errors)
	assert.Equal(t, 1, res.Summary.Warnings)
	assert.Equal(t, []string{"base", "rust"}, res.Engines)
	assert.NotEmpty(t, res.RunID)
}

func TestOrderIndependentOfLatency(t *testing.T) {
	run := func(slow string) []lint.Diagnostic {
		a := &stubEngine{id: "a", patterns: []string{"*.txt"}, rules: []string{"r"}, findings: finding("r", lint.SeverityWarn, 3)}
		b := &stubEngine{id: "b", patterns: []string{"*.txt"}, rules: []string{"r"}, findings: finding("r", lint.SeverityWarn, 1)}
		if slow == "a" {
			a.delay = 40 * time.Millisecond
		} else {
			b.delay = 40 * time.Millisecond
		}
		o := New(Options{MaxWorkers: 4, BatchSize: 1}, nil, nil)
		res, err := o.Run(context.Background(), Request{Files: files("z.txt", "m.txt", "a.txt"), Engines: specs(a, b)})
		require.NoError(t, err)
		return res.Diagnostics
	}

	first := run("a")
	second := run("b")
	require.Len(t, first, 6)
	assert.Equal(t, first, second)
	assert.Equal(t, "a.txt", first[0].File)
	assert.Equal(t, 1, first[0].Line)
	assert.Equal(t, "z.txt", first[5].File)
}

func TestCrashIsContained(t *testing.T) {
	flaky := &stubEngine{id: "flaky", patterns: []string{"*.txt"}, rules: []string{"f"}, findings: finding("f", lint.SeverityWarn, 1), crashAfter: 1}
	steady := &stubEngine{id: "steady", patterns: []string{"*.txt"}, rules: []string{"s"}, findings: finding("s", lint.SeverityWarn, 2)}

	o := New(Options{MaxWorkers: 2}, nil, nil)
	res, err := o.Run(context.Background(), Request{Files: files("a.txt", "b.txt", "c.txt"), Engines: specs(flaky, steady)})
	require.NoError(t, err)

	var fromSteady, fromFlaky int
	for _, d := range res.Diagnostics {
		switch d.EngineID {
		case "steady":
			fromSteady++
		case "flaky":
			fromFlaky++
		}
	}
	assert.Equal(t, 3, fromSteady)
	assert.Equal(t, 1, fromFlaky, "a crashed batch keeps what was reported before the crash")

	require.Len(t, res.Unchecked, 2)
	assert.Equal(t, "b.txt", res.Unchecked[0].File)
	assert.Equal(t, "c.txt", res.Unchecked[1].File)
	for _, u := range res.Unchecked {
		assert.Equal(t, "flaky", u.EngineID)
		assert.Equal(t, "crash", u.Reason)
	}
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "crash", res.Issues[0].Kind)
	assert.Equal(t, lint.StatusSuccess, res.Status)
}

func TestPartialBatchKeepsReportedFiles(t *testing.T) {
	flaky := &stubEngine{id: "flaky", patterns: []string{"*.txt"}, rules: []string{"f"}, findings: finding("f", lint.SeverityError, 1), crashAfter: 2}
	o := New(Options{MaxWorkers: 1}, nil, nil)
	res, err := o.Run(context.Background(), Request{Files: files("a.txt", "b.txt", "c.txt"), Engines: specs(flaky)})
	require.NoError(t, err)

	assert.Len(t, res.Diagnostics, 2)
	require.Len(t, res.Unchecked, 1)
	assert.Equal(t, "c.txt", res.Unchecked[0].File)
	assert.Equal(t, lint.StatusFailure, res.Status)
}

func TestSeverityOverrides(t *testing.T) {
	eng := &stubEngine{
		id: "e", patterns: []string{"*.txt"}, rules: []string{"loud", "quiet", "kept"},
		findings: func(path string) []lint.Diagnostic {
			return []lint.Diagnostic{
				{File: path, Line: 1, Column: 1, RuleID: "loud", Severity: lint.SeverityError},
				{File: path, Line: 2, Column: 1, RuleID: "quiet", Severity: lint.SeverityError},
				{File: path, Line: 3, Column: 1, RuleID: "kept", Severity: lint.SeverityOff},
			}
		},
	}
	rules := lint.Rulesets{"e": {
		"loud":  {Severity: lint.SeverityOff},
		"quiet": {Severity: lint.SeverityWarn},
	}}
	o := New(Options{MaxWorkers: 1}, nil, nil)
	res, err := o.Run(context.Background(), Request{Files: files("a.txt"), Engines: specs(eng), Rules: rules})
	require.NoError(t, err)

	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "quiet", res.Diagnostics[0].RuleID)
	assert.Equal(t, lint.SeverityWarn, res.Diagnostics[0].Severity)
	assert.Equal(t, lint.StatusSuccess, res.Status)
}

func TestRoutingAdditivityAndUnrouted(t *testing.T) {
	text := &stubEngine{id: "text", patterns: []string{"*.rs", "*.txt"}, rules: []string{"t"}, findings: finding("t", lint.SeverityWarn, 1)}
	rust := &stubEngine{id: "rust", patterns: []string{"**/*.rs"}, rules: []string{"r"}, findings: finding("r", lint.SeverityWarn, 1)}

	o := New(Options{MaxWorkers: 2}, nil, nil)
	res, err := o.Run(context.Background(), Request{Files: files("src/lib.rs", "logo.png"), Engines: specs(text, rust)})
	require.NoError(t, err)

	require.Len(t, res.Diagnostics, 2)
	assert.Equal(t, "rust", res.Diagnostics[0].EngineID)
	assert.Equal(t, "text", res.Diagnostics[1].EngineID)
	assert.Equal(t, []string{"logo.png"}, res.Unrouted)
	assert.Equal(t, 1, res.Summary.Unrouted)
	assert.Equal(t, 2, res.Summary.Files)
	assert.Equal(t, lint.StatusSuccess, res.Status)
}

func TestRoutingRelativeToProjectRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	rust := &stubEngine{id: "rust", patterns: []string{"src/**/*.rs"}, rules: []string{"r"}, findings: finding("r", lint.SeverityWarn, 1)}
	lib := filepath.Join(root, "src", "lib.rs")
	stray := filepath.Join(root, "build.rs")

	o := New(Options{MaxWorkers: 1}, nil, nil)
	res, err := o.Run(context.Background(), Request{Files: files(lib, stray), Engines: specs(rust), Root: root})
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, lib, res.Diagnostics[0].File)
	assert.Equal(t, []string{stray}, res.Unrouted)
}

func TestStartFailureIsWarning(t *testing.T) {
	broken := &stubEngine{id: "broken", startErr: &engine.ProtocolError{EngineID: "broken", Kind: engine.ErrHandshakeTimeout}}
	ok := &stubEngine{id: "ok", patterns: []string{"*.txt"}, rules: []string{"r"}, findings: finding("r", lint.SeverityWarn, 1)}

	o := New(Options{MaxWorkers: 1}, nil, nil)
	res, err := o.Run(context.Background(), Request{Files: files("a.txt"), Engines: specs(broken, ok)})
	require.NoError(t, err)
	assert.Len(t, res.Diagnostics, 1)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "broken", res.Issues[0].EngineID)
	assert.Equal(t, "handshake_timeout", res.Issues[0].Kind)
	assert.Equal(t, []string{"ok"}, res.Engines)
}

func TestNoEngineStarted(t *testing.T) {
	broken := &stubEngine{id: "broken", startErr: errors.New("exec format error")}
	o := New(Options{MaxWorkers: 1}, nil, nil)
	res, err := o.Run(context.Background(), Request{Files: files("a.txt"), Engines: specs(broken)})
	assert.ErrorIs(t, err, ErrNoEngines)
	assert.Len(t, res.Issues, 1)

	_, err = o.Run(context.Background(), Request{Files: files("a.txt")})
	assert.ErrorIs(t, err, ErrNoEngines)
}

func TestUnknownRuleIsFatal(t *testing.T) {
	eng := &stubEngine{id: "e", patterns: []string{"*.txt"}, rules: []string{"known"}}
	o := New(Options{MaxWorkers: 1}, nil, nil)
	_, err := o.Run(context.Background(), Request{
		Files:   files("a.txt"),
		Engines: specs(eng),
		Rules:   lint.Rulesets{"e": {"known": {Severity: lint.SeverityWarn}, "typo": {Severity: lint.SeverityError}}},
	})
	var unknown *UnknownRuleError
	require.ErrorAs(t, err, &unknown)
	require.Len(t, unknown.Problems, 1)
	assert.Contains(t, unknown.Problems[0], "typo")
	assert.Zero(t, eng.inflight.Load())
}

func TestCorruptPatternFailsRun(t *testing.T) {
	eng := &stubEngine{id: "e", patterns: []string{"[unterminated"}}
	o := New(Options{MaxWorkers: 1}, nil, nil)
	_, err := o.Run(context.Background(), Request{Files: files("a.txt"), Engines: specs(eng)})
	assert.ErrorIs(t, err, ErrRouter)
}

func TestCancellation(t *testing.T) {
	eng := &stubEngine{id: "e", patterns: []string{"*.txt"}, hang: true}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	o := New(Options{MaxWorkers: 2, BatchSize: 1}, nil, nil)
	res, err := o.Run(ctx, Request{Files: files("a.txt", "b.txt", "c.txt"), Engines: specs(eng)})
	require.NoError(t, err)
	assert.Equal(t, lint.StatusCancelled, res.Status)
	assert.Len(t, res.Unchecked, 3)
	assert.Empty(t, res.Issues)
}

func TestWorkerBound(t *testing.T) {
	eng := &stubEngine{id: "e", patterns: []string{"*.txt"}, delay: 20 * time.Millisecond}
	var paths []string
	for _, p := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		paths = append(paths, p+".txt")
	}
	o := New(Options{MaxWorkers: 3, BatchSize: 1}, nil, nil)
	res, err := o.Run(context.Background(), Request{Files: files(paths...), Engines: specs(eng)})
	require.NoError(t, err)
	assert.Empty(t, res.Unchecked)
	assert.LessOrEqual(t, eng.peak.Load(), int32(3))
	assert.LessOrEqual(t, eng.launches.Load(), int32(3))
}

func TestMetricsRecorded(t *testing.T) {
	eng := &stubEngine{id: "e", patterns: []string{"*.txt"}, rules: []string{"r"}, findings: finding("r", lint.SeverityError, 1)}
	metrics := NewMetrics()
	o := New(Options{MaxWorkers: 1}, nil, metrics)
	_, err := o.Run(context.Background(), Request{Files: files("a.txt", "b.txt"), Engines: specs(eng)})
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.runs.WithLabelValues("failure")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.diagnostics.WithLabelValues("e", "error")))

	path := t.TempDir() + "/forseti.prom"
	require.NoError(t, metrics.WriteTextfile(path))
}

func TestTextfileMergesExtraGatherers(t *testing.T) {
	extra := prometheus.NewRegistry()
	requests := prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_requests_total", Help: "requests"})
	extra.MustRegister(requests)
	requests.Add(5)

	metrics := NewMetrics(extra)
	path := filepath.Join(t.TempDir(), "forseti.prom")
	require.NoError(t, metrics.WriteTextfile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "engine_requests_total 5")
	assert.Contains(t, string(raw), "forseti_unrouted_files_total 0")
}
