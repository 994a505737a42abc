package lint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Severity string

const (
	SeverityOff   Severity = "off"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// ParseSeverity accepts the three canonical names plus the common
// "warning" spelling. Anything else is rejected.
func ParseSeverity(raw string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off":
		return SeverityOff, nil
	case "warn", "warning":
		return SeverityWarn, nil
	case "error":
		return SeverityError, nil
	default:
		return "", fmt.Errorf("invalid severity %q (want off, warn or error)", raw)
	}
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityOff, SeverityWarn, SeverityError:
		return true
	}
	return false
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("severity must be a string: %w", err)
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Diagnostic struct {
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	EngineID string   `json:"engine_id,omitempty"`
}

// RuleSetting is the resolved configuration of one rule: a severity plus
// optional rule options forwarded verbatim to the engine.
type RuleSetting struct {
	Severity Severity       `json:"severity"`
	Options  map[string]any `json:"options,omitempty"`
}

// Ruleset maps rule id to its configured setting for one engine.
type Ruleset map[string]RuleSetting

// Rulesets maps engine id to that engine's ruleset.
type Rulesets map[string]Ruleset

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// Unchecked records a file an engine was responsible for but never reported on.
type Unchecked struct {
	File     string `json:"file"`
	EngineID string `json:"engine_id"`
	Reason   string `json:"reason"`
}

// EngineIssue is a run-level warning about a degraded engine.
type EngineIssue struct {
	EngineID string `json:"engine_id"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

type Summary struct {
	Errors    int `json:"errors"`
	Warnings  int `json:"warnings"`
	Files     int `json:"files"`
	Unrouted  int `json:"unrouted"`
	Unchecked int `json:"unchecked"`
}

type Result struct {
	RunID       string        `json:"run_id"`
	Status      Status        `json:"status"`
	Diagnostics []Diagnostic  `json:"diagnostics"`
	Summary     Summary       `json:"summary"`
	Unrouted    []string      `json:"unrouted,omitempty"`
	Unchecked   []Unchecked   `json:"unchecked,omitempty"`
	Issues      []EngineIssue `json:"engine_issues,omitempty"`
	Engines     []string      `json:"engines"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
}

// Failed reports whether the run should exit non-zero because of lint findings.
func (r Result) Failed() bool {
	return r.Status == StatusFailure
}

// SortDiagnostics orders by (file, line, column). Remaining fields break
// ties so equal locations never depend on arrival order.
func SortDiagnostics(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		a, b := diags[i], diags[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		if a.EngineID != b.EngineID {
			return a.EngineID < b.EngineID
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.Severity != b.Severity {
			return a.Severity < b.Severity
		}
		return a.Message < b.Message
	})
}

// Summarize counts severities and derives the run status.
func Summarize(diags []Diagnostic) (Summary, Status) {
	var s Summary
	for _, d := range diags {
		switch d.Severity {
		case SeverityError:
			s.Errors++
		case SeverityWarn:
			s.Warnings++
		}
	}
	if s.Errors > 0 {
		return s, StatusFailure
	}
	return s, StatusSuccess
}
