// Package base holds the engines bundled with forseti.
package base

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ipsix/forseti/internal/enginekit"
	"github.com/ipsix/forseti/internal/lint"
	"github.com/ipsix/forseti/internal/protocol"
)

const (
	TextEngineID = "text"

	RuleTrailingWhitespace = "no-trailing-whitespace"
	RuleMaxLineLength      = "max-line-length"
	RuleFinalNewline       = "final-newline"

	DefaultMaxLineLength = 100
)

var TextPatterns = []string{"*.txt", "*.md", "*.toml", "*.yaml", "*.yml", "*.json", "*.cfg", "*.ini"}

// Text checks whitespace and line length of plain text files. Rules not
// mentioned in the request run at warn severity.
type Text struct {
	version  string
	readFile func(string) ([]byte, error)
}

func NewText(version string) *Text {
	return &Text{version: version, readFile: os.ReadFile}
}

func (t *Text) Info() enginekit.Info {
	return enginekit.Info{
		EngineID: TextEngineID,
		Version:  t.version,
		Capabilities: []protocol.Capability{{
			Patterns: TextPatterns,
			RuleIDs:  []string{RuleTrailingWhitespace, RuleMaxLineLength, RuleFinalNewline},
		}},
	}
}

func (t *Text) Lint(ctx context.Context, files []protocol.File, rules lint.Ruleset, emit enginekit.EmitFunc) error {
	trailing := severityFor(rules, RuleTrailingWhitespace)
	length := severityFor(rules, RuleMaxLineLength)
	final := severityFor(rules, RuleFinalNewline)
	limit, err := lineLimit(rules)
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		content, err := t.readFile(f.Path)
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Path, err)
		}
		diags := checkText(f.Path, content, trailing, length, final, limit)
		if err := emit(f.Path, diags); err != nil {
			return err
		}
	}
	return nil
}

func checkText(path string, content []byte, trailing, length, final lint.Severity, limit int) []lint.Diagnostic {
	var diags []lint.Diagnostic
	lines := bytes.Split(content, []byte("\n"))
	// content ending in a newline yields an empty trailing element
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}

	for i, raw := range lines {
		line := strings.TrimSuffix(string(raw), "\r")
		lineNo := i + 1

		if trailing != lint.SeverityOff {
			trimmed := strings.TrimRight(line, " \t")
			if len(trimmed) != len(line) {
				diags = append(diags, lint.Diagnostic{
					File:     path,
					Line:     lineNo,
					Column:   utf8.RuneCountInString(trimmed) + 1,
					RuleID:   RuleTrailingWhitespace,
					Severity: trailing,
					Message:  "trailing whitespace",
				})
			}
		}
		if length != lint.SeverityOff {
			if n := utf8.RuneCountInString(line); n > limit {
				diags = append(diags, lint.Diagnostic{
					File:     path,
					Line:     lineNo,
					Column:   limit + 1,
					RuleID:   RuleMaxLineLength,
					Severity: length,
					Message:  fmt.Sprintf("line is %d characters long, limit is %d", n, limit),
				})
			}
		}
	}

	if final != lint.SeverityOff && len(content) > 0 && content[len(content)-1] != '\n' {
		last := lines[len(lines)-1]
		diags = append(diags, lint.Diagnostic{
			File:     path,
			Line:     len(lines),
			Column:   utf8.RuneCount(last) + 1,
			RuleID:   RuleFinalNewline,
			Severity: final,
			Message:  "file does not end with a newline",
		})
	}
	return diags
}

func severityFor(rules lint.Ruleset, id string) lint.Severity {
	if setting, ok := rules[id]; ok && setting.Severity.Valid() {
		return setting.Severity
	}
	return lint.SeverityWarn
}

func lineLimit(rules lint.Ruleset) (int, error) {
	setting, ok := rules[RuleMaxLineLength]
	if !ok || setting.Options == nil {
		return DefaultMaxLineLength, nil
	}
	raw, ok := setting.Options["limit"]
	if !ok {
		return DefaultMaxLineLength, nil
	}
	var limit int
	switch v := raw.(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	case int64:
		limit = int(v)
	default:
		return 0, fmt.Errorf("%s: option limit must be a number, got %T", RuleMaxLineLength, raw)
	}
	if limit < 1 {
		return 0, fmt.Errorf("%s: option limit must be positive, got %d", RuleMaxLineLength, limit)
	}
	return limit, nil
}
