package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/ipsix/forseti/internal/lint"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiDim    = "\x1b[2m"
	ansiBold   = "\x1b[1m"
)

type reporter struct {
	format string
	color  bool
}

// colorEnabled is true only for terminals, and never with --no-color or
// NO_COLOR set.
func colorEnabled(w io.Writer, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (r reporter) write(w io.Writer, res lint.Result) error {
	switch r.format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "text":
		return r.writeText(w, res)
	default:
		return fmt.Errorf("unknown output format %q", r.format)
	}
}

func (r reporter) paint(code, s string) string {
	if !r.color {
		return s
	}
	return code + s + ansiReset
}

func (r reporter) writeText(w io.Writer, res lint.Result) error {
	var b strings.Builder
	for _, d := range res.Diagnostics {
		sev := string(d.Severity)
		switch d.Severity {
		case lint.SeverityError:
			sev = r.paint(ansiRed, sev)
		case lint.SeverityWarn:
			sev = r.paint(ansiYellow, sev)
		}
		fmt.Fprintf(&b, "%s:%d:%d: %s %s %s\n", d.File, d.Line, d.Column, sev, d.Message,
			r.paint(ansiDim, "["+d.EngineID+"/"+d.RuleID+"]"))
	}

	for _, issue := range res.Issues {
		fmt.Fprintf(&b, "%s engine %s unavailable (%s): %s\n", r.paint(ansiYellow, "warning:"), issue.EngineID, issue.Kind, issue.Message)
	}
	if len(res.Unchecked) > 0 {
		fmt.Fprintf(&b, "%s %d file(s) not checked:\n", r.paint(ansiYellow, "warning:"), len(res.Unchecked))
		for _, u := range res.Unchecked {
			fmt.Fprintf(&b, "  %s (%s: %s)\n", u.File, u.EngineID, u.Reason)
		}
	}
	if len(res.Unrouted) > 0 {
		fmt.Fprintf(&b, "%d file(s) matched no engine\n", len(res.Unrouted))
	}

	summary := fmt.Sprintf("%d error(s), %d warning(s) in %d file(s)", res.Summary.Errors, res.Summary.Warnings, res.Summary.Files)
	switch res.Status {
	case lint.StatusFailure:
		summary = r.paint(ansiBold+ansiRed, summary)
	case lint.StatusCancelled:
		summary += " (cancelled)"
	}
	fmt.Fprintln(&b, summary)

	_, err := io.WriteString(w, b.String())
	return err
}
