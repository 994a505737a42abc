// Package router assigns files to the engines whose declared patterns match
// them. Matching is additive: every matching engine gets the file.
package router

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var ErrInvalidCapability = errors.New("invalid capability declaration")

// Capability is the routing view of one engine: its id and the globs it
// declared at handshake.
type Capability struct {
	EngineID string
	Patterns []string
}

type Router struct {
	engines []Capability
	root    string
}

// New validates every declared pattern. Patterns without a slash match the
// file's base name; patterns with a slash match the whole slash-separated
// path. Matching is case-sensitive.
func New(caps []Capability) (*Router, error) {
	var problems []error
	seen := make(map[string]bool, len(caps))
	engines := make([]Capability, 0, len(caps))

	for _, c := range caps {
		if c.EngineID == "" {
			problems = append(problems, fmt.Errorf("%w: empty engine id", ErrInvalidCapability))
			continue
		}
		if seen[c.EngineID] {
			problems = append(problems, fmt.Errorf("%w: engine %q declared twice", ErrInvalidCapability, c.EngineID))
			continue
		}
		seen[c.EngineID] = true

		patterns := make([]string, 0, len(c.Patterns))
		for _, p := range c.Patterns {
			if !doublestar.ValidatePattern(p) {
				problems = append(problems, fmt.Errorf("%w: engine %q pattern %q", ErrInvalidCapability, c.EngineID, p))
				continue
			}
			patterns = append(patterns, p)
		}
		engines = append(engines, Capability{EngineID: c.EngineID, Patterns: patterns})
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}

	sort.Slice(engines, func(i, j int) bool { return engines[i].EngineID < engines[j].EngineID })
	return &Router{engines: engines}, nil
}

// WithRoot returns a router that matches paths relative to root, so a
// pattern like src/**/*.rs means the project's src directory wherever the
// run was started. Files outside root are matched by their full path.
func (r *Router) WithRoot(root string) *Router {
	out := *r
	out.root = ""
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			out.root = abs
		}
	}
	return &out
}

// Assignment is the result of routing one file list.
type Assignment struct {
	// ByFile maps each routed file to its engines, sorted by engine id.
	ByFile map[string][]string
	// ByEngine lists each engine's files in input order.
	ByEngine map[string][]string
	Unrouted []string
}

func (a Assignment) Engines() []string {
	out := make([]string, 0, len(a.ByEngine))
	for id := range a.ByEngine {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Route assigns files. Duplicate input paths are routed once.
func (r *Router) Route(files []string) Assignment {
	a := Assignment{
		ByFile:   make(map[string][]string),
		ByEngine: make(map[string][]string),
	}
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if seen[f] {
			continue
		}
		seen[f] = true

		engines := r.Match(f)
		if len(engines) == 0 {
			a.Unrouted = append(a.Unrouted, f)
			continue
		}
		a.ByFile[f] = engines
		for _, id := range engines {
			a.ByEngine[id] = append(a.ByEngine[id], f)
		}
	}
	return a
}

// Match returns the ids of every engine with a pattern matching file.
func (r *Router) Match(file string) []string {
	name := r.subject(file)
	base := path.Base(name)
	var out []string
	for _, e := range r.engines {
		for _, p := range e.Patterns {
			subject := base
			if strings.Contains(p, "/") {
				subject = name
			}
			if ok, _ := doublestar.Match(p, subject); ok {
				out = append(out, e.EngineID)
				break
			}
		}
	}
	return out
}

func (r *Router) subject(file string) string {
	if r.root == "" {
		return normalize(file)
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return normalize(file)
	}
	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return normalize(file)
	}
	return normalize(rel)
}

func normalize(file string) string {
	name := filepath.ToSlash(file)
	for strings.HasPrefix(name, "./") {
		name = strings.TrimPrefix(name, "./")
	}
	return name
}
