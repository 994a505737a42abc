package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ipsix/forseti/internal/engine"
	"github.com/ipsix/forseti/internal/lint"
	"github.com/ipsix/forseti/internal/resolver"
)

// Dependency is a normalized [engines.<id>] declaration.
type Dependency struct {
	Identity engine.Identity
	Source   resolver.Source
}

var declKeys = map[string]bool{
	"kind": true, "name": true, "version": true, "git": true,
	"ref": true, "path": true, "checksum": true,
}

// Dependencies returns the declared engines sorted by identity. Call it on
// a validated config.
func (c Config) Dependencies() []Dependency {
	deps, _ := c.dependencies()
	return deps
}

func (c Config) dependencies() ([]Dependency, []string) {
	var (
		deps []Dependency
		errs []string
	)
	ids := make([]string, 0, len(c.Engines))
	for id := range c.Engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		dep, problems := parseDependency(id, c.Engines[id])
		if len(problems) > 0 {
			errs = append(errs, problems...)
			continue
		}
		deps = append(deps, dep)
	}
	return deps, errs
}

func parseDependency(id string, raw any) (Dependency, []string) {
	field := "engines." + id
	dep := Dependency{Identity: engine.Identity{ID: id, Kind: engine.KindCustom}}

	switch v := raw.(type) {
	case string:
		dep.Source = resolver.Source{Kind: resolver.SourceRegistry, Name: id, Version: strings.TrimSpace(v)}
	case map[string]any:
		var errs []string
		str := func(key string) string {
			val, ok := v[key]
			if !ok {
				return ""
			}
			s, ok := val.(string)
			if !ok {
				errs = append(errs, fmt.Sprintf("%s.%s must be a string", field, key))
				return ""
			}
			return strings.TrimSpace(s)
		}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !declKeys[key] {
				errs = append(errs, fmt.Sprintf("%s has unknown key %q", field, key))
			}
		}

		if kind := str("kind"); kind != "" {
			dep.Identity.Kind = kind
		}
		git, path := str("git"), str("path")
		src := resolver.Source{Checksum: strings.TrimPrefix(str("checksum"), "sha256:")}
		switch {
		case git != "" && path != "":
			errs = append(errs, fmt.Sprintf("%s sets both git and path", field))
		case git != "":
			src.Kind, src.URL, src.Ref = resolver.SourceGit, git, str("ref")
		case path != "":
			src.Kind, src.Path = resolver.SourceLocal, path
		default:
			src.Kind, src.Name, src.Version = resolver.SourceRegistry, str("name"), str("version")
			if src.Name == "" {
				src.Name = id
			}
		}
		if src.Kind != resolver.SourceRegistry && str("version") != "" {
			errs = append(errs, fmt.Sprintf("%s.version only applies to registry engines", field))
		}
		if src.Kind != resolver.SourceGit && str("ref") != "" {
			errs = append(errs, fmt.Sprintf("%s.ref only applies to git engines", field))
		}
		if len(errs) > 0 {
			return Dependency{}, errs
		}
		dep.Source = src
	default:
		return Dependency{}, []string{fmt.Sprintf("%s must be a version string or a table", field)}
	}

	var errs []string
	if err := dep.Identity.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", field, err))
	}
	if err := dep.Source.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", field, err))
	}
	return dep, errs
}

// Rulesets returns the normalized [engine.<id>].rules tables. Call it on a
// validated config.
func (c Config) Rulesets() lint.Rulesets {
	rs, _ := c.rulesets()
	return rs
}

func (c Config) rulesets() (lint.Rulesets, []string) {
	out := lint.Rulesets{}
	var errs []string

	ids := make([]string, 0, len(c.Engine))
	for id := range c.Engine {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rules := c.Engine[id].Rules
		if len(rules) == 0 {
			continue
		}
		ruleIDs := make([]string, 0, len(rules))
		for rule := range rules {
			ruleIDs = append(ruleIDs, rule)
		}
		sort.Strings(ruleIDs)

		set := lint.Ruleset{}
		for _, rule := range ruleIDs {
			setting, err := parseRuleSetting(rules[rule])
			if err != nil {
				errs = append(errs, fmt.Sprintf("engine.%s.rules.%s: %v", id, rule, err))
				continue
			}
			set[rule] = setting
		}
		out[id] = set
	}
	return out, errs
}

// parseRuleSetting accepts "sev", [sev] or [sev, {options}].
func parseRuleSetting(raw any) (lint.RuleSetting, error) {
	switch v := raw.(type) {
	case string:
		sev, err := lint.ParseSeverity(v)
		if err != nil {
			return lint.RuleSetting{}, err
		}
		return lint.RuleSetting{Severity: sev}, nil
	case []any:
		if len(v) == 0 || len(v) > 2 {
			return lint.RuleSetting{}, fmt.Errorf("expected [severity] or [severity, {options}]")
		}
		s, ok := v[0].(string)
		if !ok {
			return lint.RuleSetting{}, fmt.Errorf("severity must be a string")
		}
		sev, err := lint.ParseSeverity(s)
		if err != nil {
			return lint.RuleSetting{}, err
		}
		setting := lint.RuleSetting{Severity: sev}
		if len(v) == 2 {
			opts, ok := v[1].(map[string]any)
			if !ok {
				return lint.RuleSetting{}, fmt.Errorf("options must be a table")
			}
			setting.Options = opts
		}
		return setting, nil
	default:
		return lint.RuleSetting{}, fmt.Errorf("expected a severity string or [severity, {options}]")
	}
}
