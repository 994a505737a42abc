package resolver

import (
	"fmt"
	"strings"
)

type SourceKind string

const (
	SourceRegistry SourceKind = "registry"
	SourceGit      SourceKind = "git"
	SourceLocal    SourceKind = "local"
)

// Source says where an engine binary comes from. Only the fields of Kind
// are used: Name and Version for registry, URL and Ref for git, Path for
// local. Checksum optionally pins the sha256 of the final binary.
type Source struct {
	Kind     SourceKind `json:"kind"`
	Name     string     `json:"name,omitempty"`
	Version  string     `json:"version,omitempty"`
	URL      string     `json:"url,omitempty"`
	Ref      string     `json:"ref,omitempty"`
	Path     string     `json:"path,omitempty"`
	Checksum string     `json:"sha256,omitempty"`
}

func (s Source) Validate() error {
	switch s.Kind {
	case SourceRegistry:
		if s.Name == "" {
			return fmt.Errorf("registry source requires a name")
		}
	case SourceGit:
		if s.URL == "" {
			return fmt.Errorf("git source requires a url")
		}
	case SourceLocal:
		if s.Path == "" {
			return fmt.Errorf("local source requires a path")
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	if s.Checksum != "" && !isHexSHA256(s.Checksum) {
		return fmt.Errorf("checksum must be a hex sha256 digest")
	}
	return nil
}

// Locator is the location part recorded in install records.
func (s Source) Locator() string {
	switch s.Kind {
	case SourceRegistry:
		return s.Name
	case SourceGit:
		return s.URL
	case SourceLocal:
		return s.Path
	}
	return ""
}

// Pin is the requested version or ref, empty when unpinned.
func (s Source) Pin() string {
	switch s.Kind {
	case SourceRegistry:
		return s.Version
	case SourceGit:
		return s.Ref
	}
	return ""
}

func (s Source) String() string {
	out := string(s.Kind) + ":" + s.Locator()
	if pin := s.Pin(); pin != "" {
		out += "@" + pin
	}
	return out
}

func isHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	return strings.IndexFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) < 0
}

// SourceFrom rebuilds a Source from its recorded kind, locator and pin.
func SourceFrom(kind SourceKind, locator, pin string) Source {
	s := Source{Kind: kind}
	switch kind {
	case SourceRegistry:
		s.Name, s.Version = locator, pin
	case SourceGit:
		s.URL, s.Ref = locator, pin
	case SourceLocal:
		s.Path = locator
	}
	return s
}
