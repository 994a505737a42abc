package engine

import (
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/ipsix/forseti/internal/protocol"
)

const (
	BinaryPrefix = "forseti_"

	KindBase   = "base"
	KindCustom = "custom"
)

var (
	kindPattern = regexp.MustCompile(`^[a-z0-9-]+$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// Identity names one installed engine binary. Kind must not contain an
// underscore so the on-disk name can be split unambiguously.
type Identity struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

func (i Identity) Validate() error {
	if !kindPattern.MatchString(i.Kind) {
		return fmt.Errorf("invalid engine kind %q", i.Kind)
	}
	if !idPattern.MatchString(i.ID) {
		return fmt.Errorf("invalid engine id %q", i.ID)
	}
	return nil
}

// Key is the stable identifier used for lock files and index records.
func (i Identity) Key() string {
	return i.Kind + "_" + i.ID
}

func (i Identity) String() string {
	if i.Version == "" {
		return i.Key()
	}
	return i.Key() + "@" + i.Version
}

// BinaryName returns forseti_<kind>_<id>, with .exe on windows targets.
func (i Identity) BinaryName(goos string) string {
	name := BinaryPrefix + i.Key()
	if goos == "windows" {
		name += ".exe"
	}
	return name
}

func (i Identity) LocalBinaryName() string {
	return i.BinaryName(runtime.GOOS)
}

// ParseBinaryName is the inverse of LocalBinaryName; it reports false for
// files that do not follow the naming convention on this OS.
func ParseBinaryName(name string) (Identity, bool) {
	return parseBinaryName(name, runtime.GOOS)
}

func parseBinaryName(name, goos string) (Identity, bool) {
	if !strings.HasPrefix(name, BinaryPrefix) {
		return Identity{}, false
	}
	rest := strings.TrimPrefix(name, BinaryPrefix)
	if goos == "windows" {
		var ok bool
		if rest, ok = strings.CutSuffix(rest, ".exe"); !ok {
			return Identity{}, false
		}
	}
	kind, id, ok := strings.Cut(rest, "_")
	if !ok {
		return Identity{}, false
	}
	ident := Identity{ID: id, Kind: kind}
	if ident.Validate() != nil {
		return Identity{}, false
	}
	return ident, true
}

// Capability is what a running engine declared during its handshake.
type Capability struct {
	EngineID string
	Version  string
	Patterns []string
	RuleIDs  []string
}

// CapabilityFromHandshake flattens the declared capability entries into
// one deduplicated, sorted set of patterns and rule ids.
func CapabilityFromHandshake(msg protocol.Message) Capability {
	patterns := map[string]struct{}{}
	rules := map[string]struct{}{}
	for _, c := range msg.Capabilities {
		for _, p := range c.Patterns {
			if p = strings.TrimSpace(p); p != "" {
				patterns[p] = struct{}{}
			}
		}
		for _, r := range c.RuleIDs {
			if r = strings.TrimSpace(r); r != "" {
				rules[r] = struct{}{}
			}
		}
	}
	return Capability{
		EngineID: msg.EngineID,
		Version:  msg.Version,
		Patterns: sortedKeys(patterns),
		RuleIDs:  sortedKeys(rules),
	}
}

func (c Capability) HasRule(id string) bool {
	i := sort.SearchStrings(c.RuleIDs, id)
	return i < len(c.RuleIDs) && c.RuleIDs[i] == id
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
