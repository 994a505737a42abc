package engine

import (
	"testing"

	"github.com/ipsix/forseti/internal/protocol"
)

func TestBinaryNameRoundTrip(t *testing.T) {
	id := Identity{ID: "eslint", Kind: KindCustom, Version: "1.2.0"}
	name := id.BinaryName("linux")
	if name != "forseti_custom_eslint" {
		t.Fatalf("unexpected binary name %q", name)
	}
	if got := id.BinaryName("windows"); got != "forseti_custom_eslint.exe" {
		t.Fatalf("unexpected windows name %q", got)
	}
	parsed, ok := parseBinaryName(name, "linux")
	if !ok || parsed.Key() != id.Key() {
		t.Fatalf("expected round trip, got %+v ok=%v", parsed, ok)
	}
	parsed, ok = parseBinaryName(id.BinaryName("windows"), "windows")
	if !ok || parsed.Key() != id.Key() {
		t.Fatalf("expected windows round trip, got %+v ok=%v", parsed, ok)
	}
	parsed, ok = ParseBinaryName(id.LocalBinaryName())
	if !ok || parsed.Key() != id.Key() {
		t.Fatalf("expected local round trip, got %+v ok=%v", parsed, ok)
	}
}

func TestExeSuffixOnlyStrippedOnWindows(t *testing.T) {
	parsed, ok := parseBinaryName("forseti_custom_foo.exe", "linux")
	if !ok || parsed.ID != "foo.exe" || parsed.Key() == "custom_foo" {
		t.Fatalf("expected .exe to stay part of the id on linux, got %+v ok=%v", parsed, ok)
	}
	if _, ok := parseBinaryName("forseti_custom_foo", "windows"); ok {
		t.Fatalf("expected a windows name without .exe to be rejected")
	}
}

func TestParseBinaryNameRejectsForeignFiles(t *testing.T) {
	for _, name := range []string{"eslint", "forseti_", "forseti_base", "forseti_Base_x", "forseti_base_-x", ".forseti_base_text.tmp"} {
		if _, ok := ParseBinaryName(name); ok {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestIdentityIDMayContainUnderscore(t *testing.T) {
	parsed, ok := parseBinaryName("forseti_custom_my_rules", "linux")
	if !ok || parsed.Kind != "custom" || parsed.ID != "my_rules" {
		t.Fatalf("unexpected parse %+v ok=%v", parsed, ok)
	}
}

func TestCapabilityFromHandshake(t *testing.T) {
	c := CapabilityFromHandshake(protocol.Message{
		EngineID: "text",
		Version:  "0.3.0",
		Capabilities: []protocol.Capability{
			{Patterns: []string{"*.md", "*.txt"}, RuleIDs: []string{"b", "a"}},
			{Patterns: []string{"*.txt", " "}, RuleIDs: []string{"a"}},
		},
	})
	if len(c.Patterns) != 2 || c.Patterns[0] != "*.md" {
		t.Fatalf("unexpected patterns %v", c.Patterns)
	}
	if len(c.RuleIDs) != 2 || !c.HasRule("a") || !c.HasRule("b") || c.HasRule("c") {
		t.Fatalf("unexpected rules %v", c.RuleIDs)
	}
}
