package lint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input   string
		want    Severity
		wantErr bool
	}{
		{"off", SeverityOff, false},
		{"warn", SeverityWarn, false},
		{"Warning", SeverityWarn, false},
		{" error ", SeverityError, false},
		{"info", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got)
	}
}

func TestSeverityUnmarshalRejectsUnknown(t *testing.T) {
	var d Diagnostic
	err := json.Unmarshal([]byte(`{"file":"a","severity":"critical"}`), &d)
	require.Error(t, err)

	require.NoError(t, json.Unmarshal([]byte(`{"file":"a","severity":"warn"}`), &d))
	assert.Equal(t, SeverityWarn, d.Severity)
}

func TestSortDiagnosticsIsTotal(t *testing.T) {
	diags := []Diagnostic{
		{File: "b.rs", Line: 1, Column: 1, RuleID: "x", EngineID: "rust"},
		{File: "a.txt", Line: 2, Column: 1, RuleID: "y", EngineID: "base"},
		{File: "a.txt", Line: 1, Column: 5, RuleID: "z", EngineID: "base"},
		{File: "a.txt", Line: 1, Column: 5, RuleID: "a", EngineID: "base"},
		{File: "a.txt", Line: 1, Column: 5, RuleID: "a", EngineID: "abc"},
	}
	SortDiagnostics(diags)

	got := make([]string, 0, len(diags))
	for _, d := range diags {
		got = append(got, d.File+":"+d.EngineID+":"+d.RuleID)
	}
	assert.Equal(t, []string{
		"a.txt:abc:a",
		"a.txt:base:a",
		"a.txt:base:z",
		"a.txt:base:y",
		"b.rs:rust:x",
	}, got)
}

func TestSummarize(t *testing.T) {
	summary, status := Summarize([]Diagnostic{
		{Severity: SeverityWarn},
		{Severity: SeverityWarn},
	})
	assert.Equal(t, 2, summary.Warnings)
	assert.Equal(t, StatusSuccess, status)

	summary, status = Summarize([]Diagnostic{
		{Severity: SeverityWarn},
		{Severity: SeverityError},
	})
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, StatusFailure, status)
}
