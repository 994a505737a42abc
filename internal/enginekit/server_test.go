package enginekit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/forseti/internal/lint"
	"github.com/ipsix/forseti/internal/protocol"
)

type echoEngine struct {
	fail bool
}

func (echoEngine) Info() Info {
	return Info{
		EngineID: "echo",
		Version:  "0.1.0",
		Capabilities: []protocol.Capability{
			{Patterns: []string{"*.txt"}, RuleIDs: []string{"echo"}},
		},
	}
}

func (e echoEngine) Lint(_ context.Context, files []protocol.File, rules lint.Ruleset, emit EmitFunc) error {
	if e.fail {
		return errors.New("engine exploded")
	}
	for _, f := range files {
		sev := lint.SeverityWarn
		if setting, ok := rules["echo"]; ok {
			sev = setting.Severity
		}
		if err := emit(f.Path, []lint.Diagnostic{{File: f.Path, Line: 1, Column: 1, RuleID: "echo", Severity: sev, Message: "seen"}}); err != nil {
			return err
		}
	}
	return nil
}

func requests(t *testing.T, msgs ...protocol.Message) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	for _, m := range msgs {
		require.NoError(t, enc.Encode(m))
	}
	return &buf
}

func decodeAll(t *testing.T, out *bytes.Buffer) []protocol.Message {
	t.Helper()
	dec := protocol.NewDecoder(out)
	var msgs []protocol.Message
	for {
		msg, err := dec.Decode()
		if err != nil {
			break
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestServeHandshakeLintShutdown(t *testing.T) {
	in := requests(t,
		protocol.HandshakeRequest(1),
		protocol.LintRequest(2, []protocol.File{{Path: "a.txt"}, {Path: "b.txt"}}, lint.Ruleset{"echo": {Severity: lint.SeverityError}}),
		protocol.ShutdownRequest(3),
		protocol.HandshakeRequest(4),
	)
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), in, &out, echoEngine{}))

	msgs := decodeAll(t, &out)
	require.Len(t, msgs, 4)
	assert.Equal(t, protocol.TypeHandshake, msgs[0].Type)
	assert.Equal(t, "echo", msgs[0].EngineID)
	assert.Equal(t, protocol.TypeFile, msgs[1].Type)
	assert.Equal(t, "a.txt", msgs[1].Path)
	assert.Equal(t, lint.SeverityError, msgs[1].Diagnostics[0].Severity)
	assert.Equal(t, protocol.TypeFile, msgs[2].Type)
	assert.Equal(t, protocol.TypeLint, msgs[3].Type)
	assert.EqualValues(t, 2, msgs[3].ID)
}

func TestServeReportsEngineErrors(t *testing.T) {
	in := requests(t, protocol.LintRequest(7, []protocol.File{{Path: "a.txt"}}, nil))
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), in, &out, echoEngine{fail: true}))

	msgs := decodeAll(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
	assert.Contains(t, msgs[0].Message, "exploded")
}

func TestServeAnswersGarbageWithError(t *testing.T) {
	in := strings.NewReader("{oops\n")
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), in, &out, echoEngine{}))

	msgs := decodeAll(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
}
