package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/forseti/internal/lint"
)

func TestEncodeDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Encode(HandshakeRequest(1)))
	require.NoError(t, enc.Encode(LintRequest(2, []File{{Path: "a.txt", ContentHint: "text"}}, lint.Ruleset{
		"max-line-length": {Severity: lint.SeverityError, Options: map[string]any{"limit": 100}},
	})))
	require.Equal(t, 2, strings.Count(buf.String(), "\n"))

	dec := NewDecoder(&buf)
	first, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeHandshake, first.Type)
	assert.EqualValues(t, 1, first.ID)

	second, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeLint, second.Type)
	require.Len(t, second.Files, 1)
	assert.Equal(t, lint.SeverityError, second.RulesetConfig["max-line-length"].Severity)
	assert.EqualValues(t, 100, second.RulesetConfig["max-line-length"].Options["limit"])

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeSkipsBlankLines(t *testing.T) {
	dec := NewDecoder(strings.NewReader("\n  \n{\"type\":\"shutdown\",\"id\":3}\n"))
	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeShutdown, msg.Type)
}

func TestDecodeMalformed(t *testing.T) {
	dec := NewDecoder(strings.NewReader("not json\n"))
	_, err := dec.Decode()
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))

	dec = NewDecoder(strings.NewReader(`{"id":1}` + "\n"))
	_, err = dec.Decode()
	require.True(t, errors.As(err, &decodeErr))

	dec = NewDecoder(strings.NewReader(`{"type":"file","diagnostics":[{"severity":"fatal"}]}` + "\n"))
	_, err = dec.Decode()
	require.True(t, errors.As(err, &decodeErr))
}
