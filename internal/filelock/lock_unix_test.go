//go:build unix

package filelock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireHonoursContext(t *testing.T) {
	dir := t.TempDir()
	held, err := New(dir).Acquire(context.Background(), "base_text")
	require.NoError(t, err)
	defer held.Release()

	// A second manager behaves like another process: only the file lock
	// stands between them.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = New(dir).Acquire(ctx, "base_text")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
