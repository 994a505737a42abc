//go:build unix

package main

import (
	"context"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ipsix/forseti/internal/config"
	"github.com/ipsix/forseti/internal/logging"
)

func TestSignalCancelsWhileLoggerIsReplaced(t *testing.T) {
	a := &app{stdin: os.Stdin, stdout: io.Discard, stderr: io.Discard}
	a.logger.Store(logging.Nop())
	ctx, stop := notifyContext(context.Background(), a)
	defer stop()

	done := make(chan struct{})
	reconfigured := make(chan struct{})
	go func() {
		defer close(reconfigured)
		for {
			select {
			case <-done:
				return
			default:
				a.configureLogger(config.Default())
			}
		}
	}()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("signal did not cancel the context")
	}
	close(done)
	<-reconfigured
}
