package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipsix/forseti/internal/logging"
)

// notifyContext cancels on the first SIGINT or SIGTERM so engines drain; a
// second signal exits at once.
func notifyContext(parent context.Context, a *app) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		received := 0
		for {
			select {
			case sig := <-sigCh:
				received++
				if received > 1 {
					a.log().Error("second signal, exiting without cleanup", logging.F("signal", sig.String()))
					os.Exit(exitCancelled)
				}
				a.log().Warn("shutdown signal received, draining engines", logging.F("signal", sig.String()))
				cancel()
			case <-done:
				return
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
		cancel()
	}
}
