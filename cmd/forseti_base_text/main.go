package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipsix/forseti/internal/enginekit"
	"github.com/ipsix/forseti/internal/engines/base"
	"github.com/ipsix/forseti/internal/logging"
)

var version = "0.1.0"

func main() {
	logger := logging.New("text", os.Getenv("FORSETI_ENGINE_LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := enginekit.Serve(ctx, os.Stdin, os.Stdout, base.NewText(version)); err != nil {
		logger.Error("engine stopped", logging.Err(err))
		os.Exit(1)
	}
}
