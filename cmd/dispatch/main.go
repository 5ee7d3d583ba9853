package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tangled.org/dispatch/dispatch"
	"tangled.org/dispatch/log"
)

func main() {
	cmd := dispatch.NewApp()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New("dispatch")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		stop()
		os.Exit(1)
	}
}
