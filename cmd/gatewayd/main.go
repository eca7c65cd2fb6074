// Package main is the entry point for the gateway daemon (gatewayd).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sigee-min/bbmcp-sub010/cmd/gatewayd/app"
	"github.com/sigee-min/bbmcp-sub010/internal/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("error executing command: %v", err)
		os.Exit(1)
	}
}
