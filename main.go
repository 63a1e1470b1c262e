package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiltro-dev/taskforge/cmd"
	"github.com/kiltro-dev/taskforge/internal/observability"
)

func main() {
	// Interrupt signals cancel in-flight tasks instead of killing them mid-click.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
