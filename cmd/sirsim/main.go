package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sirsim/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := cli.NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sirsim: %v\n", err)
	}
	cancel()
	os.Exit(cli.GetExitCode(err))
}
