package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"storeops/internal/cli"
)

// main only wires signals into the command tree. Everything else lives in
// internal/cli.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
