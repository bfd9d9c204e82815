package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dealflow-backend/cmd/pipelinectl/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Root().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
