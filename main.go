package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/scalpel-sast/cmd"
)

func main() {
	// Ctrl+C cancels the scan; the partial report is still written.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	os.Exit(cmd.ExitCode(err))
}
