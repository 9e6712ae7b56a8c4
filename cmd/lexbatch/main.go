package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/lexbatch/internal/cmd"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd.SetVersionInfo(version, commit, buildDate)
	code := cmd.Execute(ctx)
	stop()
	os.Exit(code)
}
