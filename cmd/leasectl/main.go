// leasectl is the command line client for a leasekeeper server.
//
// Usage:
//
//	leasectl [global options] <command> [command options]
//
// Commands:
//
//	info       list every key known to the server
//	acquire    acquire a key and print its token
//	release    release a key held with --token
//	run        hold one or more keys while a command runs
//
// Examples:
//
//	leasectl info
//	leasectl acquire --key deploy --duration 1m
//	leasectl release --key deploy --token 7
//	leasectl run --key db --key cache --duration 30s -- ./migrate.sh
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is injected with -ldflags "-X main.Version=...".
var Version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := createApp(dialRemote, os.Stdout, os.Stderr)
	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
