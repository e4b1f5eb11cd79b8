// tracecap - IP trace capture client for mainframe trace servers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tracecap/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tracecap: %v\n", err)
		os.Exit(1)
	}
}
