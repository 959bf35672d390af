// Package main implements the killkrill command. One binary runs the whole
// pipeline in a single process (serve) or one role per process (receiver,
// worker) against a shared Redis or JetStream stream.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Build information, overridden with -ldflags at release time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "killkrill"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCommand(newCLI(os.Stdout, os.Stderr)).Execute(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}
