// Command voicesift harvests per-speaker voice samples from live
// multi-speaker audio streams.
//
// Usage:
//
//	voicesift [--config path] <command> [args]
//
// Commands:
//
//	serve            - Run the WebSocket ingest server
//	analyze <file>   - Run one recording through the pipeline and print a report
//	config check     - Validate a configuration file
//	config providers - List built-in providers
package main

import (
	"context"
	"fmt"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "voicesift:", err)
		return 1
	}
	return 0
}
