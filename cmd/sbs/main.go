// ============================================================================
// sbs - Batch Job Scheduler Entry Point
// ============================================================================
//
// File: cmd/sbs/main.go
// Purpose: Application entry point and CLI initialization.
//
// Version Injection:
//   Variables injected at build time via -ldflags:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
//
// Usage:
//   sbs submit --file script.sh   # Submit a job
//   sbs run                       # Start the dispatcher
//   sbs status                    # View the job table
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/sbs/internal/clicmd"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// main is the program entry point: build the CLI, set version info,
// recover from any unexpected panic, and map errors to exit code 1
// (spec.md §6).
func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := clicmd.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
