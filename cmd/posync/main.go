// Package main provides the posync command line tool. It runs the offline
// sync engine as a local service and offers one-shot operator commands
// against the same data directory.
package main

import (
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
