// Gandalf is a consumption gateway: it mediates billable LLM calls through
// auth, policy validation, rate limiting, quota accounting, upstream
// dispatch, cost metering, SLA evaluation, and analytics fan-out.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	showVersion := false
	for _, a := range os.Args[1:] {
		if a == "-version" || a == "--version" {
			showVersion = true
		}
	}
	if showVersion {
		fmt.Println("gandalf", version)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
