// Command lsppoold runs the analysis-server pool behind an HTTP API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lsppoold:", err)
		os.Exit(1)
	}
}
