// Command wfpatch applies a workflow patch to a JSON document offline, using
// the same engine the daemon runs. It is meant for replaying captured
// notifications against a saved tree.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
