// The main package for the pnrsync executable.
package main

import (
	"github.com/JakeFAU/pnr-status-sync/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
