// The main package for the webfarm executable.
package main

import (
	"os"

	"github.com/JakeFAU/webfarm/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	os.Exit(cmd.Execute())
}
