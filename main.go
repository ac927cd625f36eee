// The main package for the crawlq executable.
package main

import (
	"github.com/JakeFAU/crawlq/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
