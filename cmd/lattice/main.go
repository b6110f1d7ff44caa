// lattice is the operator CLI for a running latticed daemon: activation
// listings, ring lookups, reminder inspection, and dead letter dumps.
package main

import (
	"fmt"
	"os"

	"github.com/roasbeef/lattice/cmd/lattice/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lattice: %v\n", err)
		os.Exit(1)
	}
}
