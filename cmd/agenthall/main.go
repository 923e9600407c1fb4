// Package main provides the entry point for the agenthall host.
package main

import (
	"fmt"
	"os"

	"github.com/agenthall/agenthall/cmd/agenthall/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
