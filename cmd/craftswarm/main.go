// Package main is the entry point for the craftswarm CLI.
package main

import (
	"os"

	"github.com/craftswarm/craftswarm/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
