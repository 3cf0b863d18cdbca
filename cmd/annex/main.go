// Package main provides the entry point for the annex CLI.
package main

import (
	"os"

	"github.com/annexdb/annex/cmd/annex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
