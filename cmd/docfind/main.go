// Package main provides the entry point for the docfind CLI.
package main

import (
	"os"

	"github.com/namjunsu/docfind/cmd/docfind/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
