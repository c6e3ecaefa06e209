// Package main is the entry point for the framebuf orchestrator.
package main

import (
	"os"

	"github.com/framebuf/framebuf/cmd/framebuf/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
