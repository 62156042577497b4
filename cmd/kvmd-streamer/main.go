// Package main is the entry point for the kvmd-streamer tool.
package main

import (
	"os"

	"github.com/jmylchreest/kvmd-streamer/cmd/kvmd-streamer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
