package main

import (
	"os"

	"github.com/opd-ai/kex/cmd/kex/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
