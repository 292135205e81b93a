package main

import (
	"os"

	"github.com/ish-xyz/mirrors-cache/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
