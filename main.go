package main

import (
	"os"

	"github.com/keeldb/keel/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
