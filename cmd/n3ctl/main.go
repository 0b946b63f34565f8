package main

import (
	"os"

	"github.com/node3/marketplace/cmd/n3ctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
