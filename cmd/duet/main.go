package main

import (
	"os"

	"github.com/alehm/duet/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
