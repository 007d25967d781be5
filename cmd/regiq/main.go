package main

import (
	"os"

	"github.com/mxwashington/regiq-sub010/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
