package main

import (
	"os"

	"github.com/meridianhealth/jobkit/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
