package main

import (
	"os"

	"github.com/satu/trellm/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
