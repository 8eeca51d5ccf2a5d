package main

import (
	"fmt"
	"os"

	"github.com/Only-tech/agglo-transcribe/internal/cli"
)

func main() {
	if err := cli.NewRootCmd(&cli.Dependencies{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
