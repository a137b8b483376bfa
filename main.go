package main

import (
	"fmt"
	"os"

	"github.com/axonrun/mlxserve/cmd"
)

func main() {
	if err := cmd.NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
