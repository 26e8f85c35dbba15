// Command condmarket is the entry point of the market service.
package main

import (
	"fmt"
	"os"

	"github.com/alanyoungcy/condmarket/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "condmarket: %v\n", err)
		os.Exit(1)
	}
}
