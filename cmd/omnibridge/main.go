package main

import (
	"fmt"
	"os"

	"github.com/lydakis/omnibridge/internal/cli"
	"github.com/lydakis/omnibridge/internal/daemon"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == daemon.ArgDaemon {
		if err := daemon.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "omnibridge daemon: %v\n", err)
			os.Exit(1)
		}
		return
	}

	code := cli.Run(os.Args[1:])
	os.Exit(code)
}
