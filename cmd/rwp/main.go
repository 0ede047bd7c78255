package main

import (
	"os"

	"github.com/nicolas-albert/remote-ws-proxy/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
