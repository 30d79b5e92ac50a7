package main

import (
	"context"
	"os"

	"github.com/tphakala/birdnet-tiles/cmd"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cmd.RootCommand(version).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
