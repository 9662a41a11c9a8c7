// edgestore-int - command-line upload client for an edge store service
//
// Build with: go build -ldflags "-X github.com/rescale/edgestore-int/internal/version.Version=vX.Y.Z"
package main

import (
	"os"

	"github.com/rescale/edgestore-int/internal/cli"
)

func main() {
	// cobra already printed the error
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
