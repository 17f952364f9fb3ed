// Command servekit runs the demo greeter behind a servekit server and
// probes health endpoints.
package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/kroma-labs/servekit/internal/cli"
)

func main() {
	cli.Execute()
}
