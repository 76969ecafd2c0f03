// Package main is the single-binary entrypoint for mediaq: the coordinator
// server, the extraction worker and the operator commands.
package main

import "github.com/mediaq/mediaq/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
