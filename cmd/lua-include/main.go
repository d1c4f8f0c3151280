// Package main is the entry point for lua-include.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/lua-include/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
