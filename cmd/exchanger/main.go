// Package main is the entry point for the exchanger server.
package main

import (
	"os"

	"github.com/openvcx/exchanger/cmd/exchanger/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
