// Package main is the entry point for the metamcp router.
package main

import (
	"os"

	"github.com/metamcp/metamcp/cmd/metamcp/app"
	"github.com/metamcp/metamcp/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
