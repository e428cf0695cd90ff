// Command obscoredemo wires the Context Carrier, Sanitizer, Logger
// Core, and Access Tracker into one process and serves Prometheus
// metrics, mirroring the shape of the teacher stack's cmd/main.go.
package main

import (
	"flag"
	"fmt"
	"os"

	"obscore/internal/app"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		configFile = os.Getenv("OBSCORE_CONFIG_FILE")
	}

	application, err := app.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}
