// Package main starts the live F1 fan-out service and handles termination.
//
// The process polls the upstream data provider once per watched session
// filter and multiplexes results to every connected viewer.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	livecmd "github.com/f1stats/pitwall/internal/cmd/live"
	"github.com/f1stats/pitwall/internal/platform/config"
)

func main() {
	cfg, err := livecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[LIVE] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HealthCheck {
		if err := livecmd.CheckHealth(ctx, cfg); err != nil {
			config.Exitf("%v", err)
		}
		return
	}

	if err := livecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
