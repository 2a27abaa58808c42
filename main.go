// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/huddlehq/huddle/internal/app"
	"github.com/huddlehq/huddle/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("huddle v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) != 1 {
		showUsage()
		os.Exit(1)
	}

	dir, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid workspace directory: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create workspace directory: %v\n", err)
		os.Exit(1)
	}

	cfgPath := filepath.Join(dir, "config.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		log.Printf("APP: created default config at %s", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("APP: huddle v%s starting in %s", appVersion, dir)
	if err := app.Run(ctx, app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("APP: %v", err)
	}
}

func showUsage() {
	fmt.Println(`huddle - team calls and chat over your LAN

Usage:
  huddle <workspace-dir>    Run with the given workspace directory
  huddle -version           Show version
  huddle -h                 Show this help

The workspace directory holds config.json, the identity key, and the
local database. It is created on first run.`)
}
