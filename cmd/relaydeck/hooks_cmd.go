package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sjoeboo/relaydeck/internal/claudehooks"
)

// handleHooks manages the turn-completion hook entries in the worker's
// settings.json. `run` installs them automatically; this command covers
// manual installs, cleanup, and checking what's there.
func handleHooks(args []string) {
	fs := flag.NewFlagSet("hooks", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml (default: ~/.relaydeck/config.toml)")
	fs.Usage = func() {
		fmt.Println("Usage: relaydeck hooks <install|remove|status> [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if len(args) == 0 {
		fs.Usage()
		os.Exit(1)
	}
	action := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	dir := cfg.Server.HooksDir
	port := cfg.Server.Port
	if dir == "" {
		fmt.Println("Error: no hooks directory configured (server.hooks_dir)")
		os.Exit(1)
	}

	switch action {
	case "install":
		changed, err := claudehooks.Install(dir, port)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if changed {
			fmt.Printf("Installed hooks in %s (port %d)\n", dir, port)
		} else {
			fmt.Println("Hooks already installed")
		}
	case "remove":
		removed, err := claudehooks.Remove(dir)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if removed {
			fmt.Printf("Removed hooks from %s\n", dir)
		} else {
			fmt.Println("No hooks found")
		}
	case "status":
		if claudehooks.Installed(dir, port) {
			fmt.Printf("Hooks installed in %s (port %d)\n", dir, port)
		} else {
			fmt.Printf("Hooks not installed in %s\n", dir)
		}
	default:
		fmt.Printf("Unknown hooks action: %s\n\n", action)
		fs.Usage()
		os.Exit(1)
	}
}
