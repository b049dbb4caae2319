package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sjoeboo/relaydeck/internal/claudehooks"
	"github.com/sjoeboo/relaydeck/internal/config"
	"github.com/sjoeboo/relaydeck/internal/controlserver"
	"github.com/sjoeboo/relaydeck/internal/gateway"
	"github.com/sjoeboo/relaydeck/internal/journal"
	"github.com/sjoeboo/relaydeck/internal/logging"
	"github.com/sjoeboo/relaydeck/internal/relay"
	"github.com/sjoeboo/relaydeck/internal/tmux"
)

// handleRun starts the relay daemon: aggregator timers, bridge poller,
// control server, and a console gateway on stdin/stdout.
func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml (default: ~/.relaydeck/config.toml)")
	fs.Usage = func() {
		fmt.Println("Usage: relaydeck run [options]")
		fmt.Println()
		fmt.Println("Run the relay daemon. Inbound messages are read from stdin as")
		fmt.Println("'<conversation> <text>' lines; replies are written to stdout.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)

	dir, err := config.Dir()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Printf("Error: failed to create %s: %v\n", dir, err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		LogDir:   dir,
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Stderr:   cfg.Logging.Stderr,
		Compress: true,
	})
	defer logging.Shutdown()

	if err := tmux.IsTmuxAvailable(); err != nil {
		fmt.Printf("Error: %v\n", err)
		fmt.Println("\nrelaydeck requires tmux. Install with:")
		fmt.Println("  apt install tmux    # or: brew install tmux")
		os.Exit(1)
	}

	var jrnl *journal.Journal
	if cfg.Journal.Enabled != nil && *cfg.Journal.Enabled {
		jrnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			fmt.Printf("Warning: journal disabled: %v\n", err)
		} else {
			defer jrnl.Close()
		}
	}

	console := gateway.NewConsole(os.Stdout)
	r, err := relay.New(cfg, console, jrnl)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.Run(ctx)
		return nil
	})
	if cfg.Server.Enabled != nil && *cfg.Server.Enabled {
		if cfg.Server.InstallHooks != nil && *cfg.Server.InstallHooks && cfg.Server.HooksDir != "" {
			installed, err := claudehooks.Install(cfg.Server.HooksDir, cfg.Server.Port)
			if err != nil {
				fmt.Printf("Warning: could not install turn-completion hooks: %v\n", err)
			} else if installed {
				fmt.Printf("Installed turn-completion hooks in %s\n", cfg.Server.HooksDir)
			}
		}
		srv := controlserver.New(cfg.Server.Port, r)
		g.Go(func() error { return srv.Start(ctx) })
	}
	g.Go(func() error {
		// Stdin closing is not a shutdown condition; signals are.
		return console.ReadLoop(os.Stdin, r.HandleInbound)
	})

	fmt.Printf("relaydeck v%s running (state: %s)\n", Version, dir)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config, exiting on a broken file.
func loadConfig(path string) *config.Config {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
