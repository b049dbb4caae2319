package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sjoeboo/relaydeck/internal/bridge"
	"github.com/sjoeboo/relaydeck/internal/mcpreply"
)

// handleReply writes a reply envelope into the mailbox. Meant to be run
// from inside a worker session (hooks, scripts); the session name
// defaults to RELAYDECK_SESSION.
func handleReply(args []string) {
	fs := flag.NewFlagSet("reply", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml")
	session := fs.String("session", os.Getenv("RELAYDECK_SESSION"), "Target session name")
	typ := fs.String("type", bridge.TypeClaudeResponse, "Envelope type: text, claude-response, error")
	fs.Usage = func() {
		fmt.Println("Usage: relaydeck reply [options] <text>")
		fmt.Println()
		fmt.Println("Queue a reply for delivery to the chat side. Reads text from")
		fmt.Println("arguments, or from stdin when no arguments are given.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *session == "" {
		fmt.Println("Error: no session (set -session or RELAYDECK_SESSION)")
		os.Exit(1)
	}
	switch *typ {
	case bridge.TypeText, bridge.TypeClaudeResponse, bridge.TypeError:
	default:
		fmt.Printf("Error: unknown type %q\n", *typ)
		os.Exit(1)
	}

	var content string
	if fs.NArg() > 0 {
		content = strings.Join(fs.Args(), " ")
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Printf("Error: read stdin: %v\n", err)
			os.Exit(1)
		}
		content = strings.TrimRight(string(data), "\n")
	}
	if strings.TrimSpace(content) == "" {
		fmt.Println("Error: empty reply")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	w, err := bridge.NewWriter(cfg.Bridge.Dir)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if err := w.Write(*session, content, *typ); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Reply queued for %s (%d bytes)\n", *session, len(content))
}

// handleMCP runs the MCP stdio server so Claude Code can call send_reply.
func handleMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml")
	fs.Usage = func() {
		fmt.Println("Usage: relaydeck mcp [options]")
		fmt.Println()
		fmt.Println("Run the MCP stdio server. Register it in the worker's MCP config:")
		fmt.Println(`  {"mcpServers": {"relaydeck": {"command": "relaydeck", "args": ["mcp"]}}}`)
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	mcpreply.Version = Version

	port := 0
	if cfg.Server.Enabled != nil && *cfg.Server.Enabled {
		port = cfg.Server.Port
	}
	s, err := mcpreply.New(cfg.Bridge.Dir, port)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if err := mcpreply.ServeStdio(s); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
