package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const Version = "0.1.0"

// init sets up the color profile so status output renders consistently
// across terminals.
func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile. RELAYDECK_COLOR
// overrides detection: truecolor, 256, 16, none.
func initColorProfile() {
	if colorEnv := os.Getenv("RELAYDECK_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
		}
		return
	}

	if ct := os.Getenv("COLORTERM"); ct == "truecolor" || ct == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("relaydeck v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		handleRun(args[1:])
	case "send":
		handleSend(args[1:])
	case "status":
		handleStatus(args[1:])
	case "kill":
		handleKill(args[1:])
	case "restart":
		handleRestart(args[1:])
	case "reply":
		handleReply(args[1:])
	case "hooks":
		handleHooks(args[1:])
	case "mcp":
		handleMCP(args[1:])
	default:
		fmt.Printf("Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("relaydeck v%s\n", Version)
	fmt.Println("Chat-to-Claude relay over tmux sessions")
	fmt.Println()
	fmt.Println("Usage: relaydeck <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run              Run the relay daemon")
	fmt.Println("  send <conv> <text>   Inject text into a conversation's session")
	fmt.Println("  status           Show buffers, sessions and delivery counters")
	fmt.Println("  kill <conv>      Kill a conversation's tmux session")
	fmt.Println("  restart <conv>   Kill and recreate a conversation's session")
	fmt.Println("  reply            Write a reply envelope into the mailbox (worker side)")
	fmt.Println("  mcp              Run the MCP stdio server (worker side)")
	fmt.Println("  hooks <install|remove|status>   Manage turn-completion hooks")
	fmt.Println("  version          Show version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  relaydeck run                         # Start the daemon")
	fmt.Println("  relaydeck send ops \"deploy status?\"   # One-shot injection")
	fmt.Println("  relaydeck reply -session relaydeck_ops \"done\"")
	fmt.Println("  relaydeck status --json")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  RELAYDECK_DIR      State directory (default: ~/.relaydeck)")
	fmt.Println("  RELAYDECK_COLOR    Color mode: truecolor, 256, 16, none")
	fmt.Println("  RELAYDECK_SESSION  Session name, set inside worker sessions")
}
