package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/sjoeboo/relaydeck/internal/relay"
	"github.com/sjoeboo/relaydeck/internal/tmux"
)

// Table column widths for status output.
const (
	tableColConv    = 24
	tableColSession = 32
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	aliveStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	deadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// handleSend injects a one-shot prompt into a conversation's session,
// creating it if needed. This bypasses the aggregator on purpose:
// operator input should not wait out a debounce window.
func handleSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml")
	fs.Usage = func() {
		fmt.Println("Usage: relaydeck send [options] <conversation> <text>")
		fmt.Println()
		fmt.Println("Type text into the conversation's worker session.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 2 {
		fmt.Println("Error: conversation and text are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	conversation := fs.Arg(0)
	text := strings.Join(fs.Args()[1:], " ")

	s := tmux.NewSession(conversation, cfg.Claude.WorkDir)
	launch := tmux.LaunchFlags{
		SkipPermissions: cfg.Claude.SkipPermissions,
		Resume:          cfg.Claude.Resume,
		Continue:        cfg.Claude.Continue,
	}.Command(cfg.Claude.Command)

	if err := s.Ensure(launch); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if err := s.SendText(text); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Sent to %s (%d bytes)\n", s.Name, len(text))
}

// handleKill tears down a conversation's session.
func handleKill(args []string) {
	fs := flag.NewFlagSet("kill", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml")
	fs.Usage = func() {
		fmt.Println("Usage: relaydeck kill [options] <conversation>")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Println("Error: conversation is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	s := tmux.NewSession(fs.Arg(0), cfg.Claude.WorkDir)
	if !s.Exists() {
		fmt.Printf("No session for %s\n", fs.Arg(0))
		return
	}
	if err := s.Kill(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Killed %s\n", s.Name)
}

// handleRestart kills and recreates a conversation's session with the
// configured launch flags.
func handleRestart(args []string) {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml")
	fs.Usage = func() {
		fmt.Println("Usage: relaydeck restart [options] <conversation>")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Println("Error: conversation is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	s := tmux.NewSession(fs.Arg(0), cfg.Claude.WorkDir)
	launch := tmux.LaunchFlags{
		SkipPermissions: cfg.Claude.SkipPermissions,
		Resume:          cfg.Claude.Resume,
		Continue:        cfg.Claude.Continue,
	}.Command(cfg.Claude.Command)

	if err := s.Restart(launch); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Restarted %s\n", s.Name)
}

// handleStatus queries the running daemon's control server.
func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: relaydeck status [options]")
		fmt.Println()
		fmt.Println("Show buffers, sessions and delivery counters from the running daemon.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/status", cfg.Server.Port))
	if err != nil {
		fmt.Printf("Error: relay daemon unreachable on port %d: %v\n", cfg.Server.Port, err)
		fmt.Println("Is 'relaydeck run' running?")
		os.Exit(1)
	}
	defer resp.Body.Close()

	var st relay.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Printf("Error: bad status response: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		out, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-*s %-*s %-8s %s",
		tableColConv, "CONVERSATION", tableColSession, "SESSION", "STATE", "WAITING")))
	fmt.Println(strings.Repeat("-", tableColConv+tableColSession+18))
	for _, s := range st.Sessions {
		state := deadStyle.Render("✕ dead")
		if s.Alive {
			state = aliveStyle.Render("● live")
		}
		waiting := ""
		if s.AwaitingReply {
			waiting = waitingStyle.Render("◐ reply")
		}
		fmt.Printf("%-*s %-*s %-8s %s\n",
			tableColConv, runewidth.Truncate(s.ConversationID, tableColConv, "..."),
			tableColSession, runewidth.Truncate(s.Session, tableColSession, "..."),
			state, waiting)
	}
	if len(st.Sessions) == 0 {
		fmt.Println("(no sessions)")
	}

	fmt.Println()
	for _, b := range st.Buffers {
		if b.Pending == 0 {
			continue
		}
		mode := "short"
		if b.Burst {
			mode = "burst"
		}
		fmt.Printf("  %s: %d buffered (%s timer)\n",
			runewidth.Truncate(b.ConversationID, tableColConv, "..."), b.Pending, mode)
	}
	fmt.Printf("Journal: %d messages, %d flushes, %d deliveries\n",
		st.Journal.Messages, st.Journal.Flushes, st.Journal.Deliveries)
}
