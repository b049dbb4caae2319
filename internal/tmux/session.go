package tmux

import (
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sjoeboo/relaydeck/internal/logging"
)

// SessionPrefix namespaces relay-owned tmux sessions.
const SessionPrefix = "relaydeck_"

// Send timing. The settle delay gives tmux time to fully ingest the pasted
// text before the carriage return arrives; without it the terminator races
// ahead on large payloads and the line is never submitted.
const (
	settleBase = 300 * time.Millisecond
	settleUnit = 100 // bytes per settle step
	settleStep = 50 * time.Millisecond
	settleMax  = 1500 * time.Millisecond

	// Payloads above this get a second carriage return as a hedge against
	// the worker's line editor dropping the first one mid-ingest.
	secondEnterThreshold = 1000
	secondEnterDelay     = 300 * time.Millisecond
)

// paneCacheTTL bounds how stale a cached pane snapshot may be.
const paneCacheTTL = 500 * time.Millisecond

// Seams for tests; production code always shells out to the tmux binary.
var (
	runTmux = func(args ...string) error {
		cmd := exec.Command("tmux", args...)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("tmux %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
		}
		return nil
	}
	tmuxOutput = func(args ...string) ([]byte, error) {
		return exec.Command("tmux", args...).Output()
	}
	sleep = time.Sleep
)

// IsTmuxAvailable checks that the tmux binary is installed and working.
func IsTmuxAvailable() error {
	cmd := exec.Command("tmux", "-V")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not found or not working: %w (output: %s)", err, string(output))
	}
	return nil
}

// LaunchFlags describe how the worker process is started inside the
// session. They are fixed for the session's lifetime.
type LaunchFlags struct {
	SkipPermissions bool
	Resume          string // session id to resume, if any
	Continue        bool
}

// Args returns the flags in their canonical order.
func (f LaunchFlags) Args() []string {
	var args []string
	if f.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if f.Resume != "" {
		args = append(args, "--resume", f.Resume)
	}
	if f.Continue {
		args = append(args, "--continue")
	}
	return args
}

// Command assembles the full worker launch command line.
func (f LaunchFlags) Command(binary string) string {
	parts := append([]string{binary}, f.Args()...)
	return strings.Join(parts, " ")
}

// Session is a handle to one named tmux session hosting the worker.
// The name is deterministic so a restarted relay reattaches to the same
// session instead of orphaning the old worker.
type Session struct {
	Name    string
	WorkDir string

	log *slog.Logger

	captureSf    singleflight.Group
	cacheMu      sync.RWMutex
	cacheContent string
	cacheTime    time.Time
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeName(name string) string {
	return nameSanitizer.ReplaceAllString(name, "_")
}

// NewSession creates a handle for the named session. Nothing is spawned
// until Ensure is called.
func NewSession(name, workDir string) *Session {
	return &Session{
		Name:    SessionPrefix + sanitizeName(name),
		WorkDir: workDir,
		log:     logging.ForComponent(logging.CompSession),
	}
}

// Exists probes tmux for the session. Liveness is never cached: the
// session can die underneath us at any time.
func (s *Session) Exists() bool {
	return runTmux("has-session", "-t", s.Name) == nil
}

// Ensure creates the session if absent and launches the worker inside it.
// Idempotent: an existing session is left untouched. On a failed launch
// the partial session is torn down so the next call starts clean.
func (s *Session) Ensure(launchCmd string) error {
	if s.Exists() {
		return nil
	}

	// The worker learns its own session name from the environment; the
	// mailbox tools need it to address replies.
	if err := runTmux("new-session", "-d", "-s", s.Name, "-c", s.WorkDir,
		"-e", "RELAYDECK_SESSION="+s.Name); err != nil {
		return fmt.Errorf("create session %s: %w", s.Name, err)
	}

	// Large scrollback for worker output; fast escape for TUI workers.
	_ = runTmux("set-option", "-t", s.Name, "history-limit", "10000", ";",
		"set-option", "-t", s.Name, "escape-time", "10")

	if launchCmd != "" {
		if err := s.SendText(launchCmd); err != nil {
			s.log.Error("worker launch failed, tearing down partial session",
				slog.String("session", s.Name), slog.String("error", err.Error()))
			_ = s.Kill()
			return fmt.Errorf("launch worker in %s: %w", s.Name, err)
		}
	}

	s.log.Info("session created",
		slog.String("session", s.Name), slog.String("workdir", s.WorkDir))
	return nil
}

// Kill tears down the session.
func (s *Session) Kill() error {
	if err := runTmux("kill-session", "-t", s.Name); err != nil {
		return fmt.Errorf("kill session %s: %w", s.Name, err)
	}
	s.invalidateCache()
	return nil
}

// Restart kills any existing session and recreates it with the same
// launch command.
func (s *Session) Restart(launchCmd string) error {
	if s.Exists() {
		if err := s.Kill(); err != nil {
			return err
		}
	}
	return s.Ensure(launchCmd)
}

// sendLiteralArgs builds the argument list for the literal-text injection.
// The -l flag stops tmux from interpreting key names, and the standalone
// "--" ends option parsing so text starting with '-' is never read as a
// flag (sending "-help" used to become a tmux option without it).
func sendLiteralArgs(name, text string) []string {
	return []string{"send-keys", "-l", "-t", name, "--", text}
}

// settleDelay scales the post-paste wait with payload size.
func settleDelay(n int) time.Duration {
	d := settleBase + time.Duration(n/settleUnit)*settleStep
	if d > settleMax {
		d = settleMax
	}
	return d
}

// SendText delivers text into the worker as one logical input line:
// literal text first, a size-scaled settle delay, then a C-m carriage
// return (the control code is materially more reliable across line
// editors than the named Enter key). Oversized payloads get a hedging
// second C-m. A failure injecting the text aborts before any terminator
// so stale prior input is never submitted; a failed terminator is
// reported but not retried — the text is already typed and a retry would
// risk double submission.
func (s *Session) SendText(text string) error {
	s.invalidateCache()

	if err := runTmux(sendLiteralArgs(s.Name, text)...); err != nil {
		return fmt.Errorf("inject text into %s: %w", s.Name, err)
	}

	sleep(settleDelay(len(text)))

	if err := runTmux("send-keys", "-t", s.Name, "C-m"); err != nil {
		return fmt.Errorf("text typed but line not submitted in %s: %w", s.Name, err)
	}

	if len(text) > secondEnterThreshold {
		sleep(secondEnterDelay)
		if err := runTmux("send-keys", "-t", s.Name, "C-m"); err != nil {
			// First terminator already went through; log and move on.
			s.log.Warn("second carriage return failed",
				slog.String("session", s.Name), slog.String("error", err.Error()))
		}
	}

	return nil
}

// SendInterrupt sends Ctrl+C to the worker.
func (s *Session) SendInterrupt() error {
	s.invalidateCache()
	return runTmux("send-keys", "-t", s.Name, "C-c")
}

// CapturePane returns the visible pane content. Snapshots are cached
// briefly and concurrent captures are deduplicated through singleflight,
// since pollers and flush handlers tend to scrape at the same time.
func (s *Session) CapturePane() (string, error) {
	if c, ok := s.cachedPane(); ok {
		return c, nil
	}

	v, err, _ := s.captureSf.Do("capture", func() (interface{}, error) {
		if c, ok := s.cachedPane(); ok {
			return c, nil
		}
		// -J joins wrapped lines so long replies hash and parse stably.
		output, err := tmuxOutput("capture-pane", "-t", s.Name, "-p", "-J")
		if err != nil {
			return "", fmt.Errorf("capture pane %s: %w", s.Name, err)
		}
		content := string(output)
		s.cacheMu.Lock()
		s.cacheContent = content
		s.cacheTime = time.Now()
		s.cacheMu.Unlock()
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CaptureHistory returns the pane plus recent scrollback (last 2000 lines).
func (s *Session) CaptureHistory() (string, error) {
	output, err := tmuxOutput("capture-pane", "-t", s.Name, "-p", "-J", "-S", "-2000")
	if err != nil {
		return "", fmt.Errorf("capture history %s: %w", s.Name, err)
	}
	return string(output), nil
}

func (s *Session) cachedPane() (string, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if s.cacheContent != "" && time.Since(s.cacheTime) < paneCacheTTL {
		return s.cacheContent, true
	}
	return "", false
}

func (s *Session) invalidateCache() {
	s.cacheMu.Lock()
	s.cacheContent = ""
	s.cacheTime = time.Time{}
	s.cacheMu.Unlock()
}
