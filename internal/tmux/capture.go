package tmux

import (
	"regexp"
	"strings"
)

// Reply extraction is a heuristic over raw scrollback, not a grammar: the
// worker's reply is whatever non-noise text sits between the last two
// input-prompt lines. Any change to the worker's UI can silently break it,
// which is why the bridge mailbox exists as the preferred path.

// spinnerChars are the braille + asterisk progress glyphs Claude Code cycles
// through while working.
var spinnerChars = []string{
	"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
	"✳", "✽", "✶", "✻", "✢", "·",
}

// tokenCounterPattern matches the live token/duration readout,
// e.g. "Thinking… (45s · 1.2k tokens · esc to interrupt)".
var tokenCounterPattern = regexp.MustCompile(`\d[\d.,k]*\s*tokens`)

// timestampLinePattern matches bracketed-timestamp diagnostic lines,
// e.g. "[12:03:45] reconnecting…".
var timestampLinePattern = regexp.MustCompile(`^\[\d{1,2}:\d{2}(:\d{2})?[^\]]*\]`)

// isPromptMarker reports whether a line is part of the worker's input
// prompt. Claude Code renders "❯" in menus and a bare "> " input box;
// inside a bordered box the prompt shows as "│ >".
func isPromptMarker(line string) bool {
	trimmed := strings.TrimSpace(StripANSI(line))
	if trimmed == ">" || strings.HasPrefix(trimmed, "> ") {
		return true
	}
	if strings.Contains(trimmed, "❯") {
		return true
	}
	return strings.Contains(trimmed, "│ >")
}

// isNoise reports whether a line is UI chrome rather than reply content.
func isNoise(line string) bool {
	trimmed := strings.TrimSpace(StripANSI(line))
	if trimmed == "" {
		return false // blank lines inside a reply are kept
	}

	for _, spinner := range spinnerChars {
		if strings.HasPrefix(trimmed, spinner) {
			return true
		}
	}

	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "esc to interrupt") ||
		strings.Contains(lower, "ctrl+c to interrupt") ||
		strings.Contains(lower, "? for shortcuts") ||
		strings.Contains(lower, "shift+tab to cycle") {
		return true
	}

	if tokenCounterPattern.MatchString(lower) {
		return true
	}

	if timestampLinePattern.MatchString(trimmed) {
		return true
	}

	// "⎿" prefixes tool-result brackets in the worker UI.
	if strings.HasPrefix(trimmed, "⎿") {
		return true
	}

	return isBoxDrawingOnly(trimmed)
}

// isBoxDrawingOnly reports whether a line consists solely of box-drawing
// and separator characters (pane borders, prompt bars).
func isBoxDrawingOnly(s string) bool {
	seen := false
	for _, r := range s {
		switch r {
		case '─', '━', '═', '╌', '╍', '┄', '┅', '┈', '┉',
			'│', '┃', '╭', '╮', '╯', '╰', '┌', '┐', '└', '┘', ' ':
			seen = true
		default:
			return false
		}
	}
	return seen
}

// ExtractReply isolates the worker's latest reply from a pane snapshot.
// With two or more prompt markers the reply is the non-noise text strictly
// between the last two; with exactly one it is everything non-noise after
// it; with none there is nothing to extract and the result is empty —
// ambiguity is an empty reply, never an error.
func ExtractReply(snapshot string) string {
	lines := strings.Split(snapshot, "\n")

	var markers []int
	for i, line := range lines {
		if isPromptMarker(line) {
			markers = append(markers, i)
		}
	}

	var region []string
	switch {
	case len(markers) >= 2:
		region = lines[markers[len(markers)-2]+1 : markers[len(markers)-1]]
	case len(markers) == 1:
		region = lines[markers[0]+1:]
	default:
		return ""
	}

	var kept []string
	for _, line := range region {
		if isNoise(line) {
			continue
		}
		kept = append(kept, strings.TrimRight(StripANSI(line), " \t"))
	}

	result := strings.TrimSpace(strings.Join(kept, "\n"))

	// Collapse runs of blank lines left behind by removed chrome.
	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return result
}
