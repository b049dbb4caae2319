package tmux

import "strings"

// StripANSI removes ANSI escape codes from content. Pane captures carry
// color and cursor sequences that would break line matching.
func StripANSI(content string) string {
	result := content

	// CSI sequences: ESC [ ... final-letter
	for {
		start := strings.Index(result, "\x1b[")
		if start == -1 {
			break
		}
		end := start + 2
		for end < len(result) {
			c := result[end]
			if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
				end++
				break
			}
			end++
		}
		result = result[:start] + result[end:]
	}

	// OSC sequences: ESC ] ... BEL
	for {
		start := strings.Index(result, "\x1b]")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "\x07")
		if end == -1 {
			break
		}
		result = result[:start] + result[start+end+1:]
	}

	return result
}
