package bridge

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// Writer is the worker-side half of the mailbox: it publishes reply
// envelopes for the poller to forward. Long payloads are split on line
// boundaries so no chat message ends mid-line.
type Writer struct {
	dir string
}

// NewWriter ensures the mailbox directory exists.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create mailbox dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Write publishes content for a session. A payload under the split
// threshold lands at the unindexed path; longer payloads become indexed
// chunk files, each carrying a "(part i/n)" trailer.
func (w *Writer) Write(session, content, typ string) error {
	chunks := splitContent(content)

	if len(chunks) == 1 {
		return writeEnvelope(LegacyPath(w.dir, session), NewEnvelope(content, typ))
	}
	if len(chunks) > maxChunkScan {
		// The poller never scans past maxChunkScan; fold the tail into
		// the last visible chunk rather than strand it.
		tail := strings.Join(chunks[maxChunkScan-1:], "\n")
		chunks = append(chunks[:maxChunkScan-1], tail)
	}

	total := len(chunks)
	for i, chunk := range chunks {
		env := NewEnvelope(fmt.Sprintf("%s\n(part %d/%d)", chunk, i+1, total), typ)
		env.ChunkIndex = i + 1
		env.TotalChunks = total
		if err := writeEnvelope(ChunkPath(w.dir, session, i+1), env); err != nil {
			return err
		}
	}
	return nil
}

// WriteError publishes an error-typed envelope.
func (w *Writer) WriteError(session, message string) error {
	return w.Write(session, message, TypeError)
}

// splitContent breaks content into chunks at line boundaries, each at
// most splitThreshold bytes. A single line longer than the threshold is
// hard-split at a rune boundary as a last resort.
func splitContent(content string) []string {
	if len(content) <= splitThreshold {
		return []string{content}
	}

	var chunks []string
	var cur strings.Builder
	for _, line := range strings.Split(content, "\n") {
		for len(line) > splitThreshold {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			cut := splitThreshold
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		// +1 for the joining newline.
		if cur.Len() > 0 && cur.Len()+1+len(line) > splitThreshold {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	if len(chunks) == 0 {
		// Content made only of empty lines accumulates nothing above;
		// ship it whole rather than publish no envelope at all.
		return []string{content}
	}
	return chunks
}
