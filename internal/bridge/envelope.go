// Package bridge moves worker replies from a filesystem mailbox to the
// chat sink. Workers (hooks, the MCP tool, the reply helper) drop JSON
// envelopes into the mailbox; the poller forwards and deletes them.
// Deletion is the only acknowledgement, so delivery is at-least-once.
package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Envelope types. "text" and "claude-response" are both forwarded as
// plain text; "error" is prefixed so the chat side can tell them apart.
const (
	TypeText           = "text"
	TypeClaudeResponse = "claude-response"
	TypeError          = "error"
)

// Mailbox layout and sizing.
const (
	// maxChunkScan bounds the indexed-file scan per session per tick.
	maxChunkScan = 32
	// splitThreshold is the soft per-chunk payload limit in bytes.
	splitThreshold = 1800
)

// Envelope is one mailbox message. ChunkIndex/TotalChunks are set only
// on multi-chunk payloads and are 1-based.
type Envelope struct {
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type"`
	ChunkIndex  int    `json:"chunkIndex,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
}

// NewEnvelope stamps an envelope with the current time in RFC 3339.
func NewEnvelope(content, typ string) Envelope {
	return Envelope{
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      typ,
	}
}

// LegacyPath is the unindexed single-envelope path for a session.
func LegacyPath(dir, session string) string {
	return filepath.Join(dir, session+".json")
}

// ChunkPath is the 1-based indexed path for one chunk of a session reply.
func ChunkPath(dir, session string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.json", session, index))
}

// writeEnvelope marshals and writes an envelope atomically: a rename is
// the publish step, so the poller never observes a partial file.
func writeEnvelope(path string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".envelope-*")
	if err != nil {
		return fmt.Errorf("create temp envelope: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close envelope: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// readEnvelope parses one mailbox file.
func readEnvelope(path string) (Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope %s: %w", filepath.Base(path), err)
	}
	return env, nil
}
