// Package claudehooks manages the hook entries in Claude Code's
// settings.json that make the worker notify the relay's control server
// when a turn completes. Without them the relay only learns about
// finished turns through the reply-wait timeout.
package claudehooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// hookEvents are the worker events the relay subscribes to. Stop fires
// when the main agent finishes a turn, SubagentStop when a subagent does.
var hookEvents = []string{"Stop", "SubagentStop"}

// managedURLRE identifies hook entries owned by relaydeck, regardless of
// which port a previous run was configured with.
var managedURLRE = regexp.MustCompile(`^http://127\.0\.0\.1:\d{1,5}/hooks$`)

func hookURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/hooks", port)
}

type hookEntry struct {
	Type    string `json:"type"`
	URL     string `json:"url,omitempty"`
	Command string `json:"command,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

func managed(h hookEntry) bool {
	return h.Type == "http" && managedURLRE.MatchString(h.URL)
}

// Install writes http hook entries for the relay's control server into
// settings.json under configDir. Existing user hooks are preserved; a
// relay entry pointing at a stale port is rewritten. Returns true when
// the file was modified.
func Install(configDir string, port int) (bool, error) {
	settings, hooks, err := readSettings(configDir)
	if err != nil {
		return false, err
	}

	url := hookURL(port)
	changed := false
	for _, event := range hookEvents {
		merged, didChange := mergeEvent(hooks[event], url)
		if didChange {
			hooks[event] = merged
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	return true, writeSettings(configDir, settings, hooks)
}

// Remove strips relay-owned hook entries from settings.json. Returns
// true when any were found and removed. A missing file is not an error.
func Remove(configDir string) (bool, error) {
	settings, hooks, err := readSettings(configDir)
	if err != nil {
		return false, err
	}
	if len(hooks) == 0 {
		return false, nil
	}

	removed := false
	for _, event := range hookEvents {
		raw, ok := hooks[event]
		if !ok {
			continue
		}
		cleaned, didRemove := stripManaged(raw)
		if !didRemove {
			continue
		}
		removed = true
		if cleaned == nil {
			delete(hooks, event)
		} else {
			hooks[event] = cleaned
		}
	}
	if !removed {
		return false, nil
	}
	return true, writeSettings(configDir, settings, hooks)
}

// Installed reports whether every subscribed event carries a relay hook
// pointing at the given port.
func Installed(configDir string, port int) bool {
	_, hooks, err := readSettings(configDir)
	if err != nil {
		return false
	}
	url := hookURL(port)
	for _, event := range hookEvents {
		if !eventHasURL(hooks[event], url) {
			return false
		}
	}
	return true
}

// readSettings parses settings.json into the raw top-level map plus the
// decoded hooks section. A missing file yields empty maps; a file that
// fails to parse is an error (never clobber user settings we can't read).
func readSettings(configDir string) (map[string]json.RawMessage, map[string]json.RawMessage, error) {
	settingsPath := filepath.Join(configDir, "settings.json")
	settings := make(map[string]json.RawMessage)
	hooks := make(map[string]json.RawMessage)

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, hooks, nil
		}
		return nil, nil, fmt.Errorf("read settings.json: %w", err)
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, nil, fmt.Errorf("parse settings.json: %w", err)
	}
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil {
			// hooks key exists but isn't an object; treat as empty
			hooks = make(map[string]json.RawMessage)
		}
	}
	return settings, hooks, nil
}

// writeSettings folds the hooks section back into the settings map and
// atomically replaces settings.json.
func writeSettings(configDir string, settings, hooks map[string]json.RawMessage) error {
	settingsPath := filepath.Join(configDir, "settings.json")

	if len(hooks) == 0 {
		delete(settings, "hooks")
	} else {
		raw, err := json.Marshal(hooks)
		if err != nil {
			return fmt.Errorf("marshal hooks: %w", err)
		}
		settings["hooks"] = raw
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmpPath := settingsPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write settings.json.tmp: %w", err)
	}
	if err := os.Rename(tmpPath, settingsPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace settings.json: %w", err)
	}
	return nil
}

// mergeEvent ensures one relay hook entry with the given URL exists in the
// event's matcher array, removing any stale relay entries first. User
// entries are kept as-is. Returns the updated JSON and whether it changed.
func mergeEvent(existing json.RawMessage, url string) (json.RawMessage, bool) {
	var matchers []hookMatcher
	if existing != nil {
		if err := json.Unmarshal(existing, &matchers); err != nil {
			matchers = nil
		}
	}

	changed := false
	upToDate := false
	var kept []hookMatcher
	for _, m := range matchers {
		var entries []hookEntry
		for _, h := range m.Hooks {
			if managed(h) {
				if h.URL == url && !upToDate {
					upToDate = true
					entries = append(entries, h)
				} else {
					changed = true // stale port or duplicate
				}
				continue
			}
			entries = append(entries, h)
		}
		if len(entries) > 0 {
			m.Hooks = entries
			kept = append(kept, m)
		} else if len(m.Hooks) > 0 {
			changed = true
		}
	}

	if !upToDate {
		entry := hookEntry{Type: "http", URL: url, Timeout: 5}
		if len(kept) > 0 && kept[0].Matcher == "" {
			kept[0].Hooks = append(kept[0].Hooks, entry)
		} else {
			kept = append(kept, hookMatcher{Hooks: []hookEntry{entry}})
		}
		changed = true
	}
	if !changed {
		return existing, false
	}
	result, _ := json.Marshal(kept)
	return result, true
}

// stripManaged removes relay-owned entries from an event's matcher array.
// Returns nil JSON when nothing survives.
func stripManaged(raw json.RawMessage) (json.RawMessage, bool) {
	var matchers []hookMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return raw, false
	}

	removed := false
	var kept []hookMatcher
	for _, m := range matchers {
		var entries []hookEntry
		for _, h := range m.Hooks {
			if managed(h) {
				removed = true
				continue
			}
			entries = append(entries, h)
		}
		if len(entries) > 0 {
			m.Hooks = entries
			kept = append(kept, m)
		}
	}
	if !removed {
		return raw, false
	}
	if len(kept) == 0 {
		return nil, true
	}
	result, _ := json.Marshal(kept)
	return result, true
}

func eventHasURL(raw json.RawMessage, url string) bool {
	var matchers []hookMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return false
	}
	for _, m := range matchers {
		for _, h := range m.Hooks {
			if h.Type == "http" && h.URL == url {
				return true
			}
		}
	}
	return false
}
