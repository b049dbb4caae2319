package claudehooks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readHooks(t *testing.T, dir string) map[string][]hookMatcher {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	var settings struct {
		Hooks map[string][]hookMatcher `json:"hooks"`
	}
	require.NoError(t, json.Unmarshal(data, &settings))
	return settings.Hooks
}

func TestInstallFreshSettings(t *testing.T) {
	dir := t.TempDir()

	changed, err := Install(dir, 8377)
	require.NoError(t, err)
	assert.True(t, changed)

	hooks := readHooks(t, dir)
	for _, event := range []string{"Stop", "SubagentStop"} {
		require.Len(t, hooks[event], 1, event)
		require.Len(t, hooks[event][0].Hooks, 1, event)
		entry := hooks[event][0].Hooks[0]
		assert.Equal(t, "http", entry.Type)
		assert.Equal(t, "http://127.0.0.1:8377/hooks", entry.URL)
	}

	assert.True(t, Installed(dir, 8377))
}

func TestInstallIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	changed, err := Install(dir, 8377)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = Install(dir, 8377)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestInstallRewritesStalePort(t *testing.T) {
	dir := t.TempDir()

	_, err := Install(dir, 8377)
	require.NoError(t, err)

	changed, err := Install(dir, 9000)
	require.NoError(t, err)
	assert.True(t, changed)

	assert.True(t, Installed(dir, 9000))
	assert.False(t, Installed(dir, 8377))

	// The stale entry must be replaced, not accumulated.
	hooks := readHooks(t, dir)
	require.Len(t, hooks["Stop"][0].Hooks, 1)
}

func TestInstallPreservesUserHooks(t *testing.T) {
	dir := t.TempDir()
	existing := `{
  "model": "opus",
  "hooks": {
    "Stop": [{"hooks": [{"type": "command", "command": "notify-send done"}]}],
    "PreToolUse": [{"matcher": "Bash", "hooks": [{"type": "command", "command": "audit.sh"}]}]
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(existing), 0644))

	changed, err := Install(dir, 8377)
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	var settings map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &settings))
	assert.JSONEq(t, `"opus"`, string(settings["model"]))

	hooks := readHooks(t, dir)
	require.Len(t, hooks["Stop"], 1)
	require.Len(t, hooks["Stop"][0].Hooks, 2)
	assert.Equal(t, "notify-send done", hooks["Stop"][0].Hooks[0].Command)
	assert.Equal(t, "http://127.0.0.1:8377/hooks", hooks["Stop"][0].Hooks[1].URL)
	require.Len(t, hooks["PreToolUse"], 1)
}

func TestRemoveStripsOnlyManagedEntries(t *testing.T) {
	dir := t.TempDir()
	existing := `{
  "hooks": {
    "Stop": [{"hooks": [{"type": "command", "command": "notify-send done"}]}]
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(existing), 0644))

	_, err := Install(dir, 8377)
	require.NoError(t, err)

	removed, err := Remove(dir)
	require.NoError(t, err)
	assert.True(t, removed)

	hooks := readHooks(t, dir)
	require.Len(t, hooks["Stop"], 1)
	require.Len(t, hooks["Stop"][0].Hooks, 1)
	assert.Equal(t, "notify-send done", hooks["Stop"][0].Hooks[0].Command)
	assert.NotContains(t, hooks, "SubagentStop")

	removed, err = Remove(dir)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveMissingFile(t *testing.T) {
	removed, err := Remove(t.TempDir())
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestInstallRefusesUnparseableSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), 0644))

	_, err := Install(dir, 8377)
	require.Error(t, err)
}
