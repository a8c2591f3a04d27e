package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKeyValidation(t *testing.T) {
	m := NewAgentMemory("", 0, nil)
	for _, bad := range []string{"", "has space", "weird/slash", "a\nb", string(make([]byte, 200))} {
		_, err := m.Set(bad, 1, false)
		require.Error(t, err, "key %q", bad)
	}
	_, err := m.Set("cart.lastOrder_1-x", "ok", false)
	require.NoError(t, err)
}

func TestMemoryValueByteCap(t *testing.T) {
	m := NewAgentMemory("", 32, nil)
	_, err := m.Set("small", "fits", false)
	require.NoError(t, err)

	_, err = m.Set("big", map[string]any{"blob": string(make([]byte, 100))}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cap is 32")
}

func TestMemorySensitiveKeyNeedsOptIn(t *testing.T) {
	m := NewAgentMemory("", 0, nil)

	_, err := m.Set("apiToken", "s3cret", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sensitive")

	entry, err := m.Set("apiToken", "s3cret", true)
	require.NoError(t, err)
	assert.True(t, entry.Sensitive)
}

func TestMemoryPersistSkipsSensitive(t *testing.T) {
	dir := t.TempDir()
	m := NewAgentMemory(dir, 0, nil)
	_, err := m.Set("favoriteStore", "acme", false)
	require.NoError(t, err)
	_, err = m.Set("sessionCookie", "abc123", true)
	require.NoError(t, err)

	path := filepath.Join(dir, "agent_memory.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "favoriteStore")
	assert.NotContains(t, string(data), "abc123")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A fresh store sees only the durable entry.
	reloaded := NewAgentMemory(dir, 0, nil)
	_, ok := reloaded.Get("favoriteStore")
	assert.True(t, ok)
	_, ok = reloaded.Get("sessionCookie")
	assert.False(t, ok)
}

func TestMemoryClearScratch(t *testing.T) {
	m := NewAgentMemory("", 0, nil)
	_, err := m.Set("accessToken", "Bearer x", true)
	require.NoError(t, err)
	_, err = m.Set("lastSearch", "shoes", false)
	require.NoError(t, err)

	m.ClearScratch()
	_, ok := m.Get("accessToken")
	assert.False(t, ok)
	_, ok = m.Get("lastSearch")
	assert.True(t, ok)
	assert.Equal(t, []string{"lastSearch"}, m.Keys())
}

func TestMemoryIgnoresCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent_memory.json"), []byte("{nope"), 0o600))
	m := NewAgentMemory(dir, 0, nil)
	assert.Empty(t, m.Keys())
	// And the store still works after the bad load.
	_, err := m.Set("k", "v", false)
	require.NoError(t, err)
}
