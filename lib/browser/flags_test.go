package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	assert.Empty(t, ParseFlags(""))
	assert.Empty(t, ParseFlags("   "))
	assert.Equal(t, []string{"--a", "--b=1"}, ParseFlags("  --a   --b=1 "))
}

func TestMergeFlagsDedupAndOrder(t *testing.T) {
	merged := MergeFlags(
		ParseFlags("--a --b=1 --a"),
		ParseFlags("--b=1 --c"),
	)
	assert.Equal(t, []string{"--a", "--b=1", "--c"}, merged)
}

func TestMergeFlagsExtensionUnion(t *testing.T) {
	merged := MergeFlags(
		ParseFlags("--load-extension=/ext/a --disable-extensions-except=/ext/a"),
		ParseFlags("--load-extension=/ext/b,/ext/a"),
	)
	assert.Contains(t, merged, "--load-extension=/ext/a,/ext/b")
	assert.Contains(t, merged, "--disable-extensions-except=/ext/a")
}

func TestMergeFlagsDisableSemantics(t *testing.T) {
	// Overlay --disable-extensions wins over everything.
	merged := MergeFlags(
		ParseFlags("--load-extension=/ext/a"),
		ParseFlags("--disable-extensions"),
	)
	assert.Equal(t, []string{"--disable-extensions"}, merged)

	// Base disable survives when the overlay loads nothing.
	merged = MergeFlags(
		ParseFlags("--disable-extensions --foo"),
		ParseFlags("--bar"),
	)
	assert.Equal(t, []string{"--foo", "--bar", "--disable-extensions"}, merged)

	// Base disable is overridden when the overlay loads an extension.
	merged = MergeFlags(
		ParseFlags("--disable-extensions"),
		ParseFlags("--load-extension=/ext/a"),
	)
	assert.Equal(t, []string{"--load-extension=/ext/a"}, merged)
}

func TestOverlayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")

	// Missing file is an empty overlay.
	tokens, err := ReadOverlay(path)
	require.NoError(t, err)
	assert.Nil(t, tokens)

	require.NoError(t, WriteOverlay(path, []string{" --a ", "", "--b=1"}))
	tokens, err = ReadOverlay(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"--a", "--b=1"}, tokens)
}

func TestOverlayRejectsMissingFlagsArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, WriteOverlay(path, []string{"--a"}))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"other": []}`), 0o644))
	_, err := ReadOverlay(bad)
	assert.Error(t, err)
}
