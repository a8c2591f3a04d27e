// Package nativebroker implements the portless transport: a broker process
// launched by the browser extension over Chrome native messaging (length
// prefixed JSON on stdio) that multiplexes server peers connected over unix
// domain sockets with the same framing.
package nativebroker

import (
	"fmt"
	"os"
	"path/filepath"
)

const runtimeSubdir = "browser-mcp"

// RuntimeDir resolves where broker sockets and registry files live:
// explicit override, then XDG_RUNTIME_DIR, then the conventional
// /run/user/<uid> if writable, then a uid-scoped tmp dir.
func RuntimeDir(override string) string {
	if override != "" {
		return override
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, runtimeSubdir)
	}
	uid := os.Getuid()
	inferred := fmt.Sprintf("/run/user/%d/%s", uid, runtimeSubdir)
	if isWritableDir(filepath.Dir(inferred)) {
		return inferred
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("browser-mcp-%d", uid))
}

func isWritableDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(dir, ".browser-mcp-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}

// SocketPath returns the broker socket location for an id.
func SocketPath(dir, brokerID string) string {
	return filepath.Join(dir, "broker-"+brokerID+".sock")
}

// RegistryPath returns the broker registry document location for an id.
func RegistryPath(dir, brokerID string) string {
	return filepath.Join(dir, "broker-"+brokerID+".json")
}
