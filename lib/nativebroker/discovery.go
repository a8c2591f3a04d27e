package nativebroker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/browsermcp/server/lib/gateway"
	"github.com/browsermcp/server/lib/kinderr"
	"github.com/browsermcp/server/lib/policy"
)

const probeTimeout = 750 * time.Millisecond

// DiscoveryOptions narrows which broker to pick.
type DiscoveryOptions struct {
	// Dir overrides the runtime directory scanned for registries.
	Dir string
	// SocketOverride skips discovery entirely and names the socket.
	SocketOverride string
	// IDOverride restricts the scan to one broker id (pre-sanitization
	// spelling is accepted).
	IDOverride string
	Logger     *slog.Logger
}

// ErrNoBroker is returned when no live broker socket can be found.
var ErrNoBroker = kinderr.New(kinderr.KindNotConfigured,
	"no native broker is running",
	"open the browser with the extension installed, or set the gateway transport instead")

// DiscoverBroker finds the best live broker socket: the explicit override if
// set, otherwise the newest registry in the runtime dir whose socket accepts
// a connection.
func DiscoverBroker(opts DiscoveryOptions) (string, error) {
	if opts.SocketOverride != "" {
		if !socketAlive(opts.SocketOverride) {
			return "", kinderr.New(kinderr.KindTransport,
				"the configured native broker socket is not accepting connections",
				"check that the broker process behind it is still running")
		}
		return opts.SocketOverride, nil
	}

	dir := RuntimeDir(opts.Dir)
	regs, err := scanRegistries(dir, opts.IDOverride, opts.Logger)
	if err != nil {
		return "", err
	}
	// Newest broker wins; a relaunched browser supersedes its predecessor.
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].BrokerStartedAtMs > regs[j].BrokerStartedAtMs
	})
	for _, reg := range regs {
		if socketAlive(reg.SocketPath) {
			return reg.SocketPath, nil
		}
	}
	return "", ErrNoBroker
}

// WaitForBroker blocks until a broker appears, watching the runtime dir for
// registry writes so startup races resolve without polling storms.
func WaitForBroker(ctx context.Context, opts DiscoveryOptions, timeout time.Duration) (string, error) {
	if path, err := DiscoverBroker(opts); err == nil {
		return path, nil
	}

	dir := RuntimeDir(opts.Dir)
	_ = os.MkdirAll(dir, 0o700)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(dir); err != nil {
			watcher = nil
		}
	} else {
		watcher = nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	// Fallback ticker covers registries written before the watch started and
	// platforms where the watch is unreliable.
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	var watchEvents chan fsnotify.Event
	if watcher != nil {
		watchEvents = watcher.Events
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", kinderr.New(kinderr.KindTimeout,
				"timed out waiting for a native broker to appear",
				"open the browser with the extension installed")
		case ev := <-watchEvents:
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
		case <-tick.C:
		}
		if path, err := DiscoverBroker(opts); err == nil {
			return path, nil
		}
	}
}

// scanRegistries reads every broker-*.json in dir, dropping malformed files
// and protocol mismatches.
func scanRegistries(dir, idFilter string, logger *slog.Logger) ([]Registry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "broker-*.json"))
	if err != nil {
		return nil, err
	}
	var wantID string
	if idFilter != "" {
		wantID = policy.SanitizeBrokerID(idFilter)
	}
	regs := make([]Registry, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var reg Registry
		if err := json.Unmarshal(data, &reg); err != nil {
			if logger != nil {
				logger.Debug("skipping malformed broker registry", "path", path)
			}
			continue
		}
		if reg.Type != registryType || reg.ProtocolVersion != gateway.ProtocolVersion {
			continue
		}
		if wantID != "" && reg.BrokerID != wantID {
			continue
		}
		if reg.SocketPath == "" {
			reg.SocketPath = SocketPath(dir, reg.BrokerID)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// socketAlive probes that something is accepting on the socket. A registry
// file can outlive its broker across a crash.
func socketAlive(path string) bool {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
