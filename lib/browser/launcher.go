package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/browsermcp/server/lib/kinderr"
)

const (
	discoverAttempts = 40
	discoverDelay    = 250 * time.Millisecond
	portFallbackSpan = 5
)

var binaryCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
}

// VersionInfo is the interesting subset of /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Target is one entry of /json/list.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Instance is a launched or attached browser endpoint.
type Instance struct {
	Host    string
	Port    int
	Version VersionInfo
	// Cmd is non-nil only when this process spawned the browser.
	Cmd *exec.Cmd
}

// BrowserWSURL returns the browser-level CDP endpoint.
func (i *Instance) BrowserWSURL() string { return i.Version.WebSocketDebuggerURL }

// PageWSURL returns the per-target CDP endpoint for a target id.
func (i *Instance) PageWSURL(targetID string) string {
	return fmt.Sprintf("ws://%s/devtools/page/%s", net.JoinHostPort(i.Host, strconv.Itoa(i.Port)), targetID)
}

// Options configures Launch and Attach.
type Options struct {
	Binary  string
	Profile string
	Port    int
	// ExtraFlags is a space-delimited base flag string; OverlayPath points at
	// an optional JSON overlay merged over it.
	ExtraFlags  string
	OverlayPath string
	Headless    bool
	Logger      *slog.Logger
}

// Attach discovers an already-running browser's CDP endpoint without
// spawning anything.
func Attach(ctx context.Context, host string, port int, logger *slog.Logger) (*Instance, error) {
	version, err := discover(ctx, host, port)
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindTransport,
			fmt.Sprintf("no browser is listening for debugging on port %d", port),
			"start the browser with --remote-debugging-port, or switch to launch mode")
	}
	return &Instance{Host: host, Port: port, Version: *version}, nil
}

// Launch spawns a browser with remote debugging enabled. When the requested
// port is taken it walks forward through a small fallback window.
func Launch(ctx context.Context, opts Options) (*Instance, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	binary, err := resolveBinary(opts.Binary)
	if err != nil {
		return nil, err
	}
	overlay, err := ReadOverlay(opts.OverlayPath)
	if err != nil {
		return nil, fmt.Errorf("read flag overlay: %w", err)
	}
	merged := MergeFlags(ParseFlags(opts.ExtraFlags), overlay)

	var lastErr error
	for port := opts.Port; port < opts.Port+portFallbackSpan; port++ {
		if !portFree(port) {
			lastErr = fmt.Errorf("port %d is in use", port)
			continue
		}
		instance, err := launchOn(ctx, binary, port, merged, opts, logger)
		if err != nil {
			lastErr = err
			continue
		}
		return instance, nil
	}
	return nil, kinderr.Wrap(lastErr, kinderr.KindTransport,
		"failed to launch the browser on any candidate debugging port",
		"free the configured port or set MCP_BROWSER_PORT")
}

func launchOn(ctx context.Context, binary string, port int, merged []string, opts Options, logger *slog.Logger) (*Instance, error) {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--remote-allow-origins=*",
		"--no-first-run",
		"--password-store=basic",
	}
	if opts.Headless {
		args = append([]string{"--headless=new"}, args...)
	}
	if opts.Profile != "" {
		args = append(args, "--user-data-dir="+opts.Profile)
	}
	args = append(args, merged...)

	cmd := exec.Command(binary, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logger.Info("launched browser", "binary", filepath.Base(binary), "port", port, "pid", cmd.Process.Pid)

	version, err := discover(ctx, "127.0.0.1", port)
	if err != nil {
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return nil, err
	}
	return &Instance{Host: "127.0.0.1", Port: port, Version: *version, Cmd: cmd}, nil
}

// Kill force-terminates a launched browser. Attached browsers are left alone.
func (i *Instance) Kill() {
	if i == nil || i.Cmd == nil || i.Cmd.Process == nil {
		return
	}
	_ = i.Cmd.Process.Kill()
	go func() { _ = i.Cmd.Wait() }()
}

// discover polls /json/version until the debugging endpoint answers.
func discover(ctx context.Context, host string, port int) (*VersionInfo, error) {
	base := "http://" + net.JoinHostPort(host, strconv.Itoa(port))
	var version VersionInfo
	err := retry.New(
		retry.Attempts(discoverAttempts),
		retry.Delay(discoverDelay),
		retry.MaxDelay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	).Do(func() error {
		return fetchJSON(ctx, base+"/json/version", &version)
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// Targets lists the browser's open debuggable targets.
func (i *Instance) Targets(ctx context.Context) ([]Target, error) {
	base := "http://" + net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
	var targets []Target
	if err := fetchJSON(ctx, base+"/json/list", &targets); err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindTransport,
			"failed to list browser targets", "the browser may have exited")
	}
	return targets, nil
}

func fetchJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func portFree(port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

func resolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			return configured, nil
		}
		if resolved, err := exec.LookPath(configured); err == nil {
			return resolved, nil
		}
		return "", kinderr.New(kinderr.KindNotConfigured,
			fmt.Sprintf("browser binary %q not found", configured),
			"set MCP_BROWSER_BINARY to an installed Chromium or Chrome")
	}
	for _, candidate := range binaryCandidates {
		if resolved, err := exec.LookPath(candidate); err == nil {
			return resolved, nil
		}
	}
	return "", kinderr.New(kinderr.KindNotConfigured,
		"no Chromium or Chrome binary found on PATH",
		"install one or set MCP_BROWSER_BINARY")
}
