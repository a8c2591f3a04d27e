package nativebroker

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// AutoLaunchOptions configures the best-effort browser spawn used when no
// broker can be discovered.
type AutoLaunchOptions struct {
	// Enabled gates the whole feature; when false AutoLaunch is a no-op.
	Enabled bool
	// Binary is the browser executable; candidates are probed when empty.
	Binary string
	// Profile is passed as --profile-directory when set.
	Profile string
	// Dir overrides the runtime directory (lock placement).
	Dir    string
	Logger *slog.Logger
}

var browserCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
}

// AutoLaunch spawns a browser so its extension starts a broker, then waits
// for the broker to appear. Only one process launches at a time; losers of
// the lock just wait. The spawn is heuristic: an already-running browser may
// swallow the invocation, so callers treat failure as routine.
func AutoLaunch(ctx context.Context, opts AutoLaunchOptions, wait time.Duration) (string, error) {
	if !opts.Enabled {
		return "", ErrNoBroker
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	discovery := DiscoveryOptions{Dir: opts.Dir, Logger: logger}
	if path, err := DiscoverBroker(discovery); err == nil {
		return path, nil
	}

	lock := flock.New(filepath.Join(RuntimeDir(opts.Dir), "autolaunch.lock"))
	locked, err := lock.TryLock()
	if err != nil || locked {
		if err != nil {
			// Advisory locking unavailable; proceed as if we won.
			logger.Debug("autolaunch lock unavailable, launching anyway", "err", err)
		}
		if locked {
			defer func() { _ = lock.Unlock() }()
		}
		if spawnErr := spawnBrowser(opts, logger); spawnErr != nil {
			logger.Warn("browser auto-launch failed", "err", spawnErr)
		}
	} else {
		logger.Info("another process is auto-launching the browser, waiting")
	}

	return WaitForBroker(ctx, discovery, wait)
}

func spawnBrowser(opts AutoLaunchOptions, logger *slog.Logger) error {
	binary := opts.Binary
	if binary == "" {
		for _, candidate := range browserCandidates {
			if resolved, err := exec.LookPath(candidate); err == nil {
				binary = resolved
				break
			}
		}
	}
	if binary == "" {
		return ErrNoBroker
	}
	args := []string{"--no-first-run"}
	if opts.Profile != "" {
		args = append(args, "--profile-directory="+opts.Profile)
	}
	cmd := exec.Command(binary, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	logger.Info("auto-launched browser", "binary", binary, "pid", cmd.Process.Pid)
	// Reap the child when it eventually exits.
	go func() { _ = cmd.Wait() }()
	return nil
}
