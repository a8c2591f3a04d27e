package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/browsermcp/server/lib/cdp"
)

// dialogAttemptInterval rate-limits handling to one attempt per tab.
const dialogAttemptInterval = 500 * time.Millisecond

// DialFunc opens a short-lived CDP connection to a tab. The auto-dialog
// worker cannot reuse the main session connection: that one is usually the
// thing the dialog bricked.
type DialFunc func(ctx context.Context, tabID string) (cdp.Connection, error)

// AutoDialog handles JS dialogs out of band while the main tool call is
// blocked. A tab opts in with a mode; dialog-open events then trigger a
// bounded background worker.
type AutoDialog struct {
	logger *slog.Logger
	dial   DialFunc

	mu          sync.Mutex
	modes       map[string]string // tabID -> accept | dismiss
	lastAttempt map[string]time.Time
}

// NewAutoDialog creates the worker. dial is invoked per handling attempt.
func NewAutoDialog(dial DialFunc, logger *slog.Logger) *AutoDialog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoDialog{
		logger:      logger,
		dial:        dial,
		modes:       map[string]string{},
		lastAttempt: map[string]time.Time{},
	}
}

// SetMode arms or disarms auto-handling for a tab. Mode must be "accept" or
// "dismiss"; anything else disarms.
func (a *AutoDialog) SetMode(tabID, mode string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if mode != "accept" && mode != "dismiss" {
		delete(a.modes, tabID)
		return
	}
	a.modes[tabID] = mode
}

// Mode returns the armed mode for a tab, if any.
func (a *AutoDialog) Mode(tabID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mode, ok := a.modes[tabID]
	return mode, ok
}

// Reset disarms every tab and clears the rate-limit state.
func (a *AutoDialog) Reset() {
	a.mu.Lock()
	a.modes = map[string]string{}
	a.lastAttempt = map[string]time.Time{}
	a.mu.Unlock()
}

// OnDialogOpen is wired as the TabTelemetry dialog handler. It spawns one
// bounded attempt when the tab is armed and the rate limit allows.
func (a *AutoDialog) OnDialogOpen(tabID string) {
	a.mu.Lock()
	mode, armed := a.modes[tabID]
	if !armed {
		a.mu.Unlock()
		return
	}
	if last, ok := a.lastAttempt[tabID]; ok && time.Since(last) < dialogAttemptInterval {
		a.mu.Unlock()
		return
	}
	a.lastAttempt[tabID] = time.Now()
	a.mu.Unlock()

	go a.handle(tabID, mode)
}

// handle opens a fresh connection and dispatches the dialog.
func (a *AutoDialog) handle(tabID, mode string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := a.dial(ctx, tabID)
	if err != nil {
		a.logger.Debug("auto-dialog dial failed", "tab", tabID, "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Send(ctx, "Page.enable", nil); err != nil {
		a.logger.Debug("auto-dialog Page.enable failed", "tab", tabID, "err", err)
	}
	accept := mode == "accept"
	if _, err := conn.Send(ctx, "Page.handleJavaScriptDialog", map[string]any{"accept": accept}); err != nil {
		a.logger.Debug("auto-dialog handle failed", "tab", tabID, "err", err)
		return
	}
	a.logger.Info("auto-handled javascript dialog", "tab", tabID, "mode", mode)
}
