package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/browsermcp/server/cmd/config"
	"github.com/browsermcp/server/lib/cdp"
	"github.com/browsermcp/server/lib/gateway"
	"github.com/browsermcp/server/lib/kinderr"
	"github.com/browsermcp/server/lib/telemetry"
)

// Recovered describes a completed recovery on a tool result.
type Recovered struct {
	Mode         string `json:"mode"`
	OK           bool   `json:"ok"`
	SessionTabID string `json:"sessionTabId,omitempty"`
	RestoredURL  string `json:"restoredUrl,omitempty"`
}

// RecoverReset clears every in-memory cache and stops the Tier-0 buses
// without issuing a single CDP call, so it is safe even when the browser is
// completely unresponsive.
func (m *Manager) RecoverReset() {
	m.buses.StopAll()
	m.stopDownloadWatchers()

	m.telemetryMu.Lock()
	m.telemetry = map[string]*telemetry.TabTelemetry{}
	m.telemetryMu.Unlock()

	m.diagMu.Lock()
	m.diag = map[string]*diagState{}
	m.diagMu.Unlock()

	m.affMu.Lock()
	m.affordances = map[string]*AffordanceMap{}
	m.affMu.Unlock()

	m.navMu.Lock()
	m.nav = map[string]*NavGraph{}
	m.navMu.Unlock()

	m.captchaMu.Lock()
	m.captcha = map[string]map[string]any{}
	m.captchaMu.Unlock()

	m.autoDialog.Reset()
	m.memory.ClearScratch()

	m.sharedMu.Lock()
	if m.sharedSess != nil {
		_ = m.sharedSess.Close()
		m.sharedSess = nil
		m.sharedRefs = 0
	}
	m.sharedMu.Unlock()

	m.logger.Info("session state reset")
}

// Rescue opens a fresh session tab without restarting the browser,
// optionally closing the old one best-effort.
func (m *Manager) Rescue(ctx context.Context, closeOld bool) (string, error) {
	m.mu.Lock()
	old := m.sessionTabID
	m.sessionTabID = ""
	m.mu.Unlock()

	tabID, err := m.ensureSessionTab(ctx)
	if err != nil {
		return "", err
	}
	if closeOld && old != "" && old != tabID {
		m.closeTab(ctx, old)
	}
	return tabID, nil
}

// closeTab is best-effort: a bricked tab may ignore it.
func (m *Manager) closeTab(ctx context.Context, tabID string) {
	closeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	m.mu.Lock()
	client := m.client
	browserConn := m.browserConn
	m.mu.Unlock()

	if m.cfg.Mode() == config.ModeExtension {
		if client != nil {
			_, _ = client.RPCCall(closeCtx, "tabs.close", map[string]any{"tabId": gateway.TabRef(tabID)})
		}
		return
	}
	if browserConn != nil {
		_, _ = browserConn.Send(closeCtx, "Target.closeTarget", map[string]any{"targetId": tabID})
	}
}

// HardRelaunch kills and restarts the browser. Attach mode never restarts
// the user's browser; extension mode has no browser to own.
func (m *Manager) HardRelaunch(ctx context.Context) error {
	if m.cfg.Mode() != config.ModeLaunch {
		return kinderr.New(kinderr.KindPolicy,
			"hard relaunch is only available in launch mode",
			"use a rescue (fresh tab) instead, or restart the browser yourself")
	}
	m.RecoverReset()

	m.mu.Lock()
	instance := m.instance
	browserConn := m.browserConn
	m.instance = nil
	m.browserConn = nil
	m.sessionTabID = ""
	m.mu.Unlock()

	if browserConn != nil {
		browserConn.Abort()
	}
	instance.Kill()

	// Launch walks the port fallback window itself.
	return m.ensureTransport(ctx)
}

// SoftHeal probes a suspicious session and, when the tab is truly bricked,
// resets state and moves to a fresh tab at the last known URL. A nil result
// means the session was healthy and nothing was done.
func (m *Manager) SoftHeal(ctx context.Context, sess *Session) (*Recovered, error) {
	if m.probeConn(ctx, sess.Conn()) {
		if fresh, err := m.dialTab(ctx, sess.TabID()); err == nil {
			healthy := m.probeConn(ctx, fresh)
			_ = fresh.Close()
			if healthy {
				return nil, nil
			}
		}
	}

	restoreURL := sess.LastURL()
	if restoreURL == "" {
		if _, last := m.tabTelemetry(sess.TabID()).DialogOpen(); last != nil {
			restoreURL = last.URL
		}
	}
	brickedTab := sess.TabID()
	sess.Conn().Abort()
	m.RecoverReset()

	m.mu.Lock()
	m.sessionTabID = ""
	m.mu.Unlock()
	m.closeTab(ctx, brickedTab)

	newTab, err := m.ensureSessionTab(ctx)
	if err != nil {
		return &Recovered{Mode: "soft", OK: false}, err
	}
	recovered := &Recovered{Mode: "soft", OK: true, SessionTabID: newTab}
	if restoreURL != "" && restoreURL != "about:blank" {
		if m.restoreURL(ctx, newTab, restoreURL) {
			recovered.RestoredURL = restoreURL
		}
	}
	return recovered, nil
}

// probeConn runs the cheap smoke probe. Only a CDP timeout is treated as a
// brick; other failures are transport problems with their own recovery.
func (m *Manager) probeConn(ctx context.Context, conn cdp.Connection) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := conn.Send(probeCtx, "Runtime.evaluate", map[string]any{
		"expression":    "1",
		"returnByValue": true,
	})
	return !cdp.IsTimeout(err)
}

func (m *Manager) restoreURL(ctx context.Context, tabID, url string) bool {
	conn, err := m.dialTab(ctx, tabID)
	if err != nil {
		return false
	}
	defer conn.Close()
	navCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	raw, err := conn.Send(navCtx, "Page.navigate", map[string]any{"url": url})
	if err != nil {
		return false
	}
	var result struct {
		ErrorText string `json:"errorText"`
	}
	_ = json.Unmarshal(raw, &result)
	return result.ErrorText == ""
}
