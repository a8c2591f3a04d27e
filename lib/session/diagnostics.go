package session

import (
	"context"
	"encoding/json"
	"time"
)

// diagCacheTTL bounds how often the in-page probe re-runs.
const diagCacheTTL = 10 * time.Second

// diagProbe checks availability with a strict boolean: truthy stand-ins
// (an injected object, the string "true") must not pass.
const diagProbe = `window.__browserMcpDiagnostics === true`

// diagScript is the Tier-1 in-page instrumentation installed on new
// documents: a marker plus lightweight capture of unhandled rejections,
// which never surface through CDP's exceptionThrown on some sites.
const diagScript = `(() => {
  if (window.__browserMcpDiagnostics === true) return;
  try {
    window.__browserMcpRejections = [];
    window.addEventListener('unhandledrejection', (e) => {
      try {
        const msg = e && e.reason ? String(e.reason.message || e.reason) : 'unhandled rejection';
        window.__browserMcpRejections.push({ ts: Date.now(), message: msg.slice(0, 500) });
        if (window.__browserMcpRejections.length > 50) window.__browserMcpRejections.shift();
      } catch (_) {}
    });
    window.__browserMcpDiagnostics = true;
  } catch (_) {}
})();`

type diagState struct {
	checkedAt time.Time
	ok        bool
}

// ensureDiagnostics installs the Tier-1 script when the strict probe says it
// is missing. Probe results are cached for a short window; a stale cache
// re-check that fails forces reinjection.
func (m *Manager) ensureDiagnostics(ctx context.Context, sess *Session) error {
	tabID := sess.TabID()
	m.diagMu.Lock()
	state := m.diag[tabID]
	if state != nil && state.ok && time.Since(state.checkedAt) < diagCacheTTL {
		m.diagMu.Unlock()
		return nil
	}
	m.diagMu.Unlock()

	available := m.probeDiagnostics(ctx, sess)
	if !available {
		if _, err := sess.Conn().Send(ctx, "Page.addScriptToEvaluateOnNewDocument",
			map[string]any{"source": diagScript}); err != nil {
			return err
		}
		// Install into the already-loaded document too.
		if _, err := sess.Conn().Send(ctx, "Runtime.evaluate",
			map[string]any{"expression": diagScript}); err != nil {
			return err
		}
		available = m.probeDiagnostics(ctx, sess)
	}

	m.diagMu.Lock()
	m.diag[tabID] = &diagState{checkedAt: time.Now(), ok: available}
	m.diagMu.Unlock()
	return nil
}

// probeDiagnostics evaluates the strict marker check. Only a boolean true
// counts; anything else (including errors) is unavailable.
func (m *Manager) probeDiagnostics(ctx context.Context, sess *Session) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	raw, err := sess.Conn().Send(probeCtx, "Runtime.evaluate", map[string]any{
		"expression":    diagProbe,
		"returnByValue": true,
	})
	if err != nil {
		return false
	}
	var result struct {
		Result struct {
			Value any `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false
	}
	value, isBool := result.Result.Value.(bool)
	return isBool && value == true
}
