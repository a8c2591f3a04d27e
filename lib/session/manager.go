package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/browsermcp/server/cmd/config"
	"github.com/browsermcp/server/lib/browser"
	"github.com/browsermcp/server/lib/cdp"
	"github.com/browsermcp/server/lib/gateway"
	"github.com/browsermcp/server/lib/kinderr"
	"github.com/browsermcp/server/lib/nativebroker"
	"github.com/browsermcp/server/lib/policy"
	"github.com/browsermcp/server/lib/telemetry"
)

var safeTabIDStrip = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Manager is the process-wide session coordinator: it owns the session tab
// identity, the transport behind it, and the per-tab state agents build on.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger
	pol    *policy.Policy
	memory *AgentMemory

	// transport state
	mu           sync.Mutex
	instance     *browser.Instance
	browserConn  *cdp.Conn
	shared       *gateway.Shared
	nativePeer   *nativebroker.Peer
	client       gateway.Client
	sessionTabID string

	telemetryMu sync.Mutex
	telemetry   map[string]*telemetry.TabTelemetry
	buses       *telemetry.Buses
	autoDialog  *telemetry.AutoDialog

	affMu       sync.Mutex
	affordances map[string]*AffordanceMap

	navMu sync.Mutex
	nav   map[string]*NavGraph

	captchaMu sync.Mutex
	captcha   map[string]map[string]any

	downloadsMu sync.Mutex
	downloads   map[string]*downloadState

	diagMu sync.Mutex
	diag   map[string]*diagState

	sharedMu   sync.Mutex
	sharedSess *Session
	sharedRefs int
}

// NewManager wires a manager from config. Transports start lazily on the
// first session request.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	memoryDir := cfg.AgentMemoryDir
	if memoryDir == "" {
		memoryDir = filepath.Join(cfg.DataDir, "memory")
	}
	m := &Manager{
		cfg:         cfg,
		logger:      logger,
		pol:         policy.New(policy.Mode(cfg.Policy), cfg.AllowedHosts()),
		memory:      NewAgentMemory(memoryDir, 0, logger),
		telemetry:   map[string]*telemetry.TabTelemetry{},
		buses:       telemetry.NewBuses(logger),
		affordances: map[string]*AffordanceMap{},
		nav:         map[string]*NavGraph{},
		captcha:     map[string]map[string]any{},
		downloads:   map[string]*downloadState{},
		diag:        map[string]*diagState{},
	}
	m.autoDialog = telemetry.NewAutoDialog(m.dialTab, logger)
	return m
}

// Policy exposes the active policy; tool handlers enforce anything beyond
// navigation, cookies and fetch themselves.
func (m *Manager) Policy() *policy.Policy { return m.pol }

// IsHostAllowed is the single predicate handlers use for HTTP decisions.
func (m *Manager) IsHostAllowed(host string) bool { return m.pol.IsHostAllowed(host) }

// Memory exposes the process-wide agent memory.
func (m *Manager) Memory() *AgentMemory { return m.memory }

// --- transport ---

// ensureTransport brings up the mode's backend once.
func (m *Manager) ensureTransport(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureTransportLocked(ctx)
}

func (m *Manager) ensureTransportLocked(ctx context.Context) error {
	switch m.cfg.Mode() {
	case config.ModeExtension:
		if m.client != nil {
			return nil
		}
		return m.startExtensionTransportLocked(ctx)
	default:
		if m.instance != nil && m.browserConn != nil {
			select {
			case <-m.browserConn.Done():
				// stale; fall through and redial
			default:
				return nil
			}
		}
		return m.startDirectTransportLocked(ctx)
	}
}

func (m *Manager) startDirectTransportLocked(ctx context.Context) error {
	if m.instance == nil {
		var instance *browser.Instance
		var err error
		if m.cfg.Mode() == config.ModeAttach {
			instance, err = browser.Attach(ctx, "127.0.0.1", m.cfg.BrowserPort, m.logger)
		} else {
			instance, err = browser.Launch(ctx, browser.Options{
				Binary:  m.cfg.BrowserBinary,
				Profile: m.cfg.BrowserProfile,
				Port:    m.cfg.BrowserPort,
				Logger:  m.logger,
			})
		}
		if err != nil {
			return err
		}
		m.instance = instance
	}
	conn, err := cdp.Dial(ctx, m.instance.BrowserWSURL(), cdp.DialOptions{Logger: m.logger})
	if err != nil {
		return err
	}
	m.browserConn = conn
	return nil
}

// startExtensionTransportLocked prefers a native broker when one is
// configured or discoverable, and falls back to the websocket gateway.
func (m *Manager) startExtensionTransportLocked(ctx context.Context) error {
	socketPath, discErr := nativebroker.DiscoverBroker(nativebroker.DiscoveryOptions{
		Dir:            m.cfg.NativeBrokerDir,
		SocketOverride: m.cfg.NativeBrokerSocket,
		IDOverride:     m.cfg.NativeBrokerID,
		Logger:         m.logger,
	})
	if discErr != nil && m.cfg.ExtensionAutoLaunch {
		socketPath, discErr = nativebroker.AutoLaunch(ctx, nativebroker.AutoLaunchOptions{
			Enabled: true,
			Binary:  m.cfg.BrowserBinary,
			Profile: m.cfg.ExtensionProfile,
			Dir:     m.cfg.NativeBrokerDir,
			Logger:  m.logger,
		}, m.cfg.ExtensionConnectTimeout)
	}
	if discErr == nil {
		peer := nativebroker.NewPeer(nativebroker.PeerOptions{
			RPCTimeout: m.cfg.ExtensionRPCTimeout,
			Logger:     m.logger,
		})
		if err := peer.Connect(ctx, socketPath); err == nil {
			if _, err := peer.RefreshStatus(ctx); err != nil {
				m.logger.Debug("native broker status poll failed", "err", err)
			}
			m.nativePeer = peer
			m.client = peer
			m.attachGlobalSinkLocked()
			return nil
		}
	} else if m.cfg.NativeBrokerSocket != "" || m.cfg.NativeBrokerID != "" {
		// Native transport was explicitly requested; do not fall back.
		return discErr
	}

	shared := gateway.NewShared(gateway.Options{
		Host:                m.cfg.ExtensionHost,
		Port:                m.cfg.ExtensionPort,
		PortSpan:            m.cfg.ExtensionPortSpan,
		PortRange:           m.cfg.ExtensionPortRange,
		ExpectedExtensionID: m.cfg.ExtensionID,
		ServerVersion:       m.cfg.ServerVersion,
		RPCTimeout:          m.cfg.ExtensionRPCTimeout,
		Logger:              m.logger,
	}, "")
	if err := shared.Start(ctx); err != nil {
		return err
	}
	if err := shared.WaitForConnection(ctx, m.cfg.ExtensionConnectTimeout); err != nil {
		return kinderr.Wrap(err, kinderr.KindNotConfigured,
			"no browser extension connected to the gateway",
			"open the browser with the extension installed and enabled")
	}
	m.shared = shared
	m.client = shared.Client()
	m.attachGlobalSinkLocked()
	return nil
}

// attachGlobalSinkLocked fans every extension-delivered CDP event into the
// owning tab's telemetry.
func (m *Manager) attachGlobalSinkLocked() {
	if !m.cfg.Tier0 || m.client == nil {
		return
	}
	m.client.SetEventSink(func(tabID, method string, params json.RawMessage) {
		m.tabTelemetry(tabID).Ingest(method, params)
	})
}

// Client exposes the extension backend; nil outside extension mode.
func (m *Manager) Client() gateway.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// --- session tab ---

// ensureSessionTab returns a valid session tab id, creating or adopting one
// as the mode requires.
func (m *Manager) ensureSessionTab(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureTransportLocked(ctx); err != nil {
		return "", err
	}
	if m.sessionTabID != "" && m.tabAliveLocked(ctx, m.sessionTabID) {
		return m.sessionTabID, nil
	}
	tabID, err := m.openSessionTabLocked(ctx)
	if err != nil {
		return "", err
	}
	m.sessionTabID = tabID
	m.logger.Info("session tab ready", "tabId", tabID)
	return tabID, nil
}

func (m *Manager) tabAliveLocked(ctx context.Context, tabID string) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if m.cfg.Mode() == config.ModeExtension {
		_, err := m.client.RPCCall(checkCtx, "tabs.get", map[string]any{"tabId": gateway.TabRef(tabID)})
		return err == nil
	}
	raw, err := m.browserConn.Send(checkCtx, "Target.getTargetInfo", map[string]any{"targetId": tabID})
	if err != nil {
		return false
	}
	var result struct {
		TargetInfo struct {
			Attached bool   `json:"attached"`
			Type     string `json:"type"`
		} `json:"targetInfo"`
	}
	return json.Unmarshal(raw, &result) == nil
}

func (m *Manager) openSessionTabLocked(ctx context.Context) (string, error) {
	if m.cfg.Mode() == config.ModeExtension {
		return m.openExtensionTabLocked(ctx)
	}
	raw, err := m.browserConn.Send(ctx, "Target.createTarget", map[string]any{"url": "about:blank"})
	if err != nil {
		return "", err
	}
	var result struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.TargetID == "" {
		return "", kinderr.New(kinderr.KindProtocol, "Target.createTarget returned no targetId", "")
	}
	return result.TargetID, nil
}

// openExtensionTabLocked creates a fresh tab, or adopts the user's focused
// tab when the extension follows the active tab. A proxy peer never adopts:
// stealing the active tab from another process's session is worse than a
// blank one.
func (m *Manager) openExtensionTabLocked(ctx context.Context) (string, error) {
	if !m.cfg.ExtensionForceNewTab && !m.client.IsProxy() {
		if tabID := m.focusedTabLocked(ctx); tabID != "" {
			return tabID, nil
		}
	}
	raw, err := m.client.RPCCall(ctx, "tabs.create", map[string]any{"url": "about:blank", "active": true})
	if err != nil {
		return "", err
	}
	var result struct {
		TabID gateway.TabRef `json:"tabId"`
		ID    gateway.TabRef `json:"id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", kinderr.Wrap(err, kinderr.KindProtocol, "malformed tabs.create result", "")
	}
	tabID := string(result.TabID)
	if tabID == "" {
		tabID = string(result.ID)
	}
	if tabID == "" {
		return "", kinderr.New(kinderr.KindProtocol, "tabs.create returned no tab id", "")
	}
	return tabID, nil
}

func (m *Manager) focusedTabLocked(ctx context.Context) string {
	raw, err := m.client.RPCCall(ctx, "state.get", nil)
	if err != nil {
		return ""
	}
	var state gateway.ExtensionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return ""
	}
	if state.FollowActive && state.FocusedTabID != "" {
		return string(state.FocusedTabID)
	}
	return ""
}

// --- sessions ---

// dialTab opens a tab-scoped connection appropriate for the mode. It also
// serves as the auto-dialog worker's dialer.
func (m *Manager) dialTab(ctx context.Context, tabID string) (cdp.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureTransportLocked(ctx); err != nil {
		return nil, err
	}
	if m.cfg.Mode() == config.ModeExtension {
		return gateway.NewCdpConn(m.client, tabID), nil
	}
	return cdp.Dial(ctx, m.instance.PageWSURL(tabID), cdp.DialOptions{Logger: m.logger})
}

// GetSession returns a fresh BrowserSession over the session tab, with
// telemetry, downloads and diagnostics ensured per config.
func (m *Manager) GetSession(ctx context.Context) (*Session, error) {
	tabID, err := m.ensureSessionTab(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := m.dialTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	sess := NewSession(conn, tabID)
	m.ensureTelemetry(tabID)
	if m.cfg.Downloads {
		if err := m.ensureDownloads(ctx, sess); err != nil {
			m.logger.Debug("downloads ensure failed", "tabId", tabID, "err", err)
		}
	}
	return sess, nil
}

// SharedSession returns the refcounted shared session, creating it on first
// use. The release func must be called exactly once; the last release closes
// the connection.
func (m *Manager) SharedSession(ctx context.Context) (*Session, func(), error) {
	m.sharedMu.Lock()
	defer m.sharedMu.Unlock()
	if m.sharedSess == nil {
		sess, err := m.GetSession(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := sess.EnableDomains(ctx, "Page"); err != nil {
			m.logger.Debug("shared session Page.enable failed", "err", err)
		}
		if m.cfg.Diagnostics {
			if err := m.ensureDiagnostics(ctx, sess); err != nil {
				m.logger.Debug("diagnostics ensure failed", "err", err)
			}
		}
		m.sharedSess = sess
	}
	m.sharedRefs++

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.sharedMu.Lock()
			defer m.sharedMu.Unlock()
			m.sharedRefs--
			if m.sharedRefs == 0 && m.sharedSess != nil {
				_ = m.sharedSess.Close()
				m.sharedSess = nil
			}
		})
	}
	return m.sharedSess, release, nil
}

// --- per-tab state ---

// tabTelemetry returns (creating if needed) the telemetry for a tab, with
// the dialog handler wired to the auto-dialog worker.
func (m *Manager) tabTelemetry(tabID string) *telemetry.TabTelemetry {
	m.telemetryMu.Lock()
	defer m.telemetryMu.Unlock()
	tab, ok := m.telemetry[tabID]
	if !ok {
		tab = telemetry.NewTabTelemetry(telemetry.Options{})
		tab.SetDialogHandler(func(telemetry.DialogInfo) {
			m.autoDialog.OnDialogOpen(tabID)
		})
		m.telemetry[tabID] = tab
	}
	return tab
}

// Telemetry exposes a tab's buffers, creating them on first touch.
func (m *Manager) Telemetry(tabID string) *telemetry.TabTelemetry {
	return m.tabTelemetry(tabID)
}

// ensureTelemetry starts the Tier-0 bus in direct modes. In extension mode
// events already arrive through the global gateway sink.
func (m *Manager) ensureTelemetry(tabID string) {
	if !m.cfg.Tier0 {
		return
	}
	tab := m.tabTelemetry(tabID)
	if m.cfg.Mode() == config.ModeExtension {
		return
	}
	m.mu.Lock()
	instance := m.instance
	m.mu.Unlock()
	if instance == nil {
		return
	}
	m.buses.Ensure(tabID, instance.PageWSURL(tabID), tab)
}

// SetAutoDialogMode arms or disarms ("off") automatic dialog handling for a
// tab.
func (m *Manager) SetAutoDialogMode(tabID, mode string) {
	m.autoDialog.SetMode(tabID, mode)
}

// Affordances returns a tab's ref table, creating it on first touch.
func (m *Manager) Affordances(tabID string) *AffordanceMap {
	m.affMu.Lock()
	defer m.affMu.Unlock()
	aff, ok := m.affordances[tabID]
	if !ok {
		aff = NewAffordanceMap()
		m.affordances[tabID] = aff
	}
	return aff
}

// NavGraph returns a tab's navigation graph, creating it on first touch.
func (m *Manager) NavGraph(tabID string) *NavGraph {
	m.navMu.Lock()
	defer m.navMu.Unlock()
	graph, ok := m.nav[tabID]
	if !ok {
		graph = NewNavGraph()
		m.nav[tabID] = graph
	}
	return graph
}

// SetCaptchaState stores per-tab captcha bookkeeping; nil clears it.
func (m *Manager) SetCaptchaState(tabID string, state map[string]any) {
	m.captchaMu.Lock()
	defer m.captchaMu.Unlock()
	if state == nil {
		delete(m.captcha, tabID)
		return
	}
	m.captcha[tabID] = state
}

// CaptchaState returns the tab's captcha bookkeeping, if any.
func (m *Manager) CaptchaState(tabID string) (map[string]any, bool) {
	m.captchaMu.Lock()
	defer m.captchaMu.Unlock()
	state, ok := m.captcha[tabID]
	return state, ok
}

// SessionTabID returns the current session tab without creating one.
func (m *Manager) SessionTabID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionTabID
}

// Stop tears the manager down: buses, watchers, transports, and any browser
// this process launched.
func (m *Manager) Stop() {
	m.buses.StopAll()
	m.stopDownloadWatchers()

	m.mu.Lock()
	browserConn := m.browserConn
	instance := m.instance
	shared := m.shared
	nativePeer := m.nativePeer
	m.browserConn = nil
	m.client = nil
	m.shared = nil
	m.nativePeer = nil
	m.mu.Unlock()

	if browserConn != nil {
		browserConn.Abort()
	}
	if shared != nil {
		shared.Stop()
	}
	if nativePeer != nil {
		nativePeer.Stop()
	}
	instance.Kill()
}

func safeTabID(tabID string) string {
	safe := safeTabIDStrip.ReplaceAllString(tabID, "_")
	if safe == "" {
		safe = fmt.Sprintf("tab_%d", time.Now().UnixMilli())
	}
	return safe
}
