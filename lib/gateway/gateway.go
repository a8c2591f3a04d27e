package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/nrednav/cuid2"

	"github.com/browsermcp/server/lib/cdp"
	"github.com/browsermcp/server/lib/kinderr"
)

const (
	// tabQueueCap bounds each per-tab event queue; the oldest entries are
	// dropped when over cap.
	tabQueueCap = 2500

	bindRetryStart  = 250 * time.Millisecond
	bindRetryFactor = 1.6
	bindRetryCap    = 5 * time.Second

	handshakeTimeout  = 10 * time.Second
	defaultRPCTimeout = 20 * time.Second

	// interCommandDelay spaces sequential cdp.send fallbacks when the
	// extension lacks the cdpSendMany capability.
	interCommandDelay = 15 * time.Millisecond
)

// ErrExtensionDisconnected completes every pending RPC when the extension
// socket closes. No silent drops.
var ErrExtensionDisconnected = kinderr.New(kinderr.KindTransport,
	"extension disconnected",
	"wait for the extension to reconnect, then retry")

// Options configures a leader gateway.
type Options struct {
	Host                string
	Port                int
	PortSpan            int
	PortRange           string
	ExpectedExtensionID string
	ServerVersion       string
	RPCTimeout          time.Duration
	Logger              *slog.Logger
}

// Gateway is the leader: it owns the single local attachment to the browser
// extension and fans CDP in/out to in-process sessions and server peers.
type Gateway struct {
	logger      *slog.Logger
	opts        Options
	candidates  []int
	startedAtMs int64
	rpcTimeout  time.Duration

	mu        sync.Mutex
	listening bool
	port      int
	bindErr   string
	server    *http.Server
	ext       *extensionLink
	peers     map[string]*peerLink
	tabs      map[string][]cdp.Event
	sink      EventSink
	tabSinks  map[string]cdp.EventSink

	evNotify chan struct{}
	stopCh   chan struct{}
	stopped  atomic.Bool

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]*pendingRPC
}

type pendingRPC struct {
	ch chan rpcOutcome
	// set when the call was forwarded on behalf of a peer
	peer    *peerLink
	localID int64
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

type extensionLink struct {
	conn    *websocket.Conn
	info    ExtensionClientInfo
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

type peerLink struct {
	id      string
	pid     int
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	tabs map[string]bool
}

func (p *peerLink) subscribe(tabID string) {
	if tabID == "" {
		return
	}
	p.mu.Lock()
	p.tabs[tabID] = true
	p.mu.Unlock()
}

func (p *peerLink) subscribed(tabID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tabs[tabID]
}

// New creates a leader gateway. Call Start to bind.
func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	rpcTimeout := opts.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}
	return &Gateway{
		logger:      opts.Logger,
		opts:        opts,
		candidates:  PortCandidates(opts.Port, opts.PortSpan, opts.PortRange),
		startedAtMs: time.Now().UnixMilli(),
		rpcTimeout:  rpcTimeout,
		peers:       map[string]*peerLink{},
		tabs:        map[string][]cdp.Event{},
		tabSinks:    map[string]cdp.EventSink{},
		evNotify:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		pending:     map[int64]*pendingRPC{},
	}
}

// Start attempts one synchronous bind pass over the candidate ports; on
// failure it records the bind error and keeps retrying in the background with
// exponential backoff until stopped. Start itself never fails on a busy port.
func (g *Gateway) Start(ctx context.Context) error {
	if g.tryBind() {
		return nil
	}
	go g.bindLoop(ctx)
	return nil
}

// bindLoop retries the candidate ports forever (0.25s start, factor 1.6,
// cap 5s) until the gateway is stopped.
func (g *Gateway) bindLoop(ctx context.Context) {
	_ = retry.New(
		retry.Attempts(0),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			d := float64(bindRetryStart)
			for i := uint(0); i < n; i++ {
				d *= bindRetryFactor
				if d >= float64(bindRetryCap) {
					return bindRetryCap
				}
			}
			return time.Duration(d)
		}),
		retry.Context(ctx),
	).Do(func() error {
		select {
		case <-g.stopCh:
			return nil
		default:
		}
		if g.tryBind() {
			return nil
		}
		return errors.New(g.BindError())
	})
}

// tryBind walks the candidate list once and starts serving on the first port
// that binds.
func (g *Gateway) tryBind() bool {
	var lastErr error
	var lastPort int
	for _, port := range g.candidates {
		lastPort = port
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", g.opts.Host, port))
		if err != nil {
			lastErr = err
			continue
		}
		server := &http.Server{Handler: g.router()}
		g.mu.Lock()
		g.listening = true
		g.port = port
		g.bindErr = ""
		g.server = server
		g.mu.Unlock()
		g.logger.Info("extension gateway listening", "port", port)
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Debug("gateway server exited", "err", err)
			}
			g.mu.Lock()
			if g.server == server {
				g.listening = false
			}
			g.mu.Unlock()
		}()
		return true
	}
	g.mu.Lock()
	g.listening = false
	if lastErr != nil {
		g.bindErr = lastErr.Error()
	}
	g.port = lastPort
	g.mu.Unlock()
	return false
}

// BindError returns the last bind failure, empty while listening.
func (g *Gateway) BindError() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bindErr
}

func (g *Gateway) router() http.Handler {
	r := chi.NewRouter()
	r.Get(DiscoveryPath, g.handleDiscovery)
	r.HandleFunc("/*", g.handleAny)
	return r
}

func (g *Gateway) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Browser-MCP-Gateway", "1")
	_ = json.NewEncoder(w).Encode(g.Status())
}

// handleAny upgrades websocket requests on any path and answers plain 404 to
// everything else so stray probes stay quiet.
func (g *Gateway) handleAny(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Debug("gateway: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(25 * 1024 * 1024)
	g.handleSocket(r.Context(), conn)
}

// handleSocket reads the first message and routes the connection to the
// extension or peer handler.
func (g *Gateway) handleSocket(ctx context.Context, conn *websocket.Conn) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	first, err := readMsg(hsCtx, conn)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake read failed")
		return
	}
	switch first.Type {
	case MsgHello:
		g.serveExtension(ctx, conn, first)
	case MsgPeerHello:
		g.servePeer(ctx, conn, first)
	default:
		_ = conn.Close(websocket.StatusProtocolError, "unexpected first message")
	}
}

// --- extension side ---

func (g *Gateway) serveExtension(ctx context.Context, conn *websocket.Conn, hello *Message) {
	if g.opts.ExpectedExtensionID != "" && hello.ExtensionID != g.opts.ExpectedExtensionID {
		_ = conn.Close(websocket.StatusPolicyViolation, "unknown extension id")
		return
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = conn.Close(websocket.StatusPolicyViolation, "protocol version mismatch")
		return
	}

	info := ExtensionClientInfo{
		ID:        hello.ExtensionID,
		Version:   hello.ExtensionVersion,
		UserAgent: hello.UserAgent,
		State:     hello.State,
	}
	if hello.Capabilities != nil {
		info.Capabilities = *hello.Capabilities
	}

	extCtx, cancel := context.WithCancel(ctx)
	link := &extensionLink{conn: conn, info: info, ctx: extCtx, cancel: cancel}

	g.mu.Lock()
	old := g.ext
	g.ext = link
	port := g.port
	g.mu.Unlock()
	if old != nil {
		old.cancel()
		_ = old.conn.Close(websocket.StatusNormalClosure, "replaced by new extension connection")
	}

	ack := &Message{
		Type:              MsgHelloAck,
		ProtocolVersion:   ProtocolVersion,
		SessionID:         fmt.Sprintf("ext-%d-%d", time.Now().UnixMilli(), os.Getpid()),
		ServerVersion:     g.opts.ServerVersion,
		ServerStartedAtMs: g.startedAtMs,
		GatewayPort:       port,
	}
	if err := link.write(ack); err != nil {
		g.dropExtension(link)
		return
	}
	g.logger.Info("extension connected",
		slog.String("extensionId", info.ID),
		slog.String("version", info.Version))

	g.extensionLoop(link)
}

func (l *extensionLink) write(msg *Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(l.ctx, 10*time.Second)
	defer cancel()
	return writeMsg(ctx, l.conn, msg)
}

func (g *Gateway) extensionLoop(link *extensionLink) {
	defer g.dropExtension(link)
	for {
		msg, err := readMsg(link.ctx, link.conn)
		if err != nil {
			return
		}
		switch msg.Type {
		case MsgRPCResult:
			g.completeRPC(msg)
		case MsgCDPEvent:
			g.ingestEvent(string(msg.TabID), msg.Method, msg.Params)
		case MsgLog:
			g.logExtension(msg)
		case MsgPing:
			_ = link.write(&Message{Type: MsgPong})
		default:
			g.logger.Debug("gateway: ignoring extension message", "type", msg.Type)
		}
	}
}

func (g *Gateway) logExtension(msg *Message) {
	level := slog.LevelInfo
	switch msg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	g.logger.Log(context.Background(), level, "extension: "+msg.LogMessage)
}

// dropExtension clears the attachment and fails every pending RPC with a
// deterministic error.
func (g *Gateway) dropExtension(link *extensionLink) {
	g.mu.Lock()
	if g.ext != link {
		g.mu.Unlock()
		return
	}
	g.ext = nil
	g.mu.Unlock()
	link.cancel()
	_ = link.conn.Close(websocket.StatusNormalClosure, "")
	g.failAllPending(ErrExtensionDisconnected)
	g.logger.Info("extension disconnected")
}

func (g *Gateway) failAllPending(err error) {
	g.pendingMu.Lock()
	pending := g.pending
	g.pending = map[int64]*pendingRPC{}
	g.pendingMu.Unlock()
	for _, p := range pending {
		p.ch <- rpcOutcome{err: err}
	}
}

func (g *Gateway) completeRPC(msg *Message) {
	g.pendingMu.Lock()
	p, ok := g.pending[msg.ID]
	if ok {
		delete(g.pending, msg.ID)
	}
	g.pendingMu.Unlock()
	if !ok {
		g.logger.Debug("gateway: dropping unmatched rpcResult", "id", msg.ID)
		return
	}
	outcome := rpcOutcome{result: msg.Result}
	if msg.OK != nil && !*msg.OK {
		outcome = rpcOutcome{err: kinderr.New(kinderr.KindProtocol, msg.Error, "")}
	}
	p.ch <- outcome
}

// ingestEvent queues a CDP event per tab, wakes waiters, hands it to the
// sinks and forwards it to every subscribed peer.
func (g *Gateway) ingestEvent(tabID, method string, params json.RawMessage) {
	g.mu.Lock()
	q := append(g.tabs[tabID], cdp.Event{Method: method, Params: params})
	if over := len(q) - tabQueueCap; over > 0 {
		q = q[over:]
	}
	g.tabs[tabID] = q
	sink := g.sink
	tabSink := g.tabSinks[tabID]
	peers := make([]*peerLink, 0, len(g.peers))
	for _, p := range g.peers {
		if p.subscribed(tabID) {
			peers = append(peers, p)
		}
	}
	g.mu.Unlock()

	select {
	case g.evNotify <- struct{}{}:
	default:
	}
	if sink != nil {
		sink(tabID, method, params)
	}
	if tabSink != nil {
		tabSink(method, params)
	}
	ev := &Message{Type: MsgCDPEvent, TabID: TabRef(tabID), Method: method, Params: params}
	for _, p := range peers {
		if err := p.write(ev); err != nil {
			g.logger.Debug("gateway: peer event write failed", "peer", p.id, "err", err)
		}
	}
}

// --- peer side ---

func (p *peerLink) write(msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return writeMsg(ctx, p.conn, msg)
}

func (g *Gateway) servePeer(ctx context.Context, conn *websocket.Conn, hello *Message) {
	if hello.ProtocolVersion != ProtocolVersion {
		_ = conn.Close(websocket.StatusPolicyViolation, "protocol version mismatch")
		return
	}
	peerID := hello.PeerID
	if peerID == "" {
		peerID = cuid2.Generate()
	}
	link := &peerLink{id: peerID, pid: hello.PID, conn: conn, tabs: map[string]bool{}}

	g.mu.Lock()
	g.peers[peerID] = link
	port := g.port
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.peers, peerID)
		g.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ack := &Message{
		Type:              MsgPeerHelloAck,
		ProtocolVersion:   ProtocolVersion,
		GatewayPort:       port,
		ServerStartedAtMs: g.startedAtMs,
	}
	if err := link.write(ack); err != nil {
		return
	}
	g.logger.Info("peer connected", "peerId", peerID, "pid", hello.PID)

	for {
		msg, err := readMsg(ctx, conn)
		if err != nil {
			g.logger.Info("peer disconnected", "peerId", peerID)
			return
		}
		switch msg.Type {
		case MsgRPC:
			go g.dispatchPeerRPC(link, msg)
		case MsgPing:
			_ = link.write(&Message{Type: MsgPong})
		default:
			g.logger.Debug("gateway: ignoring peer message", "type", msg.Type)
		}
	}
}

// peerParams are the fields of peer RPC params the gateway itself inspects.
type peerParams struct {
	TabID     TabRef `json:"tabId"`
	EventName string `json:"eventName"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// dispatchPeerRPC answers local gateway.* methods directly and forwards
// everything else to the extension under a fresh internal id. The peer is
// automatically subscribed to any tab its call names.
func (g *Gateway) dispatchPeerRPC(link *peerLink, msg *Message) {
	var params peerParams
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &params)
	}
	link.subscribe(string(params.TabID))

	reply := func(result any, err error) {
		out := &Message{Type: MsgRPCResult, ID: msg.ID}
		if err != nil {
			out.OK = boolPtr(false)
			out.Error = err.Error()
		} else {
			out.OK = boolPtr(true)
			raw, merr := json.Marshal(result)
			if merr != nil {
				out.OK = boolPtr(false)
				out.Error = merr.Error()
			} else {
				out.Result = raw
			}
		}
		if werr := link.write(out); werr != nil {
			g.logger.Debug("gateway: peer result write failed", "peer", link.id, "err", werr)
		}
	}

	switch msg.Method {
	case "gateway.status":
		reply(g.Status(), nil)
	case "gateway.waitForConnection":
		timeout := time.Duration(params.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = g.rpcTimeout
		}
		err := g.WaitForConnection(context.Background(), timeout)
		reply(map[string]bool{"connected": err == nil}, err)
	case "gateway.popEvent":
		ev, ok := g.PopEvent(string(params.TabID), params.EventName)
		if !ok {
			reply(nil, nil)
			return
		}
		reply(json.RawMessage(ev), nil)
	case "gateway.waitForEvent":
		timeout := time.Duration(params.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = g.rpcTimeout
		}
		ev, err := g.WaitForEvent(context.Background(), string(params.TabID), params.EventName, timeout)
		if err != nil || ev == nil {
			reply(nil, err)
			return
		}
		reply(json.RawMessage(ev), nil)
	default:
		result, err := g.forwardRPC(context.Background(), link, msg)
		reply(json.RawMessage(result), err)
	}
}

// forwardRPC relays a peer call to the extension under an internal id.
func (g *Gateway) forwardRPC(ctx context.Context, link *peerLink, msg *Message) (json.RawMessage, error) {
	timeout := time.Duration(msg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = g.rpcTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.rpcRaw(ctx, msg.Method, msg.Params, link, msg.ID)
}

// --- RPC core ---

// RPCCall issues one extension RPC and waits for its result.
func (g *Gateway) RPCCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.rpcTimeout)
		defer cancel()
	}
	return g.rpcRaw(ctx, method, raw, nil, 0)
}

func (g *Gateway) rpcRaw(ctx context.Context, method string, params json.RawMessage, peer *peerLink, localID int64) (json.RawMessage, error) {
	g.mu.Lock()
	link := g.ext
	g.mu.Unlock()
	if link == nil {
		return nil, kinderr.New(kinderr.KindNotConfigured,
			"no extension connected",
			"open the browser with the extension installed, or wait for it to reconnect")
	}

	id := g.nextID.Add(1)
	p := &pendingRPC{ch: make(chan rpcOutcome, 1), peer: peer, localID: localID}
	g.pendingMu.Lock()
	g.pending[id] = p
	g.pendingMu.Unlock()
	defer func() {
		g.pendingMu.Lock()
		delete(g.pending, id)
		g.pendingMu.Unlock()
	}()

	req := &Message{Type: MsgRPC, ID: id, Method: method, Params: params}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMs = time.Until(deadline).Milliseconds()
	}
	if err := link.write(req); err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindTransport,
			"failed to send RPC to the extension", "the extension connection may be broken")
	}

	select {
	case outcome := <-p.ch:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, kinderr.Wrap(ctx.Err(), kinderr.KindTimeout,
			fmt.Sprintf("extension RPC %s timed out", method),
			"the browser may be busy; retry or check the extension")
	case <-g.stopCh:
		return nil, ErrExtensionDisconnected
	}
}

// CDPSend issues one CDP command against a tab through the extension.
func (g *Gateway) CDPSend(ctx context.Context, tabID, method string, params any) (json.RawMessage, error) {
	return g.RPCCall(ctx, "cdp.send", map[string]any{
		"tabId":  TabRef(tabID),
		"method": method,
		"params": params,
	})
}

// CDPSendMany collapses to one round-trip when the extension advertises
// cdpSendMany; otherwise it loops cdp.send with best-effort delays.
func (g *Gateway) CDPSendMany(ctx context.Context, tabID string, commands []cdp.Command, stopOnError bool) ([]cdp.ManyResult, error) {
	g.mu.Lock()
	batched := g.ext != nil && g.ext.info.Capabilities.CDPSendMany
	g.mu.Unlock()
	if batched {
		raw, err := g.RPCCall(ctx, "cdp.sendMany", map[string]any{
			"tabId":       TabRef(tabID),
			"commands":    commands,
			"stopOnError": stopOnError,
		})
		if err != nil {
			return nil, err
		}
		var results []cdp.ManyResult
		if err := json.Unmarshal(raw, &results); err != nil {
			return nil, kinderr.Wrap(err, kinderr.KindProtocol, "malformed cdp.sendMany result", "")
		}
		return results, nil
	}
	return sequentialSendMany(ctx, commands, stopOnError, func(ctx context.Context, cmd cdp.Command) (json.RawMessage, error) {
		return g.CDPSend(ctx, tabID, cmd.Method, cmd.Params)
	})
}

// RPCBatch collapses to one round-trip when the extension advertises
// rpcBatch; otherwise it issues the calls sequentially.
func (g *Gateway) RPCBatch(ctx context.Context, calls []RPCCallSpec, stopOnError bool) ([]cdp.ManyResult, error) {
	g.mu.Lock()
	batched := g.ext != nil && g.ext.info.Capabilities.RPCBatch
	g.mu.Unlock()
	if batched {
		raw, err := g.RPCCall(ctx, "rpc.batch", map[string]any{
			"calls":       calls,
			"stopOnError": stopOnError,
		})
		if err != nil {
			return nil, err
		}
		var results []cdp.ManyResult
		if err := json.Unmarshal(raw, &results); err != nil {
			return nil, kinderr.Wrap(err, kinderr.KindProtocol, "malformed rpc.batch result", "")
		}
		return results, nil
	}
	results := make([]cdp.ManyResult, 0, len(calls))
	for _, call := range calls {
		res, err := g.RPCCall(ctx, call.Method, call.Params)
		if err != nil {
			results = append(results, cdp.ManyResult{OK: false, Error: err.Error()})
			if stopOnError {
				return results, err
			}
			continue
		}
		results = append(results, cdp.ManyResult{OK: true, Result: res})
	}
	return results, nil
}

// sequentialSendMany is the shared fallback for backends without a batch
// capability.
func sequentialSendMany(ctx context.Context, commands []cdp.Command, stopOnError bool, send func(context.Context, cdp.Command) (json.RawMessage, error)) ([]cdp.ManyResult, error) {
	results := make([]cdp.ManyResult, 0, len(commands))
	for i, cmd := range commands {
		if i > 0 {
			select {
			case <-time.After(interCommandDelay):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
		res, err := send(ctx, cmd)
		if err != nil {
			results = append(results, cdp.ManyResult{OK: false, Error: err.Error()})
			if stopOnError {
				return results, err
			}
			continue
		}
		results = append(results, cdp.ManyResult{OK: true, Result: res})
	}
	return results, nil
}

// --- events ---

// PopEvent dequeues the oldest matching event for a tab without blocking.
func (g *Gateway) PopEvent(tabID, eventName string) (json.RawMessage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.tabs[tabID]
	for i, ev := range q {
		if ev.Method == eventName {
			g.tabs[tabID] = append(q[:i], q[i+1:]...)
			return ev.Params, true
		}
	}
	return nil, false
}

// WaitForEvent blocks until a matching event arrives for the tab or the
// timeout passes (nil, nil).
func (g *Gateway) WaitForEvent(ctx context.Context, tabID, eventName string, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if params, ok := g.PopEvent(tabID, eventName); ok {
			return params, nil
		}
		select {
		case <-g.evNotify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.stopCh:
			return nil, ErrExtensionDisconnected
		}
	}
}

// DrainEvents reports how many events are queued for a tab, capped at max.
func (g *Gateway) DrainEvents(tabID string, max int) int {
	if max <= 0 {
		max = 100
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := len(g.tabs[tabID]); n < max {
		return n
	}
	return max
}

// SetEventSink registers the process-wide sink observing every CDP event.
func (g *Gateway) SetEventSink(sink EventSink) {
	g.mu.Lock()
	g.sink = sink
	g.mu.Unlock()
}

// SetTabSink registers a per-tab sink. A nil sink removes it.
func (g *Gateway) SetTabSink(tabID string, sink cdp.EventSink) {
	g.mu.Lock()
	if sink == nil {
		delete(g.tabSinks, tabID)
	} else {
		g.tabSinks[tabID] = sink
	}
	g.mu.Unlock()
}

// --- status / lifecycle ---

// Status surfaces the live gateway state; it always carries listening,
// bindError, the last attempted port and the (truncated) candidate list.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{
		Type:               "browserMcpGateway",
		ProtocolVersion:    ProtocolVersion,
		ServerVersion:      g.opts.ServerVersion,
		ServerStartedAtMs:  g.startedAtMs,
		GatewayPort:        g.port,
		PID:                os.Getpid(),
		ExtensionConnected: g.ext != nil,
		PeerCount:          len(g.peers),
		SupportsPeers:      true,
		Listening:          g.listening,
		BindError:          g.bindErr,
		Port:               g.port,
		Candidates:         truncateCandidates(g.candidates),
	}
	if g.ext != nil {
		st.Capabilities = g.ext.info.Capabilities
	}
	return st
}

// ExtensionInfo returns the connected extension's info, if any.
func (g *Gateway) ExtensionInfo() (ExtensionClientInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ext == nil {
		return ExtensionClientInfo{}, false
	}
	return g.ext.info, true
}

// WaitForConnection blocks until an extension is attached.
func (g *Gateway) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		g.mu.Lock()
		connected := g.ext != nil
		g.mu.Unlock()
		if connected {
			return nil
		}
		if time.Now().After(deadline) {
			return kinderr.New(kinderr.KindNotConfigured,
				"no extension connected",
				"open the browser with the extension installed")
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stopCh:
			return ErrExtensionDisconnected
		}
	}
}

// IsProxy reports false: the leader owns the extension attachment directly.
func (g *Gateway) IsProxy() bool { return false }

// Stop shuts the gateway down and closes every link.
func (g *Gateway) Stop() {
	if !g.stopped.CompareAndSwap(false, true) {
		return
	}
	close(g.stopCh)
	g.mu.Lock()
	server := g.server
	ext := g.ext
	peers := make([]*peerLink, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.listening = false
	g.mu.Unlock()

	if ext != nil {
		ext.cancel()
		_ = ext.conn.Close(websocket.StatusGoingAway, "gateway stopping")
	}
	for _, p := range peers {
		_ = p.conn.Close(websocket.StatusGoingAway, "gateway stopping")
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	g.failAllPending(ErrExtensionDisconnected)
}

// Port returns the currently bound port (0 while not listening).
func (g *Gateway) Port() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.listening {
		return 0
	}
	return g.port
}
