package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"
	"golang.org/x/sync/errgroup"

	"github.com/browsermcp/server/lib/cdp"
	"github.com/browsermcp/server/lib/kinderr"
)

const (
	probeTimeout       = 750 * time.Millisecond
	statusPollInterval = time.Second

	reconnectStart = 250 * time.Millisecond
	reconnectCap   = 5 * time.Second
)

// ErrPeerDisconnected completes every pending peer RPC when the leader link
// drops.
var ErrPeerDisconnected = kinderr.New(kinderr.KindTransport,
	"extension peer disconnected",
	"the leader gateway went away; the peer reconnects automatically")

// PeerOptions configures a gateway peer.
type PeerOptions struct {
	Host       string
	Port       int
	PortSpan   int
	PortRange  string
	RPCTimeout time.Duration
	Logger     *slog.Logger
}

// Peer behaves like a Gateway to local callers without binding any port, by
// connecting as a peer to another process's leader.
type Peer struct {
	logger     *slog.Logger
	opts       PeerOptions
	candidates []int
	peerID     string
	rpcTimeout time.Duration

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	leaderPort        int
	leaderStartedAtMs int64
	leaderStatus      Status
	tabs              map[string][]cdp.Event
	sink              EventSink
	tabSinks          map[string]cdp.EventSink
	writeMu           sync.Mutex

	evNotify chan struct{}
	stopCh   chan struct{}
	stopped  atomic.Bool

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan rpcOutcome
}

// NewPeer creates a peer. Call Connect to discover and join a leader.
func NewPeer(opts PeerOptions) *Peer {
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
	return &Peer{
		logger:     opts.Logger,
		opts:       opts,
		candidates: PortCandidates(opts.Port, opts.PortSpan, opts.PortRange),
		peerID:     cuid2.Generate(),
		rpcTimeout: rpcTimeout,
		tabs:       map[string][]cdp.Event{},
		tabSinks:   map[string]cdp.EventSink{},
		evNotify:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		pending:    map[int64]chan rpcOutcome{},
	}
}

// probeResult is one discovery probe answer.
type probeResult struct {
	port   int
	status Status
}

// DiscoverLeader probes every candidate port in parallel and picks the best
// leader: extensionConnected first, then newest serverStartedAtMs.
func (p *Peer) DiscoverLeader(ctx context.Context) (int, *Status, error) {
	var mu sync.Mutex
	var found []probeResult

	grp, probeCtx := errgroup.WithContext(ctx)
	for _, port := range p.candidates {
		grp.Go(func() error {
			st, err := probeGateway(probeCtx, p.opts.Host, port)
			if err != nil {
				return nil // a dead port is not an error
			}
			mu.Lock()
			found = append(found, probeResult{port: port, status: *st})
			mu.Unlock()
			return nil
		})
	}
	_ = grp.Wait()

	if len(found) == 0 {
		return 0, nil, kinderr.New(kinderr.KindNotConfigured,
			"no leader gateway found",
			"start a leader gateway or check MCP_EXTENSION_PORT")
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].status.ExtensionConnected != found[j].status.ExtensionConnected {
			return found[i].status.ExtensionConnected
		}
		return found[i].status.ServerStartedAtMs > found[j].status.ServerStartedAtMs
	})
	best := found[0]
	return best.port, &best.status, nil
}

// probeGateway fetches one discovery document.
func probeGateway(ctx context.Context, host string, port int) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	url := fmt.Sprintf("http://%s:%d%s", host, port, DiscoveryPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe status %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	if st.Type != "browserMcpGateway" {
		return nil, fmt.Errorf("not a gateway")
	}
	return &st, nil
}

// Connect discovers the best leader, performs the peer handshake and starts
// the read and status-poll loops.
func (p *Peer) Connect(ctx context.Context) error {
	port, _, err := p.DiscoverLeader(ctx)
	if err != nil {
		return err
	}
	return p.connectTo(ctx, port)
}

func (p *Peer) connectTo(ctx context.Context, port int) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, fmt.Sprintf("ws://%s:%d/", p.opts.Host, port), nil)
	if err != nil {
		return kinderr.Wrap(err, kinderr.KindTransport,
			"failed to connect to the leader gateway", "the leader may have just exited; retry")
	}
	conn.SetReadLimit(25 * 1024 * 1024)

	hello := &Message{
		Type:            MsgPeerHello,
		ProtocolVersion: ProtocolVersion,
		PeerID:          p.peerID,
		PID:             os.Getpid(),
	}
	if err := writeMsg(dialCtx, conn, hello); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return kinderr.Wrap(err, kinderr.KindTransport, "peer hello failed", "")
	}
	ack, err := readMsg(dialCtx, conn)
	if err != nil || ack.Type != MsgPeerHelloAck {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return kinderr.New(kinderr.KindProtocol,
			"leader did not acknowledge the peer handshake",
			"check that both processes run the same version")
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.leaderPort = port
	p.leaderStartedAtMs = ack.ServerStartedAtMs
	p.mu.Unlock()

	p.logger.Info("joined leader gateway", "port", port, "peerId", p.peerID)
	go p.readLoop(conn)
	go p.statusLoop()
	return nil
}

func (p *Peer) readLoop(conn *websocket.Conn) {
	for {
		msg, err := readMsg(context.Background(), conn)
		if err != nil {
			p.onDisconnect(conn)
			return
		}
		switch msg.Type {
		case MsgRPCResult:
			p.completeRPC(msg)
		case MsgCDPEvent:
			p.ingestEvent(string(msg.TabID), msg.Method, msg.Params)
		case MsgPong:
		default:
			p.logger.Debug("peer: ignoring message", "type", msg.Type)
		}
	}
}

func (p *Peer) completeRPC(msg *Message) {
	p.pendingMu.Lock()
	ch, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
	}
	p.pendingMu.Unlock()
	if !ok {
		return
	}
	if msg.OK != nil && !*msg.OK {
		ch <- rpcOutcome{err: kinderr.New(kinderr.KindProtocol, msg.Error, "")}
		return
	}
	ch <- rpcOutcome{result: msg.Result}
}

func (p *Peer) ingestEvent(tabID, method string, params json.RawMessage) {
	p.mu.Lock()
	q := append(p.tabs[tabID], cdp.Event{Method: method, Params: params})
	if over := len(q) - tabQueueCap; over > 0 {
		q = q[over:]
	}
	p.tabs[tabID] = q
	sink := p.sink
	tabSink := p.tabSinks[tabID]
	p.mu.Unlock()

	select {
	case p.evNotify <- struct{}{}:
	default:
	}
	if sink != nil {
		sink(tabID, method, params)
	}
	if tabSink != nil {
		tabSink(method, params)
	}
}

// onDisconnect fails all pending calls and starts the reconnect loop.
func (p *Peer) onDisconnect(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.connected = false
	p.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")

	p.pendingMu.Lock()
	pending := p.pending
	p.pending = map[int64]chan rpcOutcome{}
	p.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- rpcOutcome{err: ErrPeerDisconnected}
	}

	if p.stopped.Load() {
		return
	}
	p.logger.Info("leader gateway link lost, reconnecting")
	go p.reconnectLoop()
}

// reconnectLoop retries discovery + connect with exponential backoff (0.25s
// to 5s) until stopped.
func (p *Peer) reconnectLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()
	_ = retry.New(
		retry.Attempts(0),
		retry.Delay(reconnectStart),
		retry.MaxDelay(reconnectCap),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	).Do(func() error {
		if p.stopped.Load() {
			return nil
		}
		return p.Connect(ctx)
	})
}

// statusLoop polls gateway.status every second so callers see live
// extensionConnected state.
func (p *Peer) statusLoop() {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-p.stopCh:
			return
		}
		p.mu.Lock()
		connected := p.connected
		p.mu.Unlock()
		if !connected {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		raw, err := p.RPCCall(ctx, "gateway.status", nil)
		cancel()
		if err != nil {
			continue
		}
		var st Status
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		p.mu.Lock()
		p.leaderStatus = st
		p.mu.Unlock()
	}
}

// --- Client surface ---

// RPCCall forwards one call to the leader and waits for its result.
func (p *Peer) RPCCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, ErrPeerDisconnected
	}

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
		ctx, cancel = context.WithTimeout(ctx, p.rpcTimeout)
		defer cancel()
	}

	id := p.nextID.Add(1)
	ch := make(chan rpcOutcome, 1)
	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	req := &Message{Type: MsgRPC, ID: id, Method: method, Params: raw}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMs = time.Until(deadline).Milliseconds()
	}
	p.writeMu.Lock()
	err := writeMsg(ctx, conn, req)
	p.writeMu.Unlock()
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindTransport,
			"failed to send RPC to the leader gateway", "the peer reconnects automatically; retry")
	}

	select {
	case outcome := <-ch:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, kinderr.Wrap(ctx.Err(), kinderr.KindTimeout,
			fmt.Sprintf("peer RPC %s timed out", method), "the leader or browser may be busy; retry")
	case <-p.stopCh:
		return nil, ErrPeerDisconnected
	}
}

// CDPSend issues one CDP command against a tab through the leader.
func (p *Peer) CDPSend(ctx context.Context, tabID, method string, params any) (json.RawMessage, error) {
	return p.RPCCall(ctx, "cdp.send", map[string]any{
		"tabId":  TabRef(tabID),
		"method": method,
		"params": params,
	})
}

// CDPSendMany batches when the leader's extension advertises cdpSendMany
// (known from the status poll), else falls back to sequential sends.
func (p *Peer) CDPSendMany(ctx context.Context, tabID string, commands []cdp.Command, stopOnError bool) ([]cdp.ManyResult, error) {
	p.mu.Lock()
	batched := p.leaderStatus.Capabilities.CDPSendMany
	p.mu.Unlock()
	if batched {
		raw, err := p.RPCCall(ctx, "cdp.sendMany", map[string]any{
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
		return p.CDPSend(ctx, tabID, cmd.Method, cmd.Params)
	})
}

// RPCBatch batches when advertised, else issues the calls sequentially.
func (p *Peer) RPCBatch(ctx context.Context, calls []RPCCallSpec, stopOnError bool) ([]cdp.ManyResult, error) {
	p.mu.Lock()
	batched := p.leaderStatus.Capabilities.RPCBatch
	p.mu.Unlock()
	if batched {
		raw, err := p.RPCCall(ctx, "rpc.batch", map[string]any{
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
		res, err := p.RPCCall(ctx, call.Method, call.Params)
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

// PopEvent checks the locally pushed queue first and falls back to asking the
// leader (which also subscribes this peer to the tab).
func (p *Peer) PopEvent(tabID, eventName string) (json.RawMessage, bool) {
	if params, ok := p.popLocal(tabID, eventName); ok {
		return params, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := p.RPCCall(ctx, "gateway.popEvent", map[string]any{
		"tabId":     TabRef(tabID),
		"eventName": eventName,
	})
	if err != nil || len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}

func (p *Peer) popLocal(tabID, eventName string) (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.tabs[tabID]
	for i, ev := range q {
		if ev.Method == eventName {
			p.tabs[tabID] = append(q[:i], q[i+1:]...)
			return ev.Params, true
		}
	}
	return nil, false
}

// WaitForEvent drains the local queue, then asks the leader to wait; the
// leader call doubles as the tab subscription for future pushes.
func (p *Peer) WaitForEvent(ctx context.Context, tabID, eventName string, timeout time.Duration) (json.RawMessage, error) {
	if params, ok := p.popLocal(tabID, eventName); ok {
		return params, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()
	raw, err := p.RPCCall(callCtx, "gateway.waitForEvent", map[string]any{
		"tabId":     TabRef(tabID),
		"eventName": eventName,
		"timeoutMs": timeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

// DrainEvents reports how many events are queued locally for a tab.
func (p *Peer) DrainEvents(tabID string, max int) int {
	if max <= 0 {
		max = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.tabs[tabID]); n < max {
		return n
	}
	return max
}

// SetEventSink registers the process-wide sink.
func (p *Peer) SetEventSink(sink EventSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// SetTabSink registers a per-tab sink. A nil sink removes it.
func (p *Peer) SetTabSink(tabID string, sink cdp.EventSink) {
	p.mu.Lock()
	if sink == nil {
		delete(p.tabSinks, tabID)
	} else {
		p.tabSinks[tabID] = sink
	}
	p.mu.Unlock()
}

// Status mirrors the leader's status with the local link state mixed in.
func (p *Peer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.leaderStatus
	st.Type = "browserMcpGateway"
	st.ProtocolVersion = ProtocolVersion
	st.IsProxy = true
	st.Listening = p.connected
	st.GatewayPort = p.leaderPort
	st.Port = p.leaderPort
	if st.ServerStartedAtMs == 0 {
		st.ServerStartedAtMs = p.leaderStartedAtMs
	}
	return st
}

// WaitForConnection blocks until the leader reports a connected extension.
func (p *Peer) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()
	_, err := p.RPCCall(callCtx, "gateway.waitForConnection", map[string]any{
		"timeoutMs": timeout.Milliseconds(),
	})
	return err
}

// IsProxy reports true: this process follows another process's leader, so
// the session manager must not adopt the user's active tab.
func (p *Peer) IsProxy() bool { return true }

// Stop closes the leader link and stops the loops.
func (p *Peer) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.connected = false
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "peer stopping")
	}
}
