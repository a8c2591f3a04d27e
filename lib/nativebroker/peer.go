package nativebroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/browsermcp/server/lib/cdp"
	"github.com/browsermcp/server/lib/framing"
	"github.com/browsermcp/server/lib/gateway"
	"github.com/browsermcp/server/lib/kinderr"
)

const (
	peerDialTimeout   = 5 * time.Second
	defaultRPCTimeout = 20 * time.Second
	tabQueueCap       = 2500
)

// ErrBrokerGone completes every pending call when the broker socket drops.
var ErrBrokerGone = kinderr.New(kinderr.KindTransport,
	"native broker disconnected",
	"the browser or its extension exited; reconnect once it is back")

// Peer is the native-transport sibling of gateway.Peer: identical outward
// API, but over a unix domain socket with length-prefixed JSON frames.
type Peer struct {
	logger     *slog.Logger
	peerID     string
	rpcTimeout time.Duration

	mu                sync.Mutex
	conn              net.Conn
	connected         bool
	socketPath        string
	brokerStartedAtMs int64
	brokerStatus      gateway.Status
	tabs              map[string][]cdp.Event
	sink              gateway.EventSink
	tabSinks          map[string]cdp.EventSink
	writeMu           sync.Mutex

	evNotify chan struct{}
	stopCh   chan struct{}
	stopped  atomic.Bool

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan rpcOutcome
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// PeerOptions configures a native peer.
type PeerOptions struct {
	RPCTimeout time.Duration
	Logger     *slog.Logger
}

// NewPeer creates a native peer. Call Connect with a discovered socket path.
func NewPeer(opts PeerOptions) *Peer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rpcTimeout := opts.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}
	return &Peer{
		logger:     logger,
		peerID:     cuid2.Generate(),
		rpcTimeout: rpcTimeout,
		tabs:       map[string][]cdp.Event{},
		tabSinks:   map[string]cdp.EventSink{},
		evNotify:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		pending:    map[int64]chan rpcOutcome{},
	}
}

// Connect dials the broker socket and performs the peer handshake.
func (p *Peer) Connect(ctx context.Context, socketPath string) error {
	dialer := net.Dialer{Timeout: peerDialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return kinderr.Wrap(err, kinderr.KindTransport,
			"failed to connect to the native broker",
			"check that the browser extension launched its native host")
	}

	hello := &Message{Message: gateway.Message{
		Type:            gateway.MsgPeerHello,
		ProtocolVersion: gateway.ProtocolVersion,
		PeerID:          p.peerID,
		PID:             os.Getpid(),
	}}
	if err := framing.WriteFrame(conn, hello); err != nil {
		_ = conn.Close()
		return kinderr.Wrap(err, kinderr.KindTransport, "native peer hello failed", "")
	}
	var ack Message
	if err := framing.ReadFrame(conn, &ack); err != nil || ack.Type != gateway.MsgPeerHelloAck {
		_ = conn.Close()
		return kinderr.New(kinderr.KindProtocol,
			"broker did not acknowledge the peer handshake",
			"check that both sides speak the same bridge version")
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.socketPath = socketPath
	p.brokerStartedAtMs = ack.ServerStartedAtMs
	p.mu.Unlock()

	p.logger.Info("joined native broker", "socket", socketPath, "peerId", p.peerID)
	go p.readLoop(conn)
	return nil
}

func (p *Peer) readLoop(conn net.Conn) {
	for {
		var msg Message
		if err := framing.ReadFrame(conn, &msg); err != nil {
			p.onDisconnect(conn)
			return
		}
		switch msg.Type {
		case gateway.MsgRPCResult:
			p.completeRPC(&msg)
		case gateway.MsgCDPEvent:
			p.ingestEvent(string(msg.TabID), msg.Method, msg.Params)
		case gateway.MsgPong:
		default:
			p.logger.Debug("native peer: ignoring message", "type", msg.Type)
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

func (p *Peer) onDisconnect(conn net.Conn) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.connected = false
	p.mu.Unlock()
	_ = conn.Close()

	p.pendingMu.Lock()
	pending := p.pending
	p.pending = map[int64]chan rpcOutcome{}
	p.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- rpcOutcome{err: ErrBrokerGone}
	}
	if !p.stopped.Load() {
		p.logger.Info("native broker link lost")
	}
}

// --- gateway.Client surface ---

// RPCCall sends one rpc frame and waits for its result.
func (p *Peer) RPCCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, ErrBrokerGone
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

	req := &Message{Message: gateway.Message{Type: gateway.MsgRPC, ID: id, Method: method, Params: raw}}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMs = time.Until(deadline).Milliseconds()
	}
	p.writeMu.Lock()
	err := framing.WriteFrame(conn, req)
	p.writeMu.Unlock()
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindTransport,
			"failed to send RPC to the native broker", "the broker may have exited; reconnect")
	}

	select {
	case outcome := <-ch:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, kinderr.Wrap(ctx.Err(), kinderr.KindTimeout,
			fmt.Sprintf("native RPC %s timed out", method), "the browser may be busy; retry")
	case <-p.stopCh:
		return nil, ErrBrokerGone
	}
}

// CDPSend issues one CDP command against a tab through the broker.
func (p *Peer) CDPSend(ctx context.Context, tabID, method string, params any) (json.RawMessage, error) {
	return p.RPCCall(ctx, "cdp.send", map[string]any{
		"tabId":  gateway.TabRef(tabID),
		"method": method,
		"params": params,
	})
}

// CDPSendMany batches when the extension behind the broker advertises
// cdpSendMany, else falls back to sequential sends.
func (p *Peer) CDPSendMany(ctx context.Context, tabID string, commands []cdp.Command, stopOnError bool) ([]cdp.ManyResult, error) {
	if p.capabilities().CDPSendMany {
		raw, err := p.RPCCall(ctx, "cdp.sendMany", map[string]any{
			"tabId":       gateway.TabRef(tabID),
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
	results := make([]cdp.ManyResult, 0, len(commands))
	for _, cmd := range commands {
		res, err := p.CDPSend(ctx, tabID, cmd.Method, cmd.Params)
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

// RPCBatch batches when advertised, else issues the calls sequentially.
func (p *Peer) RPCBatch(ctx context.Context, calls []gateway.RPCCallSpec, stopOnError bool) ([]cdp.ManyResult, error) {
	if p.capabilities().RPCBatch {
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

func (p *Peer) capabilities() gateway.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brokerStatus.Capabilities
}

// RefreshStatus polls the broker's status; callers use it to surface live
// extension capabilities.
func (p *Peer) RefreshStatus(ctx context.Context) (gateway.Status, error) {
	raw, err := p.RPCCall(ctx, "gateway.status", nil)
	if err != nil {
		return gateway.Status{}, err
	}
	var st gateway.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return gateway.Status{}, err
	}
	p.mu.Lock()
	p.brokerStatus = st
	p.mu.Unlock()
	return st, nil
}

// PopEvent dequeues the oldest locally pushed matching event.
func (p *Peer) PopEvent(tabID, eventName string) (json.RawMessage, bool) {
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

// WaitForEvent blocks until the broker pushes a matching event or the
// timeout passes (nil, nil).
func (p *Peer) WaitForEvent(ctx context.Context, tabID, eventName string, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if params, ok := p.PopEvent(tabID, eventName); ok {
			return params, nil
		}
		select {
		case <-p.evNotify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.stopCh:
			return nil, ErrBrokerGone
		}
	}
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
func (p *Peer) SetEventSink(sink gateway.EventSink) {
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

// Status mirrors the broker's last polled status with the link state mixed
// in.
func (p *Peer) Status() gateway.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.brokerStatus
	st.Type = registryType
	st.ProtocolVersion = gateway.ProtocolVersion
	st.IsProxy = true
	st.Listening = p.connected
	st.ExtensionConnected = p.connected
	if st.ServerStartedAtMs == 0 {
		st.ServerStartedAtMs = p.brokerStartedAtMs
	}
	return st
}

// WaitForConnection asks the broker; the broker only runs while its
// extension pipe is alive, so a connected peer is already done.
func (p *Peer) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()
	_, err := p.RPCCall(callCtx, "gateway.waitForConnection", map[string]any{
		"timeoutMs": timeout.Milliseconds(),
	})
	return err
}

// IsProxy reports true: the broker owns the extension attachment.
func (p *Peer) IsProxy() bool { return true }

// Stop closes the broker link.
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
		_ = conn.Close()
	}
}
