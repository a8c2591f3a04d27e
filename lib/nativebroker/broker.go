package nativebroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/browsermcp/server/lib/framing"
	"github.com/browsermcp/server/lib/gateway"
	"github.com/browsermcp/server/lib/kinderr"
	"github.com/browsermcp/server/lib/policy"
)

// Message is the native framing payload: the gateway bridge shapes plus the
// broker-specific fields.
type Message struct {
	gateway.Message
	ProfileID string `json:"profileId,omitempty"`
	Transport string `json:"transport,omitempty"`
	BrokerID  string `json:"brokerId,omitempty"`
}

// Registry is the discovery document a broker writes next to its socket.
type Registry struct {
	Type               string `json:"type"`
	ProtocolVersion    string `json:"protocolVersion"`
	BrokerID           string `json:"brokerId"`
	BrokerPID          int    `json:"brokerPid"`
	BrokerStartedAtMs  int64  `json:"brokerStartedAtMs"`
	SocketPath         string `json:"socketPath"`
	ExtensionConnected bool   `json:"extensionConnected"`
	PeerCount          int    `json:"peerCount"`
}

const registryType = "browserMcpNativeBroker"

// Broker bridges the extension on stdio with server peers on a unix socket,
// translating peer-local RPC ids to broker-global ones.
type Broker struct {
	logger     *slog.Logger
	runtimeDir string

	brokerID    string
	startedAtMs int64

	stdout  io.Writer
	stdoutM sync.Mutex

	mu           sync.Mutex
	listener     net.Listener
	peers        map[string]*brokerPeer
	capabilities gateway.Capabilities

	globalID  atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]pendingRoute
}

// pendingRoute remembers which peer (and which of its ids) a forwarded call
// belongs to.
type pendingRoute struct {
	peer    *brokerPeer
	localID int64
}

type brokerPeer struct {
	id      string
	pid     int
	conn    net.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	tabs map[string]bool
}

func (p *brokerPeer) subscribe(tabID string) {
	if tabID == "" {
		return
	}
	p.mu.Lock()
	p.tabs[tabID] = true
	p.mu.Unlock()
}

func (p *brokerPeer) subscribed(tabID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tabs[tabID]
}

func (p *brokerPeer) write(msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return framing.WriteFrame(p.conn, msg)
}

// NewBroker creates a broker. runtimeDir may be empty for the default.
func NewBroker(runtimeDir string, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:      logger,
		runtimeDir:  RuntimeDir(runtimeDir),
		startedAtMs: time.Now().UnixMilli(),
		peers:       map[string]*brokerPeer{},
		pending:     map[int64]pendingRoute{},
	}
}

// Run serves the extension on stdin/stdout until EOF. The first frame must
// be a hello carrying a profileId; everything after that is the bridge
// protocol.
func (b *Broker) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	b.stdout = stdout

	var hello Message
	if err := framing.ReadFrame(stdin, &hello); err != nil {
		return kinderr.Wrap(err, kinderr.KindProtocol, "failed to read native hello", "")
	}
	if hello.Type != gateway.MsgHello || hello.ProfileID == "" {
		return kinderr.New(kinderr.KindProtocol,
			"first native frame must be a hello with a profileId", "")
	}
	if hello.ProtocolVersion != gateway.ProtocolVersion {
		return kinderr.New(kinderr.KindProtocol, "protocol version mismatch",
			"update the extension or the server so both speak the same bridge version")
	}
	b.brokerID = policy.SanitizeBrokerID(hello.ProfileID)
	if hello.Capabilities != nil {
		b.mu.Lock()
		b.capabilities = *hello.Capabilities
		b.mu.Unlock()
	}

	if err := os.MkdirAll(b.runtimeDir, 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	socketPath := SocketPath(b.runtimeDir, b.brokerID)
	_ = os.Remove(socketPath) // stale socket from a dead broker
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on broker socket: %w", err)
	}
	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
		_ = os.Remove(RegistryPath(b.runtimeDir, b.brokerID))
	}()

	if err := b.writeRegistry(); err != nil {
		return err
	}
	go b.acceptPeers(ctx, listener)

	ack := &Message{
		Message: gateway.Message{
			Type:              gateway.MsgHelloAck,
			ProtocolVersion:   gateway.ProtocolVersion,
			ServerStartedAtMs: b.startedAtMs,
		},
		Transport: "native",
		BrokerID:  b.brokerID,
	}
	if err := b.writeExtension(ack); err != nil {
		return err
	}
	b.logger.Info("native broker ready", "brokerId", b.brokerID, "socket", socketPath)

	return b.extensionLoop(ctx, stdin)
}

// writeRegistry publishes the discovery document; rewritten when the peer
// count changes.
func (b *Broker) writeRegistry() error {
	b.mu.Lock()
	reg := Registry{
		Type:               registryType,
		ProtocolVersion:    gateway.ProtocolVersion,
		BrokerID:           b.brokerID,
		BrokerPID:          os.Getpid(),
		BrokerStartedAtMs:  b.startedAtMs,
		SocketPath:         SocketPath(b.runtimeDir, b.brokerID),
		ExtensionConnected: true,
		PeerCount:          len(b.peers),
	}
	b.mu.Unlock()
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	path := RegistryPath(b.runtimeDir, b.brokerID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *Broker) writeExtension(msg *Message) error {
	b.stdoutM.Lock()
	defer b.stdoutM.Unlock()
	return framing.WriteFrame(b.stdout, msg)
}

// extensionLoop reads frames from the extension until stdin closes.
func (b *Broker) extensionLoop(ctx context.Context, stdin io.Reader) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var msg Message
		if err := framing.ReadFrame(stdin, &msg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				b.logger.Info("extension pipe closed, broker exiting")
				return nil
			}
			var badLen *framing.ErrInvalidLength
			if errors.As(err, &badLen) {
				return kinderr.Wrap(err, kinderr.KindProtocol, "invalid native frame", "")
			}
			return err
		}
		switch msg.Type {
		case gateway.MsgRPCResult:
			b.routeResult(&msg)
		case gateway.MsgCDPEvent:
			b.fanOutEvent(&msg)
		case gateway.MsgPing:
			_ = b.writeExtension(&Message{Message: gateway.Message{Type: gateway.MsgPong}})
		case gateway.MsgLog:
			b.logger.Info("extension: " + msg.LogMessage)
		default:
			b.logger.Debug("broker: ignoring extension message", "type", msg.Type)
		}
	}
}

// routeResult translates a global rpc id back to the owning peer's local id.
func (b *Broker) routeResult(msg *Message) {
	b.pendingMu.Lock()
	route, ok := b.pending[msg.ID]
	if ok {
		delete(b.pending, msg.ID)
	}
	b.pendingMu.Unlock()
	if !ok {
		b.logger.Debug("broker: dropping unmatched rpcResult", "id", msg.ID)
		return
	}
	out := *msg
	out.ID = route.localID
	if err := route.peer.write(&out); err != nil {
		b.logger.Debug("broker: result write to peer failed", "peer", route.peer.id, "err", err)
	}
}

// fanOutEvent forwards a cdpEvent to every peer subscribed to its tab.
func (b *Broker) fanOutEvent(msg *Message) {
	tabID := string(msg.TabID)
	b.mu.Lock()
	peers := make([]*brokerPeer, 0, len(b.peers))
	for _, p := range b.peers {
		if p.subscribed(tabID) {
			peers = append(peers, p)
		}
	}
	b.mu.Unlock()
	for _, p := range peers {
		if err := p.write(msg); err != nil {
			b.logger.Debug("broker: event write to peer failed", "peer", p.id, "err", err)
		}
	}
}

func (b *Broker) acceptPeers(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go b.servePeer(ctx, conn)
	}
}

// servePeer handshakes one unix-socket peer and pumps its RPCs.
func (b *Broker) servePeer(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var hello Message
	if err := framing.ReadFrame(conn, &hello); err != nil {
		return
	}
	if hello.Type != gateway.MsgPeerHello || hello.ProtocolVersion != gateway.ProtocolVersion {
		return
	}
	peer := &brokerPeer{
		id:   hello.PeerID,
		pid:  hello.PID,
		conn: conn,
		tabs: map[string]bool{},
	}
	if peer.id == "" {
		peer.id = fmt.Sprintf("peer-%d", time.Now().UnixNano())
	}

	b.mu.Lock()
	b.peers[peer.id] = peer
	b.mu.Unlock()
	_ = b.writeRegistry()
	defer func() {
		b.mu.Lock()
		delete(b.peers, peer.id)
		b.mu.Unlock()
		b.dropPeerPending(peer)
		_ = b.writeRegistry()
		b.logger.Info("native peer disconnected", "peerId", peer.id)
	}()

	ack := &Message{Message: gateway.Message{
		Type:              gateway.MsgPeerHelloAck,
		ProtocolVersion:   gateway.ProtocolVersion,
		ServerStartedAtMs: b.startedAtMs,
	}}
	if err := peer.write(ack); err != nil {
		return
	}
	b.logger.Info("native peer connected", "peerId", peer.id, "pid", peer.pid)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var msg Message
		if err := framing.ReadFrame(conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case gateway.MsgRPC:
			b.dispatchPeerRPC(peer, &msg)
		case gateway.MsgPing:
			_ = peer.write(&Message{Message: gateway.Message{Type: gateway.MsgPong}})
		default:
			b.logger.Debug("broker: ignoring peer message", "type", msg.Type)
		}
	}
}

// dropPeerPending forgets forwarded calls owned by a vanished peer; the
// extension's eventual results are dropped on arrival.
func (b *Broker) dropPeerPending(peer *brokerPeer) {
	b.pendingMu.Lock()
	for id, route := range b.pending {
		if route.peer == peer {
			delete(b.pending, id)
		}
	}
	b.pendingMu.Unlock()
}

// dispatchPeerRPC answers gateway.status and gateway.waitForConnection
// itself; everything else is forwarded to the extension under a fresh global
// id. The peer is subscribed to any tab its params name.
func (b *Broker) dispatchPeerRPC(peer *brokerPeer, msg *Message) {
	var params struct {
		TabID gateway.TabRef `json:"tabId"`
	}
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &params)
	}
	peer.subscribe(string(params.TabID))

	switch msg.Method {
	case "gateway.status":
		b.replyStatus(peer, msg.ID)
	case "gateway.waitForConnection":
		// The broker only runs while the extension pipe is alive.
		result, _ := json.Marshal(map[string]bool{"connected": true})
		out := &Message{Message: gateway.Message{
			Type: gateway.MsgRPCResult, ID: msg.ID, OK: okPtr(true), Result: result,
		}}
		_ = peer.write(out)
	default:
		globalID := b.globalID.Add(1)
		b.pendingMu.Lock()
		b.pending[globalID] = pendingRoute{peer: peer, localID: msg.ID}
		b.pendingMu.Unlock()

		fwd := *msg
		fwd.ID = globalID
		if err := b.writeExtension(&fwd); err != nil {
			b.pendingMu.Lock()
			delete(b.pending, globalID)
			b.pendingMu.Unlock()
			out := &Message{Message: gateway.Message{
				Type: gateway.MsgRPCResult, ID: msg.ID, OK: okPtr(false),
				Error: "extension pipe write failed",
			}}
			_ = peer.write(out)
		}
	}
}

func (b *Broker) replyStatus(peer *brokerPeer, id int64) {
	b.mu.Lock()
	st := gateway.Status{
		Type:               registryType,
		ProtocolVersion:    gateway.ProtocolVersion,
		ServerStartedAtMs:  b.startedAtMs,
		PID:                os.Getpid(),
		ExtensionConnected: true,
		PeerCount:          len(b.peers),
		SupportsPeers:      true,
		Listening:          true,
		Capabilities:       b.capabilities,
	}
	b.mu.Unlock()
	result, err := json.Marshal(st)
	out := &Message{Message: gateway.Message{Type: gateway.MsgRPCResult, ID: id}}
	if err != nil {
		out.OK = okPtr(false)
		out.Error = err.Error()
	} else {
		out.OK = okPtr(true)
		out.Result = result
	}
	_ = peer.write(out)
}

func okPtr(b bool) *bool { return &b }
