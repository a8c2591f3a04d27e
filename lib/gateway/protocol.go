// Package gateway implements the extension bridge: a local websocket server
// that hosts the browser extension (leader), a peer client that shares another
// process's leader, and the file-lock election between them.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/browsermcp/server/lib/cdp"
)

// ProtocolVersion is the opaque extension bridge version string. Peers and
// extensions must present it verbatim; it is checked for equality only.
const ProtocolVersion = "browser-mcp/1"

// DiscoveryPath is the well-known HTTP endpoint served on the gateway port so
// probes stay quiet (no storms of failed websocket upgrades).
const DiscoveryPath = "/.well-known/browser-mcp-gateway"

// Message type constants shared by all bridge links.
const (
	MsgHello        = "hello"
	MsgHelloAck     = "helloAck"
	MsgPeerHello    = "peerHello"
	MsgPeerHelloAck = "peerHelloAck"
	MsgRPC          = "rpc"
	MsgRPCResult    = "rpcResult"
	MsgCDPEvent     = "cdpEvent"
	MsgLog          = "log"
	MsgPing         = "ping"
	MsgPong         = "pong"
)

// Capabilities advertises what a connected extension can do. Absent flags
// mean the capability is unavailable and the server must fall back.
type Capabilities struct {
	Debugger    bool `json:"debugger,omitempty"`
	Tabs        bool `json:"tabs,omitempty"`
	CDPSendMany bool `json:"cdpSendMany,omitempty"`
	RPCBatch    bool `json:"rpcBatch,omitempty"`
}

// ExtensionState is the extension's last reported UI state.
type ExtensionState struct {
	Enabled      bool   `json:"enabled"`
	FollowActive bool   `json:"followActive,omitempty"`
	FocusedTabID TabRef `json:"focusedTabId,omitempty"`
}

// ExtensionClientInfo describes one connected browser extension.
type ExtensionClientInfo struct {
	ID           string          `json:"extensionId"`
	Version      string          `json:"extensionVersion,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
	Capabilities Capabilities    `json:"capabilities"`
	State        *ExtensionState `json:"state,omitempty"`
}

// TabRef is a tab identifier on the wire. Chrome extensions send numeric tab
// ids while the rest of the system keys everything by string; both decode to
// the same value. Numeric-looking refs are re-encoded as numbers so the
// extension sees the shape it sent.
type TabRef string

func (t *TabRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = TabRef(s)
		return nil
	}
	if string(b) == "null" {
		*t = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = TabRef(n.String())
	return nil
}

func (t TabRef) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(t), 10, 64); err == nil {
		return []byte(t), nil
	}
	return json.Marshal(string(t))
}

// Message is the single wire shape carried on every bridge link. Fields are
// populated per Type; unknown fields are ignored by receivers.
type Message struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`

	// hello / helloAck
	ExtensionID      string          `json:"extensionId,omitempty"`
	ExtensionVersion string          `json:"extensionVersion,omitempty"`
	UserAgent        string          `json:"userAgent,omitempty"`
	Capabilities     *Capabilities   `json:"capabilities,omitempty"`
	State            *ExtensionState `json:"state,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`

	// helloAck / peerHelloAck / status
	ServerVersion     string `json:"serverVersion,omitempty"`
	ServerStartedAtMs int64  `json:"serverStartedAtMs,omitempty"`
	GatewayPort       int    `json:"gatewayPort,omitempty"`

	// peerHello
	PeerID string `json:"peerId,omitempty"`
	PID    int    `json:"pid,omitempty"`

	// rpc / rpcResult
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`

	// cdpEvent
	TabID TabRef `json:"tabId,omitempty"`

	// log
	Level      string          `json:"level,omitempty"`
	LogMessage string          `json:"message,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

// Status is both the gateway.status RPC result and the discovery endpoint
// body.
type Status struct {
	Type               string       `json:"type"`
	ProtocolVersion    string       `json:"protocolVersion"`
	ServerVersion      string       `json:"serverVersion"`
	ServerStartedAtMs  int64        `json:"serverStartedAtMs"`
	GatewayPort        int          `json:"gatewayPort"`
	PID                int          `json:"pid"`
	ExtensionConnected bool         `json:"extensionConnected"`
	PeerCount          int          `json:"peerCount"`
	SupportsPeers      bool         `json:"supportsPeers"`
	Listening          bool         `json:"listening"`
	BindError          string       `json:"bindError,omitempty"`
	Port               int          `json:"port,omitempty"`
	Candidates         []int        `json:"candidates,omitempty"`
	Capabilities       Capabilities `json:"capabilities"`
	IsProxy            bool         `json:"isProxy,omitempty"`
}

// EventSink observes every CDP event a gateway backend receives, keyed by
// tab. Sinks run on the receive path and must be fast.
type EventSink func(tabID string, method string, params json.RawMessage)

// Client is the capability shared by the leader gateway, the ws peer and the
// native peer. Session-level code never cares which one it holds.
type Client interface {
	Status() Status
	WaitForConnection(ctx context.Context, timeout time.Duration) error
	RPCCall(ctx context.Context, method string, params any) (json.RawMessage, error)
	CDPSend(ctx context.Context, tabID string, method string, params any) (json.RawMessage, error)
	CDPSendMany(ctx context.Context, tabID string, commands []cdp.Command, stopOnError bool) ([]cdp.ManyResult, error)
	RPCBatch(ctx context.Context, calls []RPCCallSpec, stopOnError bool) ([]cdp.ManyResult, error)
	PopEvent(tabID, eventName string) (json.RawMessage, bool)
	WaitForEvent(ctx context.Context, tabID, eventName string, timeout time.Duration) (json.RawMessage, error)
	DrainEvents(tabID string, max int) int
	SetEventSink(sink EventSink)
	SetTabSink(tabID string, sink cdp.EventSink)
	IsProxy() bool
	Stop()
}

// RPCCallSpec is one entry of an rpc.batch call.
type RPCCallSpec struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// readMsg reads one JSON message from a websocket link.
func readMsg(ctx context.Context, conn *websocket.Conn) (*Message, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// writeMsg writes one JSON message to a websocket link.
func writeMsg(ctx context.Context, conn *websocket.Conn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func boolPtr(b bool) *bool { return &b }
