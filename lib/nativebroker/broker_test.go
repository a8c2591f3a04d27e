package nativebroker

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsermcp/server/lib/framing"
	"github.com/browsermcp/server/lib/gateway"
)

// extensionSide drives the broker's stdio end the way the browser extension
// would: frames in on the broker's stdin, frames out of its stdout.
type extensionSide struct {
	toBroker   *io.PipeWriter
	fromBroker *io.PipeReader
}

func (e *extensionSide) write(t *testing.T, msg *Message) {
	t.Helper()
	require.NoError(t, framing.WriteFrame(e.toBroker, msg))
}

func (e *extensionSide) read(t *testing.T) *Message {
	t.Helper()
	var msg Message
	require.NoError(t, framing.ReadFrame(e.fromBroker, &msg))
	return &msg
}

func (e *extensionSide) close() { _ = e.toBroker.Close() }

func startBroker(t *testing.T) (*extensionSide, string) {
	t.Helper()
	dir := t.TempDir()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	broker := NewBroker(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- broker.Run(ctx, stdinR, stdoutW) }()
	t.Cleanup(func() {
		cancel()
		_ = stdinW.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})

	return &extensionSide{toBroker: stdinW, fromBroker: stdoutR}, dir
}

func connectRawPeer(t *testing.T, dir string) net.Conn {
	t.Helper()
	path, err := DiscoverBroker(DiscoveryOptions{Dir: dir})
	require.NoError(t, err)
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hello := &Message{Message: gateway.Message{
		Type:            gateway.MsgPeerHello,
		ProtocolVersion: gateway.ProtocolVersion,
		PeerID:          "raw-peer",
		PID:             os.Getpid(),
	}}
	require.NoError(t, framing.WriteFrame(conn, hello))
	var ack Message
	require.NoError(t, framing.ReadFrame(conn, &ack))
	require.Equal(t, gateway.MsgPeerHelloAck, ack.Type)
	return conn
}

func TestBrokerRoundtrip(t *testing.T) {
	ext, dir := startBroker(t)

	ext.write(t, &Message{
		Message: gateway.Message{
			Type:            gateway.MsgHello,
			ProtocolVersion: gateway.ProtocolVersion,
			Capabilities:    &gateway.Capabilities{Debugger: true, Tabs: true},
		},
		ProfileID: "TestProfile",
	})
	ack := ext.read(t)
	assert.Equal(t, gateway.MsgHelloAck, ack.Type)
	assert.Equal(t, "native", ack.Transport)
	assert.Equal(t, "TestProfile", ack.BrokerID)

	peer := connectRawPeer(t, dir)

	// The peer's local id 999 must be forwarded under a fresh global id and
	// translated back on the result.
	req := &Message{Message: gateway.Message{Type: gateway.MsgRPC, ID: 999, Method: "tabs.list"}}
	require.NoError(t, framing.WriteFrame(peer, req))

	forwarded := ext.read(t)
	assert.Equal(t, gateway.MsgRPC, forwarded.Type)
	assert.Equal(t, "tabs.list", forwarded.Method)
	assert.NotEqual(t, int64(999), forwarded.ID)

	ext.write(t, &Message{Message: gateway.Message{
		Type: gateway.MsgRPCResult, ID: forwarded.ID,
		OK: okPtr(true), Result: json.RawMessage(`[{"id":55}]`),
	}})
	var result Message
	require.NoError(t, framing.ReadFrame(peer, &result))
	assert.Equal(t, int64(999), result.ID)
	require.NotNil(t, result.OK)
	assert.True(t, *result.OK)
	assert.JSONEq(t, `[{"id":55}]`, string(result.Result))

	// A cdp.send subscribes the peer to its tab; events for it flow back.
	send := &Message{Message: gateway.Message{
		Type: gateway.MsgRPC, ID: 1000, Method: "cdp.send",
		Params: json.RawMessage(`{"tabId":55,"method":"Page.enable"}`),
	}}
	require.NoError(t, framing.WriteFrame(peer, send))
	forwarded = ext.read(t)
	ext.write(t, &Message{Message: gateway.Message{
		Type: gateway.MsgRPCResult, ID: forwarded.ID, OK: okPtr(true), Result: json.RawMessage(`{}`),
	}})
	var sendResult Message
	require.NoError(t, framing.ReadFrame(peer, &sendResult))
	assert.Equal(t, int64(1000), sendResult.ID)

	ext.write(t, &Message{Message: gateway.Message{
		Type: gateway.MsgCDPEvent, TabID: "55",
		Method: "Page.loadEventFired", Params: json.RawMessage(`{"timestamp":1}`),
	}})
	var event Message
	require.NoError(t, framing.ReadFrame(peer, &event))
	assert.Equal(t, gateway.MsgCDPEvent, event.Type)
	assert.Equal(t, gateway.TabRef("55"), event.TabID)
	assert.Equal(t, "Page.loadEventFired", event.Method)
}

func TestBrokerRejectsBadHello(t *testing.T) {
	dir := t.TempDir()
	stdinR, stdinW := io.Pipe()

	broker := NewBroker(dir, nil)
	done := make(chan error, 1)
	go func() { done <- broker.Run(context.Background(), stdinR, io.Discard) }()

	require.NoError(t, framing.WriteFrame(stdinW, &Message{Message: gateway.Message{
		Type: gateway.MsgRPC, Method: "tabs.list",
	}}))
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hello")
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not reject the bad hello")
	}
}

func TestBrokerAnswersLocalMethods(t *testing.T) {
	ext, dir := startBroker(t)
	ext.write(t, &Message{
		Message: gateway.Message{
			Type:            gateway.MsgHello,
			ProtocolVersion: gateway.ProtocolVersion,
			Capabilities:    &gateway.Capabilities{CDPSendMany: true},
		},
		ProfileID: "LocalMethods",
	})
	ext.read(t) // helloAck

	peer := connectRawPeer(t, dir)
	require.NoError(t, framing.WriteFrame(peer, &Message{Message: gateway.Message{
		Type: gateway.MsgRPC, ID: 1, Method: "gateway.status",
	}}))
	var result Message
	require.NoError(t, framing.ReadFrame(peer, &result))
	var st gateway.Status
	require.NoError(t, json.Unmarshal(result.Result, &st))
	assert.True(t, st.ExtensionConnected)
	assert.True(t, st.Capabilities.CDPSendMany)
	assert.Equal(t, 1, st.PeerCount)

	require.NoError(t, framing.WriteFrame(peer, &Message{Message: gateway.Message{
		Type: gateway.MsgRPC, ID: 2, Method: "gateway.waitForConnection",
		Params: json.RawMessage(`{"timeoutMs":1000}`),
	}}))
	require.NoError(t, framing.ReadFrame(peer, &result))
	assert.Equal(t, int64(2), result.ID)
	assert.JSONEq(t, `{"connected":true}`, string(result.Result))
}

func TestBrokerCleansUpOnExtensionEOF(t *testing.T) {
	ext, dir := startBroker(t)
	ext.write(t, &Message{
		Message: gateway.Message{
			Type:            gateway.MsgHello,
			ProtocolVersion: gateway.ProtocolVersion,
		},
		ProfileID: "CleanExit1",
	})
	ext.read(t)

	socketPath, err := DiscoverBroker(DiscoveryOptions{Dir: dir})
	require.NoError(t, err)
	ext.close()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return os.IsNotExist(err)
	}, 2*time.Second, 25*time.Millisecond)
	matches, _ := filepath.Glob(filepath.Join(dir, "broker-*.json"))
	assert.Empty(t, matches)
}
