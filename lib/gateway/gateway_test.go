package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsermcp/server/lib/cdp"
)

const testExtensionID = "abcdefghijklmnopabcdefghijklmnop"

// freePort grabs an ephemeral port and releases it for the caller to bind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// stubExtension is a scripted extension client used by gateway tests.
type stubExtension struct {
	t    *testing.T
	conn *websocket.Conn
	ack  *Message
	done chan struct{}
}

// dialStubExtension connects, handshakes and starts answering RPCs with
// canned replies.
func dialStubExtension(t *testing.T, port int, caps Capabilities) *stubExtension {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)

	require.NoError(t, writeMsg(ctx, conn, &Message{
		Type:            MsgHello,
		ProtocolVersion: ProtocolVersion,
		ExtensionID:     testExtensionID,
		Capabilities:    &caps,
	}))
	ack, err := readMsg(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, MsgHelloAck, ack.Type)
	require.NotEmpty(t, ack.SessionID)

	s := &stubExtension{t: t, conn: conn, ack: ack, done: make(chan struct{})}
	go s.serve()
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return s
}

// serve answers forwarded RPCs the way a real extension would.
func (s *stubExtension) serve() {
	defer close(s.done)
	for {
		msg, err := readMsg(context.Background(), s.conn)
		if err != nil {
			return
		}
		if msg.Type != MsgRPC {
			continue
		}
		out := &Message{Type: MsgRPCResult, ID: msg.ID, OK: boolPtr(true)}
		switch msg.Method {
		case "tabs.list":
			out.Result = json.RawMessage(`[{"id":55,"url":"https://example.com/"}]`)
		case "rpc.batch":
			out.Result = json.RawMessage(`[{"ok":true},{"ok":true}]`)
		case "cdp.sendMany":
			var params struct {
				Commands []cdp.Command `json:"commands"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			results := make([]cdp.ManyResult, len(params.Commands))
			for i := range results {
				results[i] = cdp.ManyResult{OK: true, Result: json.RawMessage(`{}`)}
			}
			raw, _ := json.Marshal(results)
			out.Result = raw
		default:
			out.Result = json.RawMessage(`{}`)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = writeMsg(ctx, s.conn, out)
		cancel()
	}
}

// emitEvent pushes a cdpEvent into the gateway.
func (s *stubExtension) emitEvent(tabID TabRef, method string, params any) {
	raw, err := json.Marshal(params)
	require.NoError(s.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.t, writeMsg(ctx, s.conn, &Message{
		Type:   MsgCDPEvent,
		TabID:  tabID,
		Method: method,
		Params: raw,
	}))
}

func startGateway(t *testing.T, port int, span int) *Gateway {
	t.Helper()
	g := New(Options{
		Port:          port,
		PortSpan:      span,
		ServerVersion: "test",
	})
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Stop)
	return g
}

func TestGatewayBindRecovery(t *testing.T) {
	port := freePort(t)

	// Hold the only candidate port so the bind fails.
	blocker, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)

	g := New(Options{
		Host:          "127.0.0.1",
		PortRange:     fmt.Sprintf("%d-%d", port, port),
		ServerVersion: "test",
	})
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	st := g.Status()
	assert.False(t, st.Listening)
	assert.NotEmpty(t, st.BindError)
	assert.Equal(t, port, st.Port)
	assert.Equal(t, []int{port}, st.Candidates)

	// Release the blocker: the retry loop must pick the port up quickly.
	require.NoError(t, blocker.Close())
	require.Eventually(t, func() bool {
		return g.Status().Listening
	}, 2500*time.Millisecond, 50*time.Millisecond)
	assert.Empty(t, g.Status().BindError)
}

func TestGatewayRPCAndEventRoundtrip(t *testing.T) {
	port := freePort(t)
	g := startGateway(t, port, 0)
	require.Eventually(t, func() bool { return g.Status().Listening }, 2*time.Second, 20*time.Millisecond)

	var sunk atomic.Int32
	g.SetEventSink(func(tabID, method string, params json.RawMessage) {
		if tabID == "55" && method == "Page.loadEventFired" {
			sunk.Add(1)
		}
	})

	stub := dialStubExtension(t, port, Capabilities{CDPSendMany: true, RPCBatch: true})
	require.Eventually(t, func() bool { return g.Status().ExtensionConnected }, 2*time.Second, 20*time.Millisecond)

	ctx := context.Background()

	// Plain RPC returns the stub's reply.
	raw, err := g.RPCCall(ctx, "tabs.list", nil)
	require.NoError(t, err)
	var tabs []map[string]any
	require.NoError(t, json.Unmarshal(raw, &tabs))
	require.Len(t, tabs, 1)
	assert.Equal(t, "https://example.com/", tabs[0]["url"])

	// rpc.batch collapses to one round-trip and keeps order.
	batch, err := g.RPCBatch(ctx, []RPCCallSpec{{Method: "state.get"}, {Method: "tabs.list"}}, false)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.True(t, batch[0].OK)
	assert.True(t, batch[1].OK)

	// cdp.sendMany round-trips a list of the same length.
	many, err := g.CDPSendMany(ctx, "55", []cdp.Command{
		{Method: "Runtime.enable"},
		{Method: "Page.enable"},
	}, false)
	require.NoError(t, err)
	require.Len(t, many, 2)

	// An emitted event is observable via WaitForEvent and the sink.
	stub.emitEvent("55", "Page.loadEventFired", map[string]int{"marker": 1})
	params, err := g.WaitForEvent(ctx, "55", "Page.loadEventFired", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, params)
	var got map[string]int
	require.NoError(t, json.Unmarshal(params, &got))
	assert.Equal(t, 1, got["marker"])
	assert.Eventually(t, func() bool { return sunk.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestGatewayRejectsWrongFirstMessage(t *testing.T) {
	port := freePort(t)
	g := startGateway(t, port, 0)
	require.Eventually(t, func() bool { return g.Status().Listening }, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, writeMsg(ctx, conn, &Message{Type: "bogus"}))
	_, err = readMsg(ctx, conn)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusProtocolError, websocket.CloseStatus(err))
}

func TestGatewayRejectsUnknownExtensionID(t *testing.T) {
	port := freePort(t)
	g := New(Options{
		Port:                port,
		ExpectedExtensionID: testExtensionID,
		ServerVersion:       "test",
	})
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()
	require.Eventually(t, func() bool { return g.Status().Listening }, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, writeMsg(ctx, conn, &Message{
		Type:            MsgHello,
		ProtocolVersion: ProtocolVersion,
		ExtensionID:     "ppppppppppppppppppppppppppppppppp"[:32],
	}))
	_, err = readMsg(ctx, conn)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestGatewayDisconnectFailsPendingRPCs(t *testing.T) {
	port := freePort(t)
	g := startGateway(t, port, 0)
	require.Eventually(t, func() bool { return g.Status().Listening }, 2*time.Second, 20*time.Millisecond)

	// A raw extension that never answers RPCs.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)
	require.NoError(t, writeMsg(ctx, conn, &Message{
		Type:            MsgHello,
		ProtocolVersion: ProtocolVersion,
		ExtensionID:     testExtensionID,
	}))
	_, err = readMsg(ctx, conn)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := g.RPCCall(context.Background(), "tabs.list", nil)
		errCh <- err
	}()
	// Let the call register, then drop the extension.
	time.Sleep(100 * time.Millisecond)
	_ = conn.Close(websocket.StatusNormalClosure, "")

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "extension disconnected")
	case <-time.After(3 * time.Second):
		t.Fatal("pending RPC was not failed on disconnect")
	}
}

func TestMultiPeerFanOut(t *testing.T) {
	port := freePort(t)
	g := startGateway(t, port, 0)
	require.Eventually(t, func() bool { return g.Status().Listening }, 2*time.Second, 20*time.Millisecond)

	stub := dialStubExtension(t, port, Capabilities{})
	require.Eventually(t, func() bool { return g.Status().ExtensionConnected }, 2*time.Second, 20*time.Millisecond)

	const peerCount = 10
	counters := make([]*atomic.Int32, peerCount)
	peers := make([]*Peer, peerCount)
	for i := 0; i < peerCount; i++ {
		p := NewPeer(PeerOptions{Host: "127.0.0.1", Port: port})
		require.NoError(t, p.connectTo(context.Background(), port))
		t.Cleanup(p.Stop)

		counters[i] = &atomic.Int32{}
		counter := counters[i]
		p.SetTabSink("55", func(method string, params json.RawMessage) {
			if method == "Page.loadEventFired" {
				counter.Add(1)
			}
		})
		// Subscribes the peer to tab 55 at the leader.
		_, err := p.CDPSend(context.Background(), "55", "Runtime.enable", nil)
		require.NoError(t, err)
		peers[i] = p
	}
	assert.Equal(t, peerCount, g.Status().PeerCount)

	stub.emitEvent("55", "Page.loadEventFired", map[string]int{"marker": 1})

	// Every peer must receive exactly one copy.
	require.Eventually(t, func() bool {
		for _, c := range counters {
			if c.Load() != 1 {
				return false
			}
		}
		return true
	}, 3*time.Second, 25*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	for i, c := range counters {
		assert.Equal(t, int32(1), c.Load(), "peer %d", i)
	}
}

func TestPeerLocalMethodsAndDiscovery(t *testing.T) {
	port := freePort(t)
	g := startGateway(t, port, 0)
	require.Eventually(t, func() bool { return g.Status().Listening }, 2*time.Second, 20*time.Millisecond)
	stub := dialStubExtension(t, port, Capabilities{})
	require.Eventually(t, func() bool { return g.Status().ExtensionConnected }, 2*time.Second, 20*time.Millisecond)
	_ = stub

	p := NewPeer(PeerOptions{Host: "127.0.0.1", PortRange: fmt.Sprintf("%d-%d", port, port)})
	require.NoError(t, p.Connect(context.Background()))
	t.Cleanup(p.Stop)

	assert.True(t, p.IsProxy())

	raw, err := p.RPCCall(context.Background(), "gateway.status", nil)
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.True(t, st.ExtensionConnected)
	assert.True(t, st.SupportsPeers)

	// waitForEvent through the leader, fed after the wait starts.
	go func() {
		time.Sleep(100 * time.Millisecond)
		stub.emitEvent("77", "Page.frameNavigated", map[string]string{"url": "https://example.com/a"})
	}()
	params, err := p.WaitForEvent(context.Background(), "77", "Page.frameNavigated", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, params)
}

func TestDiscoveryEndpoint(t *testing.T) {
	port := freePort(t)
	g := startGateway(t, port, 0)
	require.Eventually(t, func() bool { return g.Status().Listening }, 2*time.Second, 20*time.Millisecond)

	st, err := probeGateway(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.Equal(t, "browserMcpGateway", st.Type)
	assert.True(t, st.SupportsPeers)
	assert.False(t, st.ExtensionConnected)
	assert.Equal(t, port, st.GatewayPort)
}
