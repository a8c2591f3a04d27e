package nativebroker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsermcp/server/lib/cdp"
	"github.com/browsermcp/server/lib/framing"
	"github.com/browsermcp/server/lib/gateway"
)

// scriptedExtension answers forwarded RPCs in the background and pushes one
// cdpEvent after the first cdp.send.
func scriptedExtension(t *testing.T, ext *extensionSide) *atomic.Int32 {
	t.Helper()
	var sends atomic.Int32
	reply := func(msg *Message) { _ = framing.WriteFrame(ext.toBroker, msg) }
	go func() {
		for {
			var msg Message
			if err := framing.ReadFrame(ext.fromBroker, &msg); err != nil {
				return
			}
			if msg.Type != gateway.MsgRPC {
				continue
			}
			switch msg.Method {
			case "cdp.send":
				reply(&Message{Message: gateway.Message{
					Type: gateway.MsgRPCResult, ID: msg.ID,
					OK: okPtr(true), Result: json.RawMessage(`{"frameId":"f1"}`),
				}})
				if sends.Add(1) == 1 {
					reply(&Message{Message: gateway.Message{
						Type: gateway.MsgCDPEvent, TabID: "55",
						Method: "Page.loadEventFired", Params: json.RawMessage(`{"timestamp":2}`),
					}})
				}
			case "tabs.list":
				reply(&Message{Message: gateway.Message{
					Type: gateway.MsgRPCResult, ID: msg.ID,
					OK: okPtr(true), Result: json.RawMessage(`[{"id":55,"active":true}]`),
				}})
			default:
				reply(&Message{Message: gateway.Message{
					Type: gateway.MsgRPCResult, ID: msg.ID,
					OK: okPtr(false), Error: "unknown method",
				}})
			}
		}
	}()
	return &sends
}

func TestNativePeerAgainstBroker(t *testing.T) {
	ext, dir := startBroker(t)
	ext.write(t, &Message{
		Message: gateway.Message{
			Type:            gateway.MsgHello,
			ProtocolVersion: gateway.ProtocolVersion,
			Capabilities:    &gateway.Capabilities{Debugger: true, Tabs: true},
		},
		ProfileID: "PeerRoundtrip",
	})
	ext.read(t) // helloAck
	scriptedExtension(t, ext)

	socketPath, err := DiscoverBroker(DiscoveryOptions{Dir: dir})
	require.NoError(t, err)

	peer := NewPeer(PeerOptions{RPCTimeout: 3 * time.Second})
	require.NoError(t, peer.Connect(context.Background(), socketPath))
	defer peer.Stop()
	assert.True(t, peer.IsProxy())

	ctx := context.Background()
	require.NoError(t, peer.WaitForConnection(ctx, 2*time.Second))

	st, err := peer.RefreshStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.ExtensionConnected)
	assert.True(t, st.Capabilities.Tabs)
	assert.True(t, peer.Status().IsProxy)

	tabs, err := peer.RPCCall(ctx, "tabs.list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":55,"active":true}]`, string(tabs))

	res, err := peer.CDPSend(ctx, "55", "Page.navigate", map[string]any{"url": "https://example.com/"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"frameId":"f1"}`, string(res))

	params, err := peer.WaitForEvent(ctx, "55", "Page.loadEventFired", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, params)
	assert.JSONEq(t, `{"timestamp":2}`, string(params))

	// Unknown methods surface the extension's error.
	_, err = peer.RPCCall(ctx, "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown method")
}

func TestNativePeerSequentialSendManyFallback(t *testing.T) {
	ext, dir := startBroker(t)
	ext.write(t, &Message{
		Message: gateway.Message{
			Type:            gateway.MsgHello,
			ProtocolVersion: gateway.ProtocolVersion,
			// No cdpSendMany capability.
			Capabilities: &gateway.Capabilities{Debugger: true},
		},
		ProfileID: "FallbackSends",
	})
	ext.read(t)
	sends := scriptedExtension(t, ext)

	socketPath, err := DiscoverBroker(DiscoveryOptions{Dir: dir})
	require.NoError(t, err)
	peer := NewPeer(PeerOptions{RPCTimeout: 3 * time.Second})
	require.NoError(t, peer.Connect(context.Background(), socketPath))
	defer peer.Stop()
	_, err = peer.RefreshStatus(context.Background())
	require.NoError(t, err)

	results, err := peer.CDPSendMany(context.Background(), "55", []cdp.Command{
		{Method: "Page.enable"},
		{Method: "Runtime.enable"},
	}, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.True(t, results[1].OK)
	assert.Equal(t, int32(2), sends.Load())
}

func TestNativePeerFailsPendingOnBrokerExit(t *testing.T) {
	ext, dir := startBroker(t)
	ext.write(t, &Message{
		Message: gateway.Message{
			Type:            gateway.MsgHello,
			ProtocolVersion: gateway.ProtocolVersion,
		},
		ProfileID: "BrokerExit1",
	})
	ext.read(t)

	socketPath, err := DiscoverBroker(DiscoveryOptions{Dir: dir})
	require.NoError(t, err)
	peer := NewPeer(PeerOptions{RPCTimeout: 5 * time.Second})
	require.NoError(t, peer.Connect(context.Background(), socketPath))
	defer peer.Stop()

	errCh := make(chan error, 1)
	go func() {
		_, err := peer.RPCCall(context.Background(), "tabs.list", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	ext.close() // broker exits, dropping the socket

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disconnected")
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail after broker exit")
	}
	_, err = peer.RPCCall(context.Background(), "tabs.list", nil)
	assert.ErrorIs(t, err, ErrBrokerGone)
}
