package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTarget is a scriptable fake CDP endpoint.
type stubTarget struct {
	t       *testing.T
	srv     *httptest.Server
	mu      sync.Mutex
	conns   []*websocket.Conn
	handler func(conn *websocket.Conn, msg map[string]any)
}

func newStubTarget(t *testing.T, handler func(conn *websocket.Conn, msg map[string]any)) *stubTarget {
	t.Helper()
	st := &stubTarget{t: t, handler: handler}
	upgrader := websocket.Upgrader{}
	st.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		st.mu.Lock()
		st.conns = append(st.conns, conn)
		st.mu.Unlock()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if st.handler != nil {
				st.handler(conn, msg)
			}
		}
	}))
	t.Cleanup(st.srv.Close)
	return st
}

func (st *stubTarget) wsURL() string {
	return "ws" + strings.TrimPrefix(st.srv.URL, "http")
}

func writeJSON(conn *websocket.Conn, v any) {
	raw, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}

// echoResult replies to every command with {echo: method}.
func echoResult(conn *websocket.Conn, msg map[string]any) {
	writeJSON(conn, map[string]any{
		"id":     msg["id"],
		"result": map[string]any{"echo": msg["method"]},
	})
}

func TestSendRoundTrip(t *testing.T) {
	st := newStubTarget(t, echoResult)
	conn, err := Dial(context.Background(), st.wsURL(), DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	res, err := conn.Send(context.Background(), "Page.enable", nil)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(res, &out))
	assert.Equal(t, "Page.enable", out["echo"])
}

func TestEventsDuringSendArePreserved(t *testing.T) {
	st := newStubTarget(t, func(conn *websocket.Conn, msg map[string]any) {
		// Two events land before the response.
		writeJSON(conn, map[string]any{"method": "Page.loadEventFired", "params": map[string]any{"n": 1}})
		writeJSON(conn, map[string]any{"method": "Network.requestWillBeSent", "params": map[string]any{"n": 2}})
		echoResult(conn, msg)
	})
	conn, err := Dial(context.Background(), st.wsURL(), DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	var sinkEvents []string
	var sinkMu sync.Mutex
	conn.SetEventSink(func(method string, _ json.RawMessage) {
		sinkMu.Lock()
		sinkEvents = append(sinkEvents, method)
		sinkMu.Unlock()
	})

	_, err = conn.Send(context.Background(), "Runtime.evaluate", map[string]any{"expression": "1"})
	require.NoError(t, err)

	params, err := conn.WaitForEvent(context.Background(), "Page.loadEventFired", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, params)

	params, ok := conn.PopEvent("Network.requestWillBeSent")
	assert.True(t, ok)
	assert.NotNil(t, params)

	sinkMu.Lock()
	defer sinkMu.Unlock()
	assert.Equal(t, []string{"Page.loadEventFired", "Network.requestWillBeSent"}, sinkEvents)
}

func TestWaitForEventTimeoutReturnsNil(t *testing.T) {
	st := newStubTarget(t, echoResult)
	conn, err := Dial(context.Background(), st.wsURL(), DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	params, err := conn.WaitForEvent(context.Background(), "Page.loadEventFired", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestEventQueueDropsOldest(t *testing.T) {
	ready := make(chan struct{})
	st := newStubTarget(t, func(conn *websocket.Conn, msg map[string]any) {
		for i := 0; i < 10; i++ {
			writeJSON(conn, map[string]any{"method": "Ev", "params": map[string]any{"i": i}})
		}
		echoResult(conn, msg)
		close(ready)
	})
	conn, err := Dial(context.Background(), st.wsURL(), DialOptions{EventCap: 3})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Send(context.Background(), "Trigger", nil)
	require.NoError(t, err)
	<-ready

	// Only the newest 3 survive, oldest first.
	var seen []int
	for {
		params, ok := conn.PopEvent("Ev")
		if !ok {
			break
		}
		var p struct{ I int }
		require.NoError(t, json.Unmarshal(params, &p))
		seen = append(seen, p.I)
	}
	assert.Equal(t, []int{7, 8, 9}, seen)
}

func TestSendTimeout(t *testing.T) {
	st := newStubTarget(t, func(conn *websocket.Conn, msg map[string]any) {
		// Never respond.
	})
	conn, err := Dial(context.Background(), st.wsURL(), DialOptions{SendTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = conn.Send(context.Background(), "Page.navigate", nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAbortUnblocksSend(t *testing.T) {
	st := newStubTarget(t, func(conn *websocket.Conn, msg map[string]any) {
		// Never respond.
	})
	conn, err := Dial(context.Background(), st.wsURL(), DialOptions{SendTimeout: 30 * time.Second})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Send(context.Background(), "Page.navigate", nil)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	conn.Abort()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not unblock after abort")
	}
}

func TestSendManySequentialAndStopOnError(t *testing.T) {
	st := newStubTarget(t, func(conn *websocket.Conn, msg map[string]any) {
		if msg["method"] == "Bad.method" {
			writeJSON(conn, map[string]any{
				"id":    msg["id"],
				"error": map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		echoResult(conn, msg)
	})
	conn, err := Dial(context.Background(), st.wsURL(), DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	results, err := conn.SendMany(context.Background(), []Command{
		{Method: "Runtime.enable"},
		{Method: "Bad.method"},
		{Method: "Page.enable"},
	}, false)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].Error, "method not found")
	assert.True(t, results[2].OK)

	results, err = conn.SendMany(context.Background(), []Command{
		{Method: "Bad.method"},
		{Method: "Page.enable"},
	}, true)
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
}

func TestCDPErrorSurfaces(t *testing.T) {
	st := newStubTarget(t, func(conn *websocket.Conn, msg map[string]any) {
		writeJSON(conn, map[string]any{
			"id":    msg["id"],
			"error": map[string]any{"code": -32000, "message": "target crashed"},
		})
	})
	conn, err := Dial(context.Background(), st.wsURL(), DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Send(context.Background(), "Page.navigate", nil)
	var cdpErr *Error
	require.ErrorAs(t, err, &cdpErr)
	assert.Equal(t, -32000, cdpErr.Code)
	assert.Equal(t, fmt.Sprintf("cdp error %d: target crashed", -32000), cdpErr.Error())
}
