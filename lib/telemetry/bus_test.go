package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTarget is a minimal CDP endpoint: it acks every command and then
// streams the configured events.
func stubTarget(t *testing.T, events []map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Ack the four domain enables.
		for i := 0; i < 4; i++ {
			var msg struct {
				ID int64 `json:"id"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.WriteJSON(map[string]any{"id": msg.ID, "result": map[string]any{}})
		}
		for _, ev := range events {
			_ = conn.WriteJSON(ev)
		}
		// Hold the socket open until the client drops it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestBusIngestsEvents(t *testing.T) {
	srv := stubTarget(t, []map[string]any{
		{
			"method": "Page.javascriptDialogOpening",
			"params": map[string]any{"type": "alert", "message": "hi", "url": "https://example.com/?x=1"},
		},
	})
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	tab := NewTabTelemetry(Options{})
	buses := NewBuses(nil)
	buses.Ensure("tab1", wsURL, tab)
	defer buses.StopAll()

	require.Eventually(t, func() bool {
		open, _ := tab.DialogOpen()
		return open
	}, 3*time.Second, 25*time.Millisecond)
	_, last := tab.DialogOpen()
	assert.Equal(t, "https://example.com/", last.URL)
}

func TestBusesReplaceOnURLChange(t *testing.T) {
	srv := stubTarget(t, nil)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	tab := NewTabTelemetry(Options{})
	buses := NewBuses(nil)
	first := buses.Ensure("tab1", wsURL, tab)
	same := buses.Ensure("tab1", wsURL, tab)
	assert.Same(t, first, same)

	second := buses.Ensure("tab1", wsURL+"/other", tab)
	assert.NotSame(t, first, second)
	assert.True(t, first.stopped.Load())
	buses.StopAll()

	// Ingest keeps working after the buses are gone; failures never
	// propagate to callers.
	raw, _ := json.Marshal(map[string]any{"url": "https://example.com/b"})
	tab.Ingest("Page.navigatedWithinDocument", raw)
	assert.Len(t, tab.Snapshot(SnapshotRequest{}).Navigation, 1)
}
