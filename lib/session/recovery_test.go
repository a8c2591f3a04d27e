package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/browsermcp/server/lib/cdp"
)

func TestProbeConnOnlyTimeoutIsBrick(t *testing.T) {
	m := NewManager(testConfig(t), nil)
	defer m.Stop()

	healthy := &fakeConn{handler: func(string, any) (json.RawMessage, error) {
		return json.RawMessage(`{"result":{"type":"number","value":1}}`), nil
	}}
	assert.True(t, m.probeConn(context.Background(), healthy))

	// A dialog-blocked JS thread manifests as a command timeout.
	bricked := &fakeConn{handler: func(string, any) (json.RawMessage, error) {
		return nil, cdp.ErrCDPTimeout
	}}
	assert.False(t, m.probeConn(context.Background(), bricked))

	// Other failures are transport trouble, not a bricked page.
	flaky := &fakeConn{handler: func(string, any) (json.RawMessage, error) {
		return nil, errors.New("websocket: close 1006")
	}}
	assert.True(t, m.probeConn(context.Background(), flaky))
}

func TestRescueWithoutTransportFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrowserMode = "attach"
	cfg.BrowserPort = 1 // nothing listens there
	m := NewManager(cfg, nil)
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.Rescue(ctx, false)
	assert.Error(t, err)
}
