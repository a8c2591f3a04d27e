package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diagPage simulates a document: the probe reports whatever was installed.
type diagPage struct {
	mu        sync.Mutex
	installed bool
	probes    int
	injects   int
}

func (p *diagPage) handle(method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fields, _ := params.(map[string]any)
	switch method {
	case "Page.addScriptToEvaluateOnNewDocument":
		p.injects++
		return json.RawMessage(`{"identifier":"1"}`), nil
	case "Runtime.evaluate":
		expr, _ := fields["expression"].(string)
		if expr == diagProbe {
			p.probes++
			if p.installed {
				return json.RawMessage(`{"result":{"type":"boolean","value":true}}`), nil
			}
			return json.RawMessage(`{"result":{"type":"boolean","value":false}}`), nil
		}
		// Running the instrumentation script installs the marker.
		p.installed = true
		return json.RawMessage(`{"result":{"type":"undefined"}}`), nil
	}
	return json.RawMessage(`{}`), nil
}

func TestEnsureDiagnosticsInstallsOnce(t *testing.T) {
	m := NewManager(testConfig(t), nil)
	defer m.Stop()

	page := &diagPage{}
	conn := &fakeConn{handler: page.handle}
	sess := NewSession(conn, "tab1")

	require.NoError(t, m.ensureDiagnostics(context.Background(), sess))
	assert.True(t, page.installed)
	assert.Equal(t, 1, page.injects)
	assert.Equal(t, 2, page.probes, "probe before and after install")

	// Within the cache window nothing is re-probed.
	require.NoError(t, m.ensureDiagnostics(context.Background(), sess))
	assert.Equal(t, 2, page.probes)
	assert.Equal(t, 1, page.injects)
}

func TestEnsureDiagnosticsSkipsWhenPresent(t *testing.T) {
	m := NewManager(testConfig(t), nil)
	defer m.Stop()

	page := &diagPage{installed: true}
	sess := NewSession(&fakeConn{handler: page.handle}, "tab1")

	require.NoError(t, m.ensureDiagnostics(context.Background(), sess))
	assert.Equal(t, 1, page.probes)
	assert.Zero(t, page.injects)
}

func TestProbeDiagnosticsStrictBoolean(t *testing.T) {
	m := NewManager(testConfig(t), nil)
	defer m.Stop()

	// Truthy stand-ins must not count as available.
	for _, payload := range []string{
		`{"result":{"type":"string","value":"true"}}`,
		`{"result":{"type":"number","value":1}}`,
		`{"result":{"type":"object","value":{}}}`,
		`{"result":{}}`,
	} {
		conn := &fakeConn{handler: func(string, any) (json.RawMessage, error) {
			return json.RawMessage(payload), nil
		}}
		assert.False(t, m.probeDiagnostics(context.Background(), NewSession(conn, "t")), payload)
	}

	conn := &fakeConn{handler: func(string, any) (json.RawMessage, error) {
		return json.RawMessage(`{"result":{"type":"boolean","value":true}}`), nil
	}}
	assert.True(t, m.probeDiagnostics(context.Background(), NewSession(conn, "t")))
}
