package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsermcp/server/lib/cdp"
)

// fakeConn records the commands sent through it.
type fakeConn struct {
	mu      sync.Mutex
	methods []string
}

func (f *fakeConn) Send(_ context.Context, method string, _ any) (json.RawMessage, error) {
	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.mu.Unlock()
	return json.RawMessage(`{}`), nil
}

func (f *fakeConn) SendMany(ctx context.Context, commands []cdp.Command, _ bool) ([]cdp.ManyResult, error) {
	results := make([]cdp.ManyResult, 0, len(commands))
	for _, cmd := range commands {
		res, err := f.Send(ctx, cmd.Method, cmd.Params)
		if err != nil {
			results = append(results, cdp.ManyResult{OK: false, Error: err.Error()})
			continue
		}
		results = append(results, cdp.ManyResult{OK: true, Result: res})
	}
	return results, nil
}

func (f *fakeConn) WaitForEvent(context.Context, string, time.Duration) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeConn) PopEvent(string) (json.RawMessage, bool) { return nil, false }
func (f *fakeConn) DrainEvents(int) int                     { return 0 }
func (f *fakeConn) SetEventSink(cdp.EventSink)              {}
func (f *fakeConn) Abort()                                  {}
func (f *fakeConn) Close() error                            { return nil }

func (f *fakeConn) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.methods))
	copy(out, f.methods)
	return out
}

func TestAutoDialogHandlesWhenArmed(t *testing.T) {
	conn := &fakeConn{}
	dials := 0
	worker := NewAutoDialog(func(_ context.Context, tabID string) (cdp.Connection, error) {
		dials++
		assert.Equal(t, "tab1", tabID)
		return conn, nil
	}, nil)

	worker.SetMode("tab1", "accept")
	worker.OnDialogOpen("tab1")

	require.Eventually(t, func() bool {
		return len(conn.sent()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Page.enable", "Page.handleJavaScriptDialog"}, conn.sent())
	assert.Equal(t, 1, dials)
}

func TestAutoDialogRateLimited(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	worker := NewAutoDialog(func(context.Context, string) (cdp.Connection, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return &fakeConn{}, nil
	}, nil)

	worker.SetMode("tab1", "dismiss")
	for i := 0; i < 5; i++ {
		worker.OnDialogOpen("tab1")
	}
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, dials)
	mu.Unlock()
}

func TestAutoDialogIgnoresUnarmedTabs(t *testing.T) {
	dials := 0
	worker := NewAutoDialog(func(context.Context, string) (cdp.Connection, error) {
		dials++
		return &fakeConn{}, nil
	}, nil)

	worker.OnDialogOpen("tab1")
	worker.SetMode("tab1", "accept")
	worker.SetMode("tab1", "off") // disarms
	worker.OnDialogOpen("tab1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, dials)
}
