package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/browsermcp/server/lib/cdp"
)

// CdpConn adapts a gateway Client to the cdp.Connection capability for one
// tab. It is a stateless wrapper: events are pushed by the gateway, not
// pulled from a socket, and closing it never tears the shared link down.
type CdpConn struct {
	client Client
	tabID  string
}

// NewCdpConn wraps a gateway backend as a tab-scoped CDP connection.
func NewCdpConn(client Client, tabID string) *CdpConn {
	return &CdpConn{client: client, tabID: tabID}
}

// TabID returns the tab this connection is keyed by.
func (c *CdpConn) TabID() string { return c.tabID }

// Send routes one CDP command through the gateway.
func (c *CdpConn) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.client.CDPSend(ctx, c.tabID, method, params)
}

// SendMany routes a command batch through the gateway, which collapses it to
// one round-trip when the extension supports that.
func (c *CdpConn) SendMany(ctx context.Context, commands []cdp.Command, stopOnError bool) ([]cdp.ManyResult, error) {
	return c.client.CDPSendMany(ctx, c.tabID, commands, stopOnError)
}

// WaitForEvent blocks for the next matching event on this tab.
func (c *CdpConn) WaitForEvent(ctx context.Context, name string, timeout time.Duration) (json.RawMessage, error) {
	return c.client.WaitForEvent(ctx, c.tabID, name, timeout)
}

// PopEvent dequeues the oldest matching event without blocking.
func (c *CdpConn) PopEvent(name string) (json.RawMessage, bool) {
	return c.client.PopEvent(c.tabID, name)
}

// DrainEvents reports how many events are queued for this tab.
func (c *CdpConn) DrainEvents(max int) int {
	return c.client.DrainEvents(c.tabID, max)
}

// SetEventSink registers a sink for this tab's events.
func (c *CdpConn) SetEventSink(sink cdp.EventSink) {
	c.client.SetTabSink(c.tabID, sink)
}

// Abort is a no-op: there is no per-tab socket to break. Hung extension RPCs
// unwind through their own timeouts.
func (c *CdpConn) Abort() {}

// Close detaches the tab sink. The underlying gateway link is shared and
// stays up.
func (c *CdpConn) Close() error {
	c.client.SetTabSink(c.tabID, nil)
	return nil
}
