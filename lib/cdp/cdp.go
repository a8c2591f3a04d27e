// Package cdp implements the client side of the browser's remote debugging
// protocol: a direct websocket connection with command/response correlation,
// a bounded event queue, and abort-by-raw-socket-shutdown semantics.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCDPTimeout is the sentinel for a CDP command or event wait exceeding its
// deadline. It doubles as the brick-detection signal used by soft recovery.
var ErrCDPTimeout = errors.New("cdp timed out")

// ErrConnClosed indicates the connection was aborted or closed underneath a
// blocked operation.
var ErrConnClosed = errors.New("cdp connection closed")

// Command is one protocol command for SendMany.
type Command struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ManyResult is the per-command outcome of SendMany.
type ManyResult struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Event is a protocol event (method set, no id).
type Event struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// EventSink observes every event a connection receives, in arrival order.
// Sinks must be fast; they run on the receive path.
type EventSink func(method string, params json.RawMessage)

// Connection is the capability shared by the direct, extension and native
// transports. Send is synchronous with respect to the caller but may be
// cancelled by Abort from another goroutine.
type Connection interface {
	// Send issues one command and returns its result.
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	// SendMany behaves like sequential Send unless the backend negotiates a
	// batch capability, in which case it collapses to one round-trip.
	SendMany(ctx context.Context, commands []Command, stopOnError bool) ([]ManyResult, error)
	// WaitForEvent returns the params of the next matching event, draining
	// the queue first. A nil result with nil error means the deadline passed.
	WaitForEvent(ctx context.Context, name string, timeout time.Duration) (json.RawMessage, error)
	// PopEvent dequeues the oldest matching event without blocking.
	PopEvent(name string) (json.RawMessage, bool)
	// DrainEvents pumps pending events best-effort and returns how many were
	// queued. It must stop on any non-event message.
	DrainEvents(max int) int
	// SetEventSink registers the sink receiving every event.
	SetEventSink(sink EventSink)
	// Abort breaks the connection without a close handshake. It is the only
	// reliable breaker when the page's JS thread is blocked by a dialog.
	Abort()
	// Close releases the connection. Must never hang on a bricked page.
	Close() error
}

// Error is a protocol-level error returned by the browser.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// message is the wire shape shared by commands, responses and events.
type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

func (m *message) isEvent() bool { return m.Method != "" && m.ID == 0 }
