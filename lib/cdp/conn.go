package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"

	"github.com/browsermcp/server/lib/kinderr"
)

const (
	// DefaultEventQueueCap bounds the per-connection event FIFO. The oldest
	// entries are silently dropped when over cap.
	DefaultEventQueueCap = 2000

	defaultSendTimeout = 10 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// Conn is the direct websocket transport to one CDP target. A background
// receive loop owns the socket reads and routes responses to pending senders
// and events to the bounded FIFO, so command deadlines stay enforceable even
// when the target never responds. Abort breaks the raw socket underneath the
// receive loop.
type Conn struct {
	logger *slog.Logger
	wsURL  string

	ws  *websocket.Conn
	raw net.Conn

	writeMu sync.Mutex
	nextID  atomic.Int64
	closed  atomic.Bool
	done    chan struct{}

	pendingMu sync.Mutex
	pending   map[int64]chan *message

	evMu     sync.Mutex
	events   []Event
	eventCap int
	sink     EventSink
	evNotify chan struct{}

	sendTimeout time.Duration
}

// DialOptions tunes Dial. Zero values pick defaults.
type DialOptions struct {
	Timeout     time.Duration
	SendTimeout time.Duration
	EventCap    int
	Logger      *slog.Logger
}

// Dial establishes a client websocket to the CDP target at wsURL and starts
// the receive loop.
func Dial(ctx context.Context, wsURL string, opts DialOptions) (*Conn, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &websocket.Dialer{
		ReadBufferSize:  25 * 1024 * 1024,
		WriteBufferSize: 10 * 1024 * 1024,
	}
	ws, _, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindTransport,
			"failed to connect to the browser's debugging endpoint",
			"check that the browser is running with remote debugging enabled")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eventCap := opts.EventCap
	if eventCap <= 0 {
		eventCap = DefaultEventQueueCap
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	c := &Conn{
		logger:      logger,
		wsURL:       wsURL,
		ws:          ws,
		raw:         ws.UnderlyingConn(),
		done:        make(chan struct{}),
		pending:     map[int64]chan *message{},
		eventCap:    eventCap,
		evNotify:    make(chan struct{}, 1),
		sendTimeout: sendTimeout,
	}
	go c.recvLoop()
	return c, nil
}

// URL returns the websocket URL this connection was dialed with.
func (c *Conn) URL() string { return c.wsURL }

// Done is closed when the receive loop exits; background readers use it to
// drive their reconnect loops.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SetEventSink registers the sink receiving every event.
func (c *Conn) SetEventSink(sink EventSink) {
	c.evMu.Lock()
	c.sink = sink
	c.evMu.Unlock()
}

// recvLoop owns socket reads for the life of the connection.
func (c *Conn) recvLoop() {
	defer c.failPending()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Debug("cdp receive loop ended", "url", c.wsURL, "err", err)
			}
			c.closed.Store(true)
			close(c.done)
			return
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("skipping malformed cdp message", "err", err)
			continue
		}
		if msg.isEvent() {
			c.enqueueEvent(Event{Method: msg.Method, Params: msg.Params})
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &msg // buffered; never blocks
		} else {
			c.logger.Debug("dropping unmatched cdp response", "id", msg.ID)
		}
	}
}

// failPending completes every outstanding command with a transport error.
func (c *Conn) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = map[int64]chan *message{}
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- nil
	}
}

// Send issues one command, writing with a bounded deadline and waiting for
// the matching response id. Events received in the interim are handed to the
// sink and the FIFO by the receive loop, never dropped.
func (c *Conn) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	id := c.nextID.Add(1)
	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}

	ch := make(chan *message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.raw.SetWriteDeadline(time.Now().Add(c.sendTimeout))
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		if c.closed.Load() {
			return nil, ErrConnClosed
		}
		return nil, kinderr.Wrap(err, kinderr.KindTransport,
			fmt.Sprintf("failed to send %s", method), "the connection may be broken; retry the call")
	}

	timeout := c.sendTimeout
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg == nil {
			return nil, ErrConnClosed
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		return nil, timeoutErr(method)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnClosed
	}
}

// SendMany issues commands sequentially. The direct transport has no batch
// capability to negotiate.
func (c *Conn) SendMany(ctx context.Context, commands []Command, stopOnError bool) ([]ManyResult, error) {
	results := make([]ManyResult, 0, len(commands))
	for _, cmd := range commands {
		res, err := c.Send(ctx, cmd.Method, cmd.Params)
		if err != nil {
			results = append(results, ManyResult{OK: false, Error: err.Error()})
			if stopOnError {
				return results, err
			}
			continue
		}
		results = append(results, ManyResult{OK: true, Result: res})
	}
	return results, nil
}

// PopEvent dequeues the oldest matching event without blocking.
func (c *Conn) PopEvent(name string) (json.RawMessage, bool) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	for i, ev := range c.events {
		if ev.Method == name {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return ev.Params, true
		}
	}
	return nil, false
}

// WaitForEvent returns the params of the next matching event, draining the
// queue first. A nil result with nil error means the deadline passed.
func (c *Conn) WaitForEvent(ctx context.Context, name string, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if params, ok := c.PopEvent(name); ok {
			return params, nil
		}
		select {
		case <-c.evNotify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			// Flush anything enqueued before the close.
			if params, ok := c.PopEvent(name); ok {
				return params, nil
			}
			return nil, ErrConnClosed
		}
	}
}

// DrainEvents is a best-effort event pump. The receive loop already drains
// the socket continuously, so this only reports how many events are queued,
// capped at max.
func (c *Conn) DrainEvents(max int) int {
	if max <= 0 {
		max = 100
	}
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if len(c.events) < max {
		return len(c.events)
	}
	return max
}

// Abort shuts down the raw underlying socket without the websocket close
// handshake (SHUT_RDWR + close). Graceful close is known to hang when a JS
// dialog blocks the page, so it must never be used here.
func (c *Conn) Abort() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if sc, ok := c.raw.(syscall.Conn); ok {
		if rawConn, err := sc.SyscallConn(); err == nil {
			_ = rawConn.Control(func(fd uintptr) {
				_ = unix.Shutdown(int(fd), unix.SHUT_RDWR)
			})
		}
	}
	_ = c.raw.Close()
}

// Close delegates to Abort. It must never hang on a bricked page.
func (c *Conn) Close() error {
	c.Abort()
	return nil
}

func (c *Conn) enqueueEvent(ev Event) {
	c.evMu.Lock()
	sink := c.sink
	c.events = append(c.events, ev)
	if over := len(c.events) - c.eventCap; over > 0 {
		c.events = c.events[over:]
	}
	c.evMu.Unlock()
	if sink != nil {
		sink(ev.Method, ev.Params)
	}
	select {
	case c.evNotify <- struct{}{}:
	default:
	}
}

func timeoutErr(method string) error {
	return kinderr.Wrap(ErrCDPTimeout, kinderr.KindTimeout,
		fmt.Sprintf("CDP timed out waiting for %s", method),
		"the page may be blocked by a dialog; try the dialog tool or a soft recovery")
}

// IsTimeout reports whether err is a CDP deadline failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrCDPTimeout) || kinderr.IsTimeout(err)
}
