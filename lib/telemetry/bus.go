package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/browsermcp/server/lib/cdp"
)

const (
	busReconnectStart = 250 * time.Millisecond
	busReconnectCap   = 5 * time.Second
)

// Bus is a per-tab background reader: it keeps a dedicated direct CDP
// connection to the tab, enables the event domains and drains every event
// into the telemetry buffers. Failures reconnect with backoff and never
// propagate to tool callers.
type Bus struct {
	logger *slog.Logger
	tabID  string
	wsURL  string
	tab    *TabTelemetry

	mu      sync.Mutex
	conn    *cdp.Conn
	stopCh  chan struct{}
	stopped atomic.Bool
}

// NewBus creates a bus for one (tab, ws URL) pair. Call Start to begin.
func NewBus(tabID, wsURL string, tab *TabTelemetry, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		tabID:  tabID,
		wsURL:  wsURL,
		tab:    tab,
		stopCh: make(chan struct{}),
	}
}

// URL returns the websocket URL this bus reads from.
func (b *Bus) URL() string { return b.wsURL }

// Start launches the connect/reconnect loop in the background.
func (b *Bus) Start() {
	go b.run()
}

func (b *Bus) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-b.stopCh
		cancel()
	}()

	_ = retry.New(
		retry.Attempts(0),
		retry.Delay(busReconnectStart),
		retry.MaxDelay(busReconnectCap),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	).Do(func() error {
		if b.stopped.Load() {
			return nil
		}
		err := b.session(ctx)
		if err != nil && !b.stopped.Load() {
			b.logger.Debug("tier0 bus reconnecting", "tab", b.tabID, "err", err)
		}
		return err
	})
}

// session runs one connection until it drops.
func (b *Bus) session(ctx context.Context) error {
	conn, err := cdp.Dial(ctx, b.wsURL, cdp.DialOptions{Logger: b.logger})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		conn.Abort()
	}()

	conn.SetEventSink(func(method string, params json.RawMessage) {
		b.tab.Ingest(method, params)
	})

	// Best-effort domain enables; Log may be unavailable on some targets.
	for _, method := range []string{"Page.enable", "Runtime.enable", "Network.enable", "Log.enable"} {
		enableCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := conn.Send(enableCtx, method, nil); err != nil {
			b.logger.Debug("tier0 enable failed", "tab", b.tabID, "method", method, "err", err)
		}
		cancel()
	}

	select {
	case <-conn.Done():
		return cdp.ErrConnClosed
	case <-ctx.Done():
		return nil
	}
}

// Stop tears the bus down. Safe to call more than once.
func (b *Bus) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	close(b.stopCh)
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Abort()
	}
}

// Buses tracks the one bus allowed per tab. A new ws URL for a known tab
// replaces the old bus.
type Buses struct {
	logger *slog.Logger

	mu    sync.Mutex
	byTab map[string]*Bus
}

// NewBuses creates an empty bus registry.
func NewBuses(logger *slog.Logger) *Buses {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buses{logger: logger, byTab: map[string]*Bus{}}
}

// Ensure starts (or keeps) the bus for a tab. URL changes stop and replace
// the previous bus.
func (bs *Buses) Ensure(tabID, wsURL string, tab *TabTelemetry) *Bus {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if existing, ok := bs.byTab[tabID]; ok {
		if existing.URL() == wsURL {
			return existing
		}
		existing.Stop()
	}
	bus := NewBus(tabID, wsURL, tab, bs.logger)
	bs.byTab[tabID] = bus
	bus.Start()
	return bus
}

// StopTab stops the bus of one tab, if any.
func (bs *Buses) StopTab(tabID string) {
	bs.mu.Lock()
	bus, ok := bs.byTab[tabID]
	if ok {
		delete(bs.byTab, tabID)
	}
	bs.mu.Unlock()
	if ok {
		bus.Stop()
	}
}

// StopAll stops every bus. Used by recovery; issues no CDP traffic.
func (bs *Buses) StopAll() {
	bs.mu.Lock()
	buses := make([]*Bus, 0, len(bs.byTab))
	for _, b := range bs.byTab {
		buses = append(buses, b)
	}
	bs.byTab = map[string]*Bus{}
	bs.mu.Unlock()
	for _, b := range buses {
		b.Stop()
	}
}
