// Package telemetry implements tier-0 capture: CDP events drained into
// bounded per-tab buffers with delta cursors, request correlation and a
// recent-completed-request trace cache. No in-page code is involved.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/browsermcp/server/lib/redact"
)

const (
	// DefaultMaxEvents bounds each of the six per-tab rings.
	DefaultMaxEvents = 200
	// DefaultMaxRequestMap bounds the inflight and completed request maps.
	DefaultMaxRequestMap = 800

	maxConsoleArgChars = 500

	// harLite keep-worthiness thresholds
	slowRequestMs    = 300
	largeRequestSize = 20 * 1024
)

// ConsoleEntry is one captured console call or log record.
type ConsoleEntry struct {
	TS       int64  `json:"ts"`
	Level    string `json:"level"`
	Text     string `json:"text"`
	StackTop string `json:"stackTop,omitempty"`
}

// ErrorEntry is one uncaught exception.
type ErrorEntry struct {
	TS       int64  `json:"ts"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Colno    int    `json:"colno,omitempty"`
	StackTop string `json:"stackTop,omitempty"`
}

// NetworkEntry is one request-level problem (HTTP >= 400 or a load failure).
type NetworkEntry struct {
	TS        int64  `json:"ts"`
	Method    string `json:"method,omitempty"`
	URL       string `json:"url"`
	Status    int    `json:"status,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
	Type      string `json:"type,omitempty"`
}

// HarLiteEntry is a compact per-request record kept for triage, a minimal
// subset of the HAR format.
type HarLiteEntry struct {
	TS           int64  `json:"ts"`
	Method       string `json:"method"`
	URL          string `json:"url"`
	Status       int    `json:"status,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	Type         string `json:"type,omitempty"`
	DurationMs   int64  `json:"durationMs"`
	EncodedBytes int64  `json:"encodedBytes,omitempty"`
	Failed       bool   `json:"failed,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// DialogEntry records a JS dialog opening or closing.
type DialogEntry struct {
	TS      int64  `json:"ts"`
	Kind    string `json:"kind"` // open | closed
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`
}

// NavigationEntry records a top-frame navigation.
type NavigationEntry struct {
	TS   int64  `json:"ts"`
	URL  string `json:"url"`
	Kind string `json:"kind"` // nav | withinDocument
}

// DialogInfo is the metadata of the most recent dialog.
type DialogInfo struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`
}

// RequestMeta correlates one network request across its CDP events. URL is
// redacted; URLFull only ever reaches artifact copies.
type RequestMeta struct {
	RequestID   string         `json:"requestId"`
	TS          int64          `json:"ts"`
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	URLFull     string         `json:"urlFull,omitempty"`
	Type        string         `json:"type,omitempty"`
	ReqHeaders  map[string]any `json:"reqHeaders,omitempty"`
	Initiator   string         `json:"initiator,omitempty"`
	Status      int            `json:"status,omitempty"`
	MimeType    string         `json:"mimeType,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	RespHeaders map[string]any `json:"respHeaders,omitempty"`
	EndTS       int64          `json:"endTs,omitempty"`
	OK          bool           `json:"ok"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	EncodedLen  int64          `json:"encodedDataLength,omitempty"`
}

// ring is a bounded FIFO; pushing over capacity discards the oldest items.
type ring[T any] struct {
	items []T
	cap   int
}

func (r *ring[T]) push(v T) {
	r.items = append(r.items, v)
	if over := len(r.items) - r.cap; over > 0 {
		r.items = r.items[over:]
	}
}

func (r *ring[T]) all() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// orderedMap is a bounded map with FIFO eviction, used for the inflight and
// completed request caches.
type orderedMap struct {
	items map[string]*RequestMeta
	order []string
	cap   int
}

func newOrderedMap(cap int) *orderedMap {
	return &orderedMap{items: map[string]*RequestMeta{}, cap: cap}
}

func (m *orderedMap) set(key string, v *RequestMeta) {
	if _, exists := m.items[key]; !exists {
		m.order = append(m.order, key)
		for len(m.order) > m.cap {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.items, oldest)
		}
	}
	m.items[key] = v
}

func (m *orderedMap) get(key string) (*RequestMeta, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *orderedMap) delete(key string) {
	if _, ok := m.items[key]; !ok {
		return
	}
	delete(m.items, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *orderedMap) len() int { return len(m.items) }

// TabTelemetry holds the tier-0 state of one tab.
type TabTelemetry struct {
	mu sync.Mutex

	maxEvents int

	console    ring[ConsoleEntry]
	errors     ring[ErrorEntry]
	network    ring[NetworkEntry]
	harLite    ring[HarLiteEntry]
	dialogs    ring[DialogEntry]
	navigation ring[NavigationEntry]

	inflight  *orderedMap
	completed *orderedMap

	dialogOpen bool
	dialogLast *DialogInfo

	cursor int64

	// onDialogOpen fires outside the main tool call when a dialog opens;
	// the auto-dialog worker hangs off it.
	onDialogOpen func(info DialogInfo)
}

// Options tunes a TabTelemetry. Zero values pick defaults.
type Options struct {
	MaxEvents     int
	MaxRequestMap int
}

// NewTabTelemetry creates an empty per-tab capture state.
func NewTabTelemetry(opts Options) *TabTelemetry {
	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	maxRequests := opts.MaxRequestMap
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequestMap
	}
	t := &TabTelemetry{maxEvents: maxEvents}
	t.console.cap = maxEvents
	t.errors.cap = maxEvents
	t.network.cap = maxEvents
	t.harLite.cap = maxEvents
	t.dialogs.cap = maxEvents
	t.navigation.cap = maxEvents
	t.inflight = newOrderedMap(maxRequests)
	t.completed = newOrderedMap(maxRequests)
	return t
}

// SetDialogHandler registers the out-of-band callback invoked when a JS
// dialog opens.
func (t *TabTelemetry) SetDialogHandler(fn func(info DialogInfo)) {
	t.mu.Lock()
	t.onDialogOpen = fn
	t.mu.Unlock()
}

// DialogOpen reports whether a JS dialog is currently blocking the tab, with
// the metadata of the last one seen.
func (t *TabTelemetry) DialogOpen() (bool, *DialogInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialogOpen, t.dialogLast
}

// Completed returns a copy of the completed-request trace cache, oldest
// first.
func (t *TabTelemetry) Completed() []RequestMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RequestMeta, 0, t.completed.len())
	for _, key := range t.completed.order {
		if meta, ok := t.completed.get(key); ok {
			out = append(out, *meta)
		}
	}
	return out
}

// RecordDownload notes a file that finished downloading into the tab's
// download directory. It rides the harLite ring so triage snapshots surface
// it without a dedicated buffer; only the file name is recorded, never the
// absolute path.
func (t *TabTelemetry) RecordDownload(filename string, size int64) {
	now := nowMs()
	t.mu.Lock()
	defer t.mu.Unlock()
	if now > t.cursor {
		t.cursor = now
	}
	t.harLite.push(HarLiteEntry{
		TS:           now,
		Method:       "DOWNLOAD",
		URL:          filename,
		Type:         "Download",
		EncodedBytes: size,
	})
}

// InflightCount reports how many requests are currently in flight.
func (t *TabTelemetry) InflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight.len()
}

// Cursor returns the millisecond timestamp of the last observed event.
func (t *TabTelemetry) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Ingest applies one CDP event to the buffers. Unknown methods are ignored.
// It is the single entry point for both the background bus and gateway sinks.
func (t *TabTelemetry) Ingest(method string, params json.RawMessage) {
	now := nowMs()
	var dialogCb func(info DialogInfo)
	var dialogInfo DialogInfo

	t.mu.Lock()
	if now > t.cursor {
		t.cursor = now
	}
	switch method {
	case "Runtime.consoleAPICalled":
		t.ingestConsole(now, params)
	case "Runtime.exceptionThrown":
		t.ingestException(now, params)
	case "Network.requestWillBeSent":
		t.ingestRequestWillBeSent(now, params)
	case "Network.responseReceived":
		t.ingestResponseReceived(now, params)
	case "Network.loadingFinished":
		t.ingestLoadingFinished(now, params)
	case "Network.loadingFailed":
		t.ingestLoadingFailed(now, params)
	case "Page.javascriptDialogOpening":
		info := t.ingestDialogOpening(now, params)
		if t.onDialogOpen != nil {
			dialogCb = t.onDialogOpen
			dialogInfo = info
		}
	case "Page.javascriptDialogClosed":
		t.dialogOpen = false
		t.dialogs.push(DialogEntry{TS: now, Kind: "closed"})
	case "Page.frameNavigated":
		t.ingestFrameNavigated(now, params)
	case "Page.navigatedWithinDocument":
		t.ingestNavigatedWithinDocument(now, params)
	}
	t.mu.Unlock()

	if dialogCb != nil {
		dialogCb(dialogInfo)
	}
}

func consoleLevel(kind string) string {
	switch kind {
	case "warning":
		return "warn"
	case "error", "assert":
		return "error"
	case "debug", "verbose":
		return "debug"
	case "info", "log", "dir":
		return "info"
	default:
		return "info"
	}
}

type stackTrace struct {
	CallFrames []struct {
		FunctionName string `json:"functionName"`
		URL          string `json:"url"`
		LineNumber   int    `json:"lineNumber"`
	} `json:"callFrames"`
}

func (s *stackTrace) top() string {
	if s == nil || len(s.CallFrames) == 0 {
		return ""
	}
	f := s.CallFrames[0]
	return fmt.Sprintf("%s (%s:%d)", f.FunctionName, redact.URL(f.URL), f.LineNumber)
}

func (t *TabTelemetry) ingestConsole(now int64, params json.RawMessage) {
	var p struct {
		Type string `json:"type"`
		Args []struct {
			Type        string          `json:"type"`
			Value       json.RawMessage `json:"value"`
			Description string          `json:"description"`
		} `json:"args"`
		StackTrace *stackTrace `json:"stackTrace"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	level := consoleLevel(p.Type)

	// Keep all warn/error; info and debug are capped to a tenth of the ring
	// so noise never crowds out problems.
	if level == "info" || level == "debug" {
		quota := t.maxEvents / 10
		count := 0
		for _, e := range t.console.items {
			if e.Level == "info" || e.Level == "debug" {
				count++
			}
		}
		if count >= quota {
			return
		}
	}

	parts := make([]string, 0, len(p.Args))
	for _, arg := range p.Args {
		var text string
		switch {
		case arg.Description != "":
			text = arg.Description
		case len(arg.Value) > 0:
			var s string
			if json.Unmarshal(arg.Value, &s) == nil {
				text = s
			} else {
				text = string(arg.Value)
			}
		default:
			text = arg.Type
		}
		parts = append(parts, redact.Truncate(text, maxConsoleArgChars))
	}
	t.console.push(ConsoleEntry{
		TS:       now,
		Level:    level,
		Text:     strings.Join(parts, " "),
		StackTop: p.StackTrace.top(),
	})
}

func (t *TabTelemetry) ingestException(now int64, params json.RawMessage) {
	var p struct {
		ExceptionDetails struct {
			Text         string `json:"text"`
			URL          string `json:"url"`
			LineNumber   int    `json:"lineNumber"`
			ColumnNumber int    `json:"columnNumber"`
			Exception    *struct {
				Description string `json:"description"`
			} `json:"exception"`
			StackTrace *stackTrace `json:"stackTrace"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	d := p.ExceptionDetails
	message := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		message = d.Exception.Description
	}
	t.errors.push(ErrorEntry{
		TS:       now,
		Type:     "error",
		Message:  redact.Truncate(message, maxConsoleArgChars),
		Filename: redact.URL(d.URL),
		Lineno:   d.LineNumber,
		Colno:    d.ColumnNumber,
		StackTop: d.StackTrace.top(),
	})
}

func (t *TabTelemetry) ingestRequestWillBeSent(now int64, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		Type      string `json:"type"`
		Request   struct {
			URL     string            `json:"url"`
			Method  string            `json:"method"`
			Headers map[string]string `json:"headers"`
		} `json:"request"`
		Initiator struct {
			Type string `json:"type"`
			URL  string `json:"url"`
		} `json:"initiator"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return
	}
	meta := &RequestMeta{
		RequestID: p.RequestID,
		TS:        now,
		Method:    p.Request.Method,
		URL:       redact.URL(p.Request.URL),
		URLFull:   p.Request.URL,
		Type:      p.Type,
		Initiator: p.Initiator.Type,
	}
	// Header previews only for API-shaped traffic; sensitive values are
	// replaced with {redacted, len, sha256}.
	if p.Type == "XHR" || p.Type == "Fetch" {
		meta.ReqHeaders = redact.HeaderPreview(p.Request.Headers, 0)
	}
	t.inflight.set(p.RequestID, meta)
}

func (t *TabTelemetry) ingestResponseReceived(now int64, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		Type      string `json:"type"`
		Response  struct {
			Status   int               `json:"status"`
			MimeType string            `json:"mimeType"`
			Headers  map[string]string `json:"headers"`
		} `json:"response"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	meta, ok := t.inflight.get(p.RequestID)
	if !ok {
		return
	}
	meta.Status = p.Response.Status
	meta.MimeType = p.Response.MimeType
	for name, value := range p.Response.Headers {
		if strings.EqualFold(name, "content-type") {
			meta.ContentType = value
		}
	}
	meta.RespHeaders = redact.HeaderPreview(p.Response.Headers, 0)
	if p.Response.Status >= 400 {
		t.network.push(NetworkEntry{
			TS:     now,
			Method: meta.Method,
			URL:    meta.URL,
			Status: p.Response.Status,
			Type:   meta.Type,
		})
	}
}

// harKeepWorthy decides whether a finished request earns a HAR-lite record:
// failures, primary resource types, slow, or large.
func harKeepWorthy(meta *RequestMeta, failed bool, durationMs, encoded int64) (bool, string) {
	switch {
	case failed || meta.Status >= 400:
		return true, "failure"
	case meta.Type == "Document" || meta.Type == "XHR" || meta.Type == "Fetch":
		return true, "primary"
	case durationMs >= slowRequestMs:
		return true, "slow"
	case encoded >= largeRequestSize:
		return true, "large"
	}
	return false, ""
}

func (t *TabTelemetry) ingestLoadingFinished(now int64, params json.RawMessage) {
	var p struct {
		RequestID         string  `json:"requestId"`
		EncodedDataLength float64 `json:"encodedDataLength"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	meta, ok := t.inflight.get(p.RequestID)
	if !ok {
		return
	}
	t.inflight.delete(p.RequestID)

	duration := now - meta.TS
	encoded := int64(p.EncodedDataLength)
	failed := meta.Status >= 400
	if keep, reason := harKeepWorthy(meta, false, duration, encoded); keep {
		t.harLite.push(HarLiteEntry{
			TS:           now,
			Method:       meta.Method,
			URL:          meta.URL,
			Status:       meta.Status,
			MimeType:     meta.MimeType,
			Type:         meta.Type,
			DurationMs:   duration,
			EncodedBytes: encoded,
			Failed:       failed,
			Reason:       reason,
		})
	}
	meta.EndTS = now
	meta.OK = !failed
	meta.DurationMs = duration
	meta.EncodedLen = encoded
	t.completed.set(p.RequestID, meta)
}

func (t *TabTelemetry) ingestLoadingFailed(now int64, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		ErrorText string `json:"errorText"`
		Type      string `json:"type"`
		Canceled  bool   `json:"canceled"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	meta, ok := t.inflight.get(p.RequestID)
	if !ok {
		meta = &RequestMeta{RequestID: p.RequestID, TS: now, Type: p.Type}
	} else {
		t.inflight.delete(p.RequestID)
	}
	duration := now - meta.TS
	t.network.push(NetworkEntry{
		TS:        now,
		Method:    meta.Method,
		URL:       meta.URL,
		ErrorText: p.ErrorText,
		Type:      meta.Type,
	})
	t.harLite.push(HarLiteEntry{
		TS:         now,
		Method:     meta.Method,
		URL:        meta.URL,
		Type:       meta.Type,
		DurationMs: duration,
		Failed:     true,
		Reason:     p.ErrorText,
	})
	meta.EndTS = now
	meta.OK = false
	meta.DurationMs = duration
	t.completed.set(p.RequestID, meta)
}

func (t *TabTelemetry) ingestDialogOpening(now int64, params json.RawMessage) DialogInfo {
	var p struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		URL     string `json:"url"`
	}
	_ = json.Unmarshal(params, &p)
	info := DialogInfo{Type: p.Type, Message: p.Message, URL: redact.URL(p.URL)}
	t.dialogOpen = true
	t.dialogLast = &info
	t.dialogs.push(DialogEntry{
		TS:      now,
		Kind:    "open",
		Type:    p.Type,
		Message: redact.Truncate(p.Message, maxConsoleArgChars),
		URL:     info.URL,
	})
	return info
}

func (t *TabTelemetry) ingestFrameNavigated(now int64, params json.RawMessage) {
	var p struct {
		Frame struct {
			ID       string `json:"id"`
			ParentID string `json:"parentId"`
			URL      string `json:"url"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	// Top frame only.
	if p.Frame.ParentID != "" {
		return
	}
	t.navigation.push(NavigationEntry{TS: now, URL: redact.URL(p.Frame.URL), Kind: "nav"})
}

func (t *TabTelemetry) ingestNavigatedWithinDocument(now int64, params json.RawMessage) {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	t.navigation.push(NavigationEntry{TS: now, URL: redact.URL(p.URL), Kind: "withinDocument"})
}
