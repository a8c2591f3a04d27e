package telemetry

import (
	"github.com/samber/lo"
)

const defaultSnapshotLimit = 50

// SnapshotRequest selects what a snapshot covers. Zero values mean "from the
// beginning, first page".
type SnapshotRequest struct {
	Since      int64
	Offset     int
	Limit      int
	URL        string
	Title      string
	ReadyState string
}

// Summary is the cheap triage header of a snapshot.
type Summary struct {
	ConsoleErrors   int    `json:"consoleErrors"`
	ConsoleWarnings int    `json:"consoleWarnings"`
	JSErrors        int    `json:"jsErrors"`
	FailedRequests  int    `json:"failedRequests"`
	LastError       string `json:"lastError,omitempty"`
}

// Snapshot is the bounded, redacted view handed back to tool callers. Every
// URL in it has empty query and fragment.
type Snapshot struct {
	URL        string            `json:"url,omitempty"`
	Title      string            `json:"title,omitempty"`
	ReadyState string            `json:"readyState,omitempty"`
	Cursor     int64             `json:"cursor"`
	DialogOpen bool              `json:"dialogOpen"`
	DialogLast *DialogInfo       `json:"dialogLast,omitempty"`
	Summary    Summary           `json:"summary"`
	Console    []ConsoleEntry    `json:"console,omitempty"`
	Errors     []ErrorEntry      `json:"errors,omitempty"`
	Network    []NetworkEntry    `json:"network,omitempty"`
	HarLite    []HarLiteEntry    `json:"harLite,omitempty"`
	Dialogs    []DialogEntry     `json:"dialogs,omitempty"`
	Navigation []NavigationEntry `json:"navigation,omitempty"`
}

// page applies the since filter, offset and limit to one buffer slice.
func page[T any](items []T, ts func(T) int64, req SnapshotRequest) []T {
	filtered := lo.Filter(items, func(item T, _ int) bool {
		return ts(item) > req.Since
	})
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSnapshotLimit
	}
	return lo.Slice(filtered, req.Offset, req.Offset+limit)
}

// Snapshot renders the current buffers. The cursor is bumped to now so the
// caller can pass it back as since for a delta read.
func (t *TabTelemetry) Snapshot(req SnapshotRequest) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now := nowMs(); now > t.cursor {
		t.cursor = now
	}

	console := t.console.all()
	errors := t.errors.all()
	network := t.network.all()

	summary := Summary{}
	for _, e := range console {
		switch e.Level {
		case "error":
			summary.ConsoleErrors++
		case "warn":
			summary.ConsoleWarnings++
		}
	}
	summary.JSErrors = len(errors)
	summary.FailedRequests = len(network)
	if len(errors) > 0 {
		summary.LastError = errors[len(errors)-1].Message
	} else {
		for i := len(console) - 1; i >= 0; i-- {
			if console[i].Level == "error" {
				summary.LastError = console[i].Text
				break
			}
		}
	}

	return &Snapshot{
		URL:        req.URL,
		Title:      req.Title,
		ReadyState: req.ReadyState,
		Cursor:     t.cursor,
		DialogOpen: t.dialogOpen,
		DialogLast: t.dialogLast,
		Summary:    summary,
		Console:    page(console, func(e ConsoleEntry) int64 { return e.TS }, req),
		Errors:     page(errors, func(e ErrorEntry) int64 { return e.TS }, req),
		Network:    page(network, func(e NetworkEntry) int64 { return e.TS }, req),
		HarLite:    page(t.harLite.all(), func(e HarLiteEntry) int64 { return e.TS }, req),
		Dialogs:    page(t.dialogs.all(), func(e DialogEntry) int64 { return e.TS }, req),
		Navigation: page(t.navigation.all(), func(e NavigationEntry) int64 { return e.TS }, req),
	}
}
