// Package nettrace builds bounded, redacted request traces from a tab's
// completed-request cache, optionally hydrating request/response bodies over
// CDP and extracting money insights from JSON payloads.
package nettrace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/browsermcp/server/lib/kinderr"
	"github.com/browsermcp/server/lib/redact"
	"github.com/browsermcp/server/lib/telemetry"
)

// Capture levels. meta is always present; request/body add one side's
// payload; all adds both.
const (
	CaptureMeta     = "meta"
	CaptureRequest  = "request"
	CaptureResponse = "body"
	CaptureAll      = "all"
)

const (
	defaultMaxBody  = 80 * 1024
	hardMaxBody     = 2 * 1024 * 1024
	defaultMaxTotal = 600 * 1024
	defaultLimit    = 20

	previewItems    = 3
	previewMaxChars = 1800
)

// defaultTypes applies when the caller supplies no filters at all; page
// subresources are noise, API traffic is the signal.
var defaultTypes = []string{"XHR", "Fetch"}

// Options filters and bounds a trace build.
type Options struct {
	Include []string
	Exclude []string
	Types   []string
	Since   int64
	Limit   int
	// Capture is one of the Capture* constants; empty means meta.
	Capture  string
	MaxBody  int
	MaxTotal int
}

// Item is the snapshot-facing view of one traced request: redacted URL and
// small-cardinality metadata only.
type Item struct {
	RequestID  string `json:"requestId"`
	TS         int64  `json:"ts"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Type       string `json:"type,omitempty"`
	Status     int    `json:"status,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"durationMs,omitempty"`
	EncodedLen int64  `json:"encodedDataLength,omitempty"`
}

// ArtifactItem is the artifact-facing view: full URL plus captured bodies.
type ArtifactItem struct {
	Item
	URLFull           string         `json:"urlFull,omitempty"`
	ReqHeaders        map[string]any `json:"reqHeaders,omitempty"`
	RespHeaders       map[string]any `json:"respHeaders,omitempty"`
	RequestBody       string         `json:"requestBody,omitempty"`
	RequestTruncated  bool           `json:"requestTruncated,omitempty"`
	ResponseBody      string         `json:"responseBody,omitempty"`
	ResponseTruncated bool           `json:"responseTruncated,omitempty"`
}

// Preview is a short inline excerpt for immediate decision-making without
// opening the artifact.
type Preview struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
	Status    int    `json:"status,omitempty"`
	Body      string `json:"body,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Trace is a complete build result.
type Trace struct {
	Items    []Item         `json:"items"`
	Preview  []Preview      `json:"preview,omitempty"`
	Artifact []ArtifactItem `json:"-"`
	Insights *MoneyInsights `json:"insights,omitempty"`
	Cursor   int64          `json:"cursor"`
}

// BodyFetcher pulls request/response bodies for a completed request. The
// direct CDP connection implements it; extension backends may not.
type BodyFetcher interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Build assembles a trace from the completed-request cache. conn may be nil,
// in which case body capture silently degrades to meta.
func Build(ctx context.Context, conn BodyFetcher, completed []telemetry.RequestMeta, opts Options) (*Trace, error) {
	capture := opts.Capture
	if capture == "" {
		capture = CaptureMeta
	}
	switch capture {
	case CaptureMeta, CaptureRequest, CaptureResponse, CaptureAll:
	default:
		return nil, kinderr.New(kinderr.KindValidation,
			"capture must be one of meta, request, body, all",
			"pass capture:\"meta\" for headers-only tracing")
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	if maxBody > hardMaxBody {
		maxBody = hardMaxBody
	}
	maxTotal := opts.MaxTotal
	if maxTotal <= 0 {
		maxTotal = defaultMaxTotal
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	types := opts.Types
	if len(types) == 0 && len(opts.Include) == 0 && len(opts.Exclude) == 0 {
		types = defaultTypes
	}

	matched := lo.Filter(completed, func(meta telemetry.RequestMeta, _ int) bool {
		return matches(meta, opts.Include, opts.Exclude, types, opts.Since)
	})
	// Newest first, then cap.
	sort.Slice(matched, func(i, j int) bool { return matched[i].TS > matched[j].TS })
	if len(matched) > limit {
		matched = matched[:limit]
	}

	trace := &Trace{Cursor: 0}
	budget := maxTotal
	for _, meta := range matched {
		if meta.TS > trace.Cursor {
			trace.Cursor = meta.TS
		}
		item := Item{
			RequestID:  meta.RequestID,
			TS:         meta.TS,
			Method:     meta.Method,
			URL:        meta.URL,
			Type:       meta.Type,
			Status:     meta.Status,
			MimeType:   meta.MimeType,
			OK:         meta.OK,
			DurationMs: meta.DurationMs,
			EncodedLen: meta.EncodedLen,
		}
		trace.Items = append(trace.Items, item)

		art := ArtifactItem{
			Item:        item,
			URLFull:     meta.URLFull,
			ReqHeaders:  meta.ReqHeaders,
			RespHeaders: meta.RespHeaders,
		}
		if conn != nil && capture != CaptureMeta {
			if capture == CaptureRequest || capture == CaptureAll {
				body, truncated := fetchRequestBody(ctx, conn, meta.RequestID, minInt(maxBody, budget))
				art.RequestBody, art.RequestTruncated = body, truncated
				budget -= len(body)
			}
			if capture == CaptureResponse || capture == CaptureAll {
				body, truncated := fetchResponseBody(ctx, conn, meta.RequestID, minInt(maxBody, budget))
				art.ResponseBody, art.ResponseTruncated = body, truncated
				budget -= len(body)
			}
			if budget < 0 {
				budget = 0
			}
		}
		trace.Artifact = append(trace.Artifact, art)
	}

	trace.Preview = buildPreview(trace.Artifact)
	trace.Insights = ExtractMoneyInsights(trace.Artifact)
	return trace, nil
}

func matches(meta telemetry.RequestMeta, include, exclude, types []string, since int64) bool {
	if since > 0 && meta.TS <= since {
		return false
	}
	haystack := strings.ToLower(meta.URL)
	for _, sub := range exclude {
		if sub != "" && strings.Contains(haystack, strings.ToLower(sub)) {
			return false
		}
	}
	if len(include) > 0 {
		hit := lo.SomeBy(include, func(sub string) bool {
			return sub != "" && strings.Contains(haystack, strings.ToLower(sub))
		})
		if !hit {
			return false
		}
	}
	if len(types) > 0 && !lo.Contains(types, meta.Type) {
		return false
	}
	return true
}

// fetchResponseBody pulls the response body over CDP. The target may have
// already dropped it; failures degrade to an empty body.
func fetchResponseBody(ctx context.Context, conn BodyFetcher, requestID string, budget int) (string, bool) {
	if budget <= 0 {
		return "", true
	}
	raw, err := conn.Send(ctx, "Network.getResponseBody", map[string]any{"requestId": requestID})
	if err != nil {
		return "", false
	}
	var result struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false
	}
	body := result.Body
	if result.Base64Encoded {
		if decoded, err := base64.StdEncoding.DecodeString(body); err == nil {
			body = string(decoded)
		}
	}
	return clampBody(redact.Truncate(body, hardMaxBody), budget)
}

func fetchRequestBody(ctx context.Context, conn BodyFetcher, requestID string, budget int) (string, bool) {
	if budget <= 0 {
		return "", true
	}
	raw, err := conn.Send(ctx, "Network.getRequestPostData", map[string]any{"requestId": requestID})
	if err != nil {
		return "", false
	}
	var result struct {
		PostData string `json:"postData"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false
	}
	return clampBody(result.PostData, budget)
}

func clampBody(body string, budget int) (string, bool) {
	if len(body) > budget {
		return body[:budget], true
	}
	return body, false
}

func buildPreview(items []ArtifactItem) []Preview {
	previews := make([]Preview, 0, previewItems)
	for _, item := range items {
		if len(previews) == previewItems {
			break
		}
		body := item.ResponseBody
		if body == "" {
			body = item.RequestBody
		}
		preview := Preview{
			RequestID: item.RequestID,
			URL:       item.URL,
			Status:    item.Status,
			Body:      body,
		}
		if len(preview.Body) > previewMaxChars {
			preview.Body = preview.Body[:previewMaxChars]
			preview.Truncated = true
		}
		previews = append(previews, preview)
	}
	return previews
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
