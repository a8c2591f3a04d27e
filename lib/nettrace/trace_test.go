package nettrace

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsermcp/server/lib/telemetry"
)

// stubFetcher serves canned bodies by request id.
type stubFetcher struct {
	responses map[string]string
	postData  map[string]string
	calls     []string
}

func (s *stubFetcher) Send(_ context.Context, method string, params any) (json.RawMessage, error) {
	raw, _ := json.Marshal(params)
	var p struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(raw, &p)
	s.calls = append(s.calls, method+":"+p.RequestID)
	switch method {
	case "Network.getResponseBody":
		body, ok := s.responses[p.RequestID]
		if !ok {
			return nil, assert.AnError
		}
		return json.Marshal(map[string]any{"body": body, "base64Encoded": false})
	case "Network.getRequestPostData":
		body, ok := s.postData[p.RequestID]
		if !ok {
			return nil, assert.AnError
		}
		return json.Marshal(map[string]any{"postData": body})
	}
	return nil, assert.AnError
}

func completedFixture() []telemetry.RequestMeta {
	return []telemetry.RequestMeta{
		{RequestID: "r1", TS: 100, Method: "GET", Type: "XHR", Status: 200, OK: true,
			URL: "https://api.example.com/cart", URLFull: "https://api.example.com/cart?s=1"},
		{RequestID: "r2", TS: 200, Method: "POST", Type: "Fetch", Status: 201, OK: true,
			URL: "https://api.example.com/payment", URLFull: "https://api.example.com/payment"},
		{RequestID: "r3", TS: 300, Method: "GET", Type: "Document", Status: 200, OK: true,
			URL: "https://example.com/", URLFull: "https://example.com/"},
		{RequestID: "r4", TS: 400, Method: "GET", Type: "XHR", Status: 500, OK: false,
			URL: "https://api.example.com/flaky", URLFull: "https://api.example.com/flaky"},
	}
}

func TestBuildDefaultsToAPITraffic(t *testing.T) {
	trace, err := Build(context.Background(), nil, completedFixture(), Options{})
	require.NoError(t, err)

	// Document requests are excluded by the default type filter; newest
	// first.
	require.Len(t, trace.Items, 3)
	assert.Equal(t, "r4", trace.Items[0].RequestID)
	assert.Equal(t, "r2", trace.Items[1].RequestID)
	assert.Equal(t, "r1", trace.Items[2].RequestID)
	assert.Equal(t, int64(400), trace.Cursor)

	// Snapshot items never leak the full URL.
	for _, item := range trace.Items {
		assert.NotContains(t, item.URL, "?")
	}
	assert.Equal(t, "https://api.example.com/cart?s=1", trace.Artifact[2].URLFull)
}

func TestBuildFilters(t *testing.T) {
	trace, err := Build(context.Background(), nil, completedFixture(), Options{
		Include: []string{"example.com"},
		Exclude: []string{"flaky"},
	})
	require.NoError(t, err)
	// Substring filters disable the default type filter, so the document
	// request appears too.
	ids := make([]string, 0, len(trace.Items))
	for _, item := range trace.Items {
		ids = append(ids, item.RequestID)
	}
	assert.Equal(t, []string{"r3", "r2", "r1"}, ids)

	trace, err = Build(context.Background(), nil, completedFixture(), Options{Since: 250})
	require.NoError(t, err)
	require.Len(t, trace.Items, 1)
	assert.Equal(t, "r4", trace.Items[0].RequestID)
}

func TestBuildRejectsUnknownCapture(t *testing.T) {
	_, err := Build(context.Background(), nil, nil, Options{Capture: "everything"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture")
}

func TestBuildCapturesBodiesWithBudgets(t *testing.T) {
	fetcher := &stubFetcher{
		responses: map[string]string{
			"r1": `{"total": 2599, "currency": "USD"}`,
			"r2": strings.Repeat("x", 200),
		},
		postData: map[string]string{
			"r2": `{"amount": 2599}`,
		},
	}
	trace, err := Build(context.Background(), fetcher, completedFixture(), Options{
		Types:   []string{"XHR", "Fetch"},
		Capture: CaptureAll,
		MaxBody: 64,
	})
	require.NoError(t, err)

	byID := map[string]ArtifactItem{}
	for _, art := range trace.Artifact {
		byID[art.RequestID] = art
	}
	assert.JSONEq(t, `{"amount": 2599}`, byID["r2"].RequestBody)
	assert.True(t, byID["r2"].ResponseTruncated)
	assert.Len(t, byID["r2"].ResponseBody, 64)
	// r4 has no body server-side; degrade without error.
	assert.Empty(t, byID["r4"].ResponseBody)
	assert.False(t, byID["r4"].ResponseTruncated)

	require.NotEmpty(t, trace.Preview)
	assert.LessOrEqual(t, len(trace.Preview), 3)
}

func TestBuildTotalBudget(t *testing.T) {
	big := strings.Repeat("y", 300)
	fetcher := &stubFetcher{responses: map[string]string{
		"r1": big, "r2": big, "r4": big,
	}}
	trace, err := Build(context.Background(), fetcher, completedFixture(), Options{
		Capture:  CaptureResponse,
		MaxBody:  300,
		MaxTotal: 500,
	})
	require.NoError(t, err)

	total := 0
	for _, art := range trace.Artifact {
		total += len(art.ResponseBody)
	}
	assert.LessOrEqual(t, total, 500)
	// The last item ran out of budget entirely.
	last := trace.Artifact[len(trace.Artifact)-1]
	assert.Empty(t, last.ResponseBody)
	assert.True(t, last.ResponseTruncated)
}

func TestPreviewTruncation(t *testing.T) {
	items := []ArtifactItem{{
		Item:         Item{RequestID: "r1", URL: "https://example.com/"},
		ResponseBody: strings.Repeat("z", 5000),
	}}
	previews := buildPreview(items)
	require.Len(t, previews, 1)
	assert.Len(t, previews[0].Body, 1800)
	assert.True(t, previews[0].Truncated)
}
