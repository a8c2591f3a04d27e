// Package httpfetch performs server-side HTTP GETs on behalf of the agent,
// with the policy allow-list enforced on the initial URL and on every
// redirect hop.
package httpfetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/browsermcp/server/lib/kinderr"
	"github.com/browsermcp/server/lib/policy"
	"github.com/browsermcp/server/lib/redact"
)

const (
	defaultTimeout  = 20 * time.Second
	defaultMaxBytes = 2_000_000
	maxRedirects    = 10
)

// Options tunes one fetcher.
type Options struct {
	Timeout  time.Duration
	MaxBytes int
	Logger   *slog.Logger
}

// Result is the bounded response handed back to the caller. The final URL is
// redacted; body bytes are capped at MaxBytes with Truncated set when the cut
// happened.
type Result struct {
	URL         string            `json:"url"`
	Status      int               `json:"status"`
	ContentType string            `json:"contentType,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body"`
	BodyBytes   int               `json:"bodyBytes"`
	Truncated   bool              `json:"truncated"`
	DurationMs  int64             `json:"durationMs"`
}

// Fetcher issues allow-listed GETs.
type Fetcher struct {
	pol      *policy.Policy
	client   *http.Client
	maxBytes int
	logger   *slog.Logger
}

// New builds a fetcher over the given policy.
func New(pol *policy.Policy, opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	f := &Fetcher{pol: pol, maxBytes: opts.MaxBytes, logger: opts.Logger}
	f.client = &http.Client{
		Timeout: opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return kinderr.New(kinderr.KindPolicy,
					"too many redirects", "the target redirects more than 10 times")
			}
			// A redirect can hop to a host the initial check never saw.
			return f.pol.CheckFetchURL(req.URL)
		},
	}
	return f
}

// Get fetches one URL. Non-2xx statuses are not errors; the caller sees the
// status and the (bounded) body either way.
func (f *Fetcher) Get(ctx context.Context, rawURL string, headers map[string]string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, kinderr.New(kinderr.KindValidation, "invalid URL", "check the URL syntax")
	}
	if err := f.pol.CheckFetchURL(u); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindValidation, "cannot build request", "")
	}
	for name, value := range headers {
		if redact.SensitiveKey(name) {
			return nil, kinderr.New(kinderr.KindPolicy,
				"sensitive request headers cannot be set on server-side fetch",
				"authenticate in the browser session instead").
				WithDetails(map[string]any{"header": name})
		}
		req.Header.Set(name, value)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		// Policy violations from CheckRedirect come back wrapped in url.Error.
		if kindErr := kinderr.From(err); kindErr != nil {
			return nil, kindErr
		}
		return nil, kinderr.Wrap(err, kinderr.KindTransport,
			"HTTP fetch failed", "check connectivity and the URL")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxBytes)+1))
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindTransport, "reading response body failed", "")
	}
	truncated := false
	if len(body) > f.maxBytes {
		body = body[:f.maxBytes]
		truncated = true
	}

	result := &Result{
		URL:         redact.URL(resp.Request.URL.String()),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     previewHeaders(resp.Header),
		Body:        string(body),
		BodyBytes:   len(body),
		Truncated:   truncated,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	f.logger.Debug("http fetch",
		"url", result.URL, "status", result.Status,
		"bytes", result.BodyBytes, "truncated", result.Truncated)
	return result, nil
}

// previewHeaders keeps a small allow-list of response headers; everything
// else, notably Set-Cookie, stays out of agent-visible output.
func previewHeaders(h http.Header) map[string]string {
	keep := []string{"Content-Type", "Content-Length", "Content-Encoding", "Last-Modified", "Etag", "Cache-Control", "Location"}
	out := map[string]string{}
	for _, name := range keep {
		if v := h.Get(name); v != "" {
			out[strings.ToLower(name)] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
