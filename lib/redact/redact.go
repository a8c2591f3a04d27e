// Package redact implements the redaction rules applied to every URL and
// header before it enters telemetry, snapshots or traces. Full values only
// ever reach artifact copies, never agent-visible payloads.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

var sensitiveKeySubstrings = []string{
	"token", "secret", "password", "passwd", "pwd", "authorization",
	"cookie", "session", "jwt", "bearer", "api-key", "api_key", "apikey",
}

// SensitiveKey reports whether a key (header name, memory key, query param)
// must be treated as a secret.
func SensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "auth" {
		return true
	}
	for _, sub := range sensitiveKeySubstrings {
		if strings.Contains(k, sub) {
			return true
		}
	}
	return false
}

// URL keeps scheme + host + path and drops query and fragment. Unparseable
// inputs fall back to trimming at the first '?' or '#'.
func URL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	return u.String()
}

// RedactedValue is what replaces a sensitive header value. The hash lets
// callers correlate identical secrets across requests without seeing them.
type RedactedValue struct {
	Redacted bool   `json:"redacted"`
	Len      int    `json:"len"`
	SHA256   string `json:"sha256"`
}

func redactValue(value string) RedactedValue {
	sum := sha256.Sum256([]byte(value))
	return RedactedValue{Redacted: true, Len: len(value), SHA256: hex.EncodeToString(sum[:])}
}

func sensitiveHeaderName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if strings.HasPrefix(n, "cookie") || strings.HasPrefix(n, "set-cookie") || strings.HasPrefix(n, "authorization") {
		return true
	}
	return SensitiveKey(n)
}

// Header returns either the verbatim value or a RedactedValue, depending on
// the header name.
func Header(name, value string) any {
	if sensitiveHeaderName(name) {
		return redactValue(value)
	}
	return value
}

// previewHeaderNames is the tiny allow-list kept in telemetry previews.
var previewHeaderNames = map[string]bool{
	"content-type":     true,
	"content-length":   true,
	"accept":           true,
	"cache-control":    true,
	"x-requested-with": true,
	"referer":          true,
	"origin":           true,
	"location":         true,
}

// HeaderPreview selects a small subset of headers, redacting sensitive values.
// maxValueLen truncates kept values; 0 means the default of 200.
func HeaderPreview(headers map[string]string, maxValueLen int) map[string]any {
	if len(headers) == 0 {
		return nil
	}
	if maxValueLen <= 0 {
		maxValueLen = 200
	}
	out := make(map[string]any)
	for name, value := range headers {
		lower := strings.ToLower(name)
		if sensitiveHeaderName(name) {
			out[lower] = redactValue(value)
			continue
		}
		if !previewHeaderNames[lower] {
			continue
		}
		if len(value) > maxValueLen {
			value = value[:maxValueLen]
		}
		out[lower] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Truncate caps a string at max runes-agnostic bytes, appending no marker.
func Truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
