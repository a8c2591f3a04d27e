// Package policy implements the server's permission model: the permissive vs
// strict mode switch, the host allow-list predicate, and identifier sanitation
// for broker ids.
package policy

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/browsermcp/server/lib/kinderr"
)

// Mode is the server-wide permission mode.
type Mode string

const (
	// Permissive allows file:// navigation, cookie mutation and HTTP fetch
	// to any host (absent an allow-list).
	Permissive Mode = "permissive"
	// Strict forbids file:// URLs and cookie mutation, and requires an
	// explicit host allow-list for HTTP fetch.
	Strict Mode = "strict"
)

// Chrome extension IDs are 32 lowercase a-p characters.
var ExtensionIDRegex = regexp.MustCompile(`^[a-p]{32}$`)

var brokerIDStrip = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

const (
	brokerIDMinLen = 8
	brokerIDMaxLen = 48
)

// Policy evaluates what a session is allowed to do. Immutable after creation.
type Policy struct {
	mode       Mode
	allowHosts []string
}

// New builds a policy. Unknown mode strings fall back to permissive.
func New(mode Mode, allowHosts []string) *Policy {
	if mode != Strict {
		mode = Permissive
	}
	normalized := make([]string, 0, len(allowHosts))
	for _, h := range allowHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			normalized = append(normalized, h)
		}
	}
	return &Policy{mode: mode, allowHosts: normalized}
}

// Mode returns the active mode.
func (p *Policy) Mode() Mode { return p.mode }

// Strict reports whether the strict mode is active.
func (p *Policy) Strict() bool { return p.mode == Strict }

// IsHostAllowed is the single predicate the session manager exposes for HTTP
// fetch decisions. A host matches if it equals an allow-list entry or is a
// subdomain of one. With no allow-list, permissive mode allows everything and
// strict mode allows nothing.
func (p *Policy) IsHostAllowed(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	if host == "" {
		return false
	}
	if len(p.allowHosts) == 0 {
		return p.mode == Permissive
	}
	for _, allowed := range p.allowHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// CheckNavigateURL enforces scheme rules for navigation targets.
func (p *Policy) CheckNavigateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return kinderr.New(kinderr.KindValidation, "invalid URL", "check the URL syntax")
	}
	if p.Strict() && u.Scheme == "file" {
		return kinderr.New(kinderr.KindPolicy,
			"file:// navigation is forbidden in strict mode",
			"use an http(s) URL or switch MCP_POLICY to permissive")
	}
	return nil
}

// CheckCookieMutation gates cookie writes.
func (p *Policy) CheckCookieMutation() error {
	if p.Strict() {
		return kinderr.New(kinderr.KindPolicy,
			"cookie mutation is forbidden in strict mode",
			"switch MCP_POLICY to permissive to modify cookies")
	}
	return nil
}

// CheckFetchURL enforces scheme and allow-list rules for server-side HTTP
// fetch, including every redirect hop.
func (p *Policy) CheckFetchURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return kinderr.New(kinderr.KindPolicy,
			"only http and https URLs can be fetched",
			"use an http(s) URL")
	}
	if p.Strict() && len(p.allowHosts) == 0 {
		return kinderr.New(kinderr.KindNotConfigured,
			"strict policy requires an explicit host allow-list for HTTP fetch",
			"set MCP_ALLOW_HOSTS to a comma-separated host list")
	}
	if !p.IsHostAllowed(u.Hostname()) {
		return kinderr.New(kinderr.KindPolicy,
			"host is not on the allow-list",
			"add the host to MCP_ALLOW_HOSTS").
			WithDetails(map[string]any{"host": u.Hostname()})
	}
	return nil
}

// SanitizeBrokerID derives a filesystem-safe broker id from a profile id:
// stripped to [A-Za-z0-9_.-], padded to at least 8 chars, capped at 48.
func SanitizeBrokerID(profileID string) string {
	id := brokerIDStrip.ReplaceAllString(profileID, "")
	for len(id) < brokerIDMinLen {
		id += "0"
	}
	if len(id) > brokerIDMaxLen {
		id = id[:brokerIDMaxLen]
	}
	return id
}
