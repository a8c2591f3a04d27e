// Package session owns the "session tab": a singleton manager that picks the
// right CDP backend per mode, keeps per-tab telemetry, affordances, a
// navigation graph and agent memory, and carries the recovery primitives for
// bricked pages.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/browsermcp/server/lib/cdp"
)

// domains a session can cache enables for.
var enableDomains = []string{"Page", "Runtime", "DOM", "Network", "Log", "Performance"}

// Session is a handle to one tab over one exclusively-owned connection.
type Session struct {
	conn  cdp.Connection
	tabID string

	mu      sync.Mutex
	lastURL string
	enabled map[string]bool
}

// NewSession wraps a connection and tab id.
func NewSession(conn cdp.Connection, tabID string) *Session {
	return &Session{
		conn:    conn,
		tabID:   tabID,
		enabled: map[string]bool{},
	}
}

// Conn exposes the underlying connection.
func (s *Session) Conn() cdp.Connection { return s.conn }

// TabID returns the tab this session drives.
func (s *Session) TabID() string { return s.tabID }

// LastURL returns the last URL observed through this session.
func (s *Session) LastURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURL
}

// SetLastURL records the tab's current URL.
func (s *Session) SetLastURL(url string) {
	s.mu.Lock()
	s.lastURL = url
	s.mu.Unlock()
}

// EnableDomains issues <Domain>.enable for each named domain not already
// enabled on this session. Unknown domains are rejected; repeat calls are
// free.
func (s *Session) EnableDomains(ctx context.Context, domains ...string) error {
	for _, domain := range domains {
		if !lo.Contains(enableDomains, domain) {
			return fmt.Errorf("unknown CDP domain %q", domain)
		}
		s.mu.Lock()
		done := s.enabled[domain]
		s.mu.Unlock()
		if done {
			continue
		}
		if _, err := s.conn.Send(ctx, domain+".enable", nil); err != nil {
			return err
		}
		s.mu.Lock()
		s.enabled[domain] = true
		s.mu.Unlock()
	}
	return nil
}

// DomainEnabled reports whether an enable has been issued on this session.
func (s *Session) DomainEnabled(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[domain]
}

// Close tears the session down. It delegates to Abort so a dialog-bricked
// page can never hang the teardown in a close handshake.
func (s *Session) Close() error {
	s.conn.Abort()
	return nil
}
