// Package kinderr defines the structured error surface returned to agents.
// Errors carry a kind, a short machine-usable reason and an actionable
// suggestion instead of raw stack traces.
package kinderr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller. Kinds, not types: callers switch
// on the kind and act on the suggestion.
type Kind string

const (
	KindTransport     Kind = "transport_failure"
	KindTimeout       Kind = "timeout"
	KindProtocol      Kind = "protocol_violation"
	KindStateBrick    Kind = "state_brick"
	KindNotConfigured Kind = "not_configured"
	KindPolicy        Kind = "policy_violation"
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation_error"
)

// Error is the structured error handed across the tool boundary. Details must
// never contain secrets or absolute filesystem paths.
type Error struct {
	Kind       Kind           `json:"kind"`
	Reason     string         `json:"reason"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	wrapped    error
}

func (e *Error) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New constructs a structured error.
func New(kind Kind, reason, suggestion string) *Error {
	return &Error{Kind: kind, Reason: reason, Suggestion: suggestion}
}

// Wrap attaches a cause while keeping the structured surface.
func Wrap(err error, kind Kind, reason, suggestion string) *Error {
	return &Error{Kind: kind, Reason: reason, Suggestion: suggestion, wrapped: err}
}

// WithDetails returns a copy carrying small structured details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// From extracts the structured error from a chain, or nil when there is none.
func From(err error) *Error {
	var ke *Error
	if errors.As(err, &ke) {
		return ke
	}
	return nil
}

// KindOf extracts the kind from an error chain, or "" when the error is not
// structured.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsTimeout reports whether the error chain contains a timeout-kinded error.
// CDP timeouts double as the brick-detection signal used by soft recovery.
func IsTimeout(err error) bool {
	k := KindOf(err)
	return k == KindTimeout || k == KindStateBrick
}
