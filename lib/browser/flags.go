// Package browser launches and discovers local Chromium instances for the
// launch and attach modes: flag merging, spawn with a debugging port,
// /json/version discovery with retries, and port fallback.
package browser

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// flagOverlay is the JSON shape of an on-disk flag overlay file:
// { "flags": ["--foo", "--bar=1"] }
type flagOverlay struct {
	Flags []string `json:"flags"`
}

// ParseFlags splits a space-delimited flag string into tokens. Quotes are not
// supported; flags with spaces belong in an overlay file.
func ParseFlags(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return []string{}
	}
	return strings.Fields(input)
}

// ReadOverlay loads an optional overlay file. A missing file is an empty
// overlay, not an error.
func ReadOverlay(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil, nil
	}
	var overlay flagOverlay
	if err := json.Unmarshal([]byte(trimmed), &overlay); err != nil {
		return nil, err
	}
	if overlay.Flags == nil {
		return nil, errors.New("flag overlay missing 'flags' array")
	}
	normalized := make([]string, 0, len(overlay.Flags))
	for _, tok := range overlay.Flags {
		if t := strings.TrimSpace(tok); t != "" {
			normalized = append(normalized, t)
		}
	}
	return normalized, nil
}

// WriteOverlay persists tokens as a flag overlay file.
func WriteOverlay(path string, tokens []string) error {
	normalized := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if t := strings.TrimSpace(tok); t != "" {
			normalized = append(normalized, t)
		}
	}
	data, err := json.Marshal(flagOverlay{Flags: normalized})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func appendCSVInto(dst *[]string, csv string) {
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			*dst = append(*dst, p)
		}
	}
}

// splitExtensionFlags separates extension-loading flags from everything else
// so they can be merged by value rather than token.
func splitExtensionFlags(tokens []string, load, except *[]string, disableAll *string) (rest []string) {
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "--load-extension="):
			appendCSVInto(load, strings.TrimPrefix(tok, "--load-extension="))
		case strings.HasPrefix(tok, "--disable-extensions-except="):
			appendCSVInto(except, strings.TrimPrefix(tok, "--disable-extensions-except="))
		case tok == "--disable-extensions":
			*disableAll = tok
		default:
			rest = append(rest, tok)
		}
	}
	return rest
}

func union(base, overlay []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, v := range append(append([]string{}, base...), overlay...) {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// MergeFlags merges base flags with overlay flags. Extension flags are merged
// by value:
//  1. an overlay --disable-extensions overrides everything extension related;
//  2. a base --disable-extensions survives unless the overlay loads one;
//  3. otherwise --load-extension / --disable-extensions-except are unions.
//
// Everything else is combined with first-occurrence dedup.
func MergeFlags(baseTokens, overlayTokens []string) []string {
	var (
		baseLoad, baseExcept         []string
		overlayLoad, overlayExcept   []string
		baseDisable, overlayDisable  string
	)
	baseRest := splitExtensionFlags(baseTokens, &baseLoad, &baseExcept, &baseDisable)
	overlayRest := splitExtensionFlags(overlayTokens, &overlayLoad, &overlayExcept, &overlayDisable)

	mergedLoad := union(baseLoad, overlayLoad)
	mergedExcept := union(baseExcept, overlayExcept)

	var extFlags []string
	if overlayDisable != "" {
		extFlags = append(extFlags, overlayDisable)
	} else {
		if baseDisable != "" && len(overlayLoad) == 0 {
			extFlags = append(extFlags, baseDisable)
		} else if len(mergedLoad) > 0 {
			extFlags = append(extFlags, "--load-extension="+strings.Join(mergedLoad, ","))
		}
		if len(mergedExcept) > 0 {
			extFlags = append(extFlags, "--disable-extensions-except="+strings.Join(mergedExcept, ","))
		}
	}

	combined := append(append([]string{}, baseRest...), overlayRest...)
	combined = append(combined, extFlags...)
	seen := make(map[string]struct{}, len(combined))
	final := make([]string, 0, len(combined))
	for _, tok := range combined {
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		final = append(final, tok)
	}
	return final
}
