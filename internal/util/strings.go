package util

import (
	"net/url"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Used when logging handles or tokens, where only a prefix may be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that resource indicators and
// audiences with and without a trailing slash compare equal.
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}

// NormalizeOrigin lower-cases scheme and host of an origin and strips a
// trailing slash. Returns "" when the value is not a bare origin (it has a
// path, query, fragment or user info).
func NormalizeOrigin(origin string) string {
	u, err := url.Parse(strings.TrimSuffix(origin, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// ContainsAll reports whether every element of sub is present in set.
func ContainsAll(set, sub []string) bool {
	idx := make(map[string]struct{}, len(set))
	for _, s := range set {
		idx[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := idx[s]; !ok {
			return false
		}
	}
	return true
}
