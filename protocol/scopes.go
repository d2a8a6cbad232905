package protocol

import (
	"slices"
	"strings"
)

// ParseScopes splits a space-delimited scope string, dropping empty entries
// and duplicates while preserving order.
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScopes renders scopes as a space-delimited string.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ParseResponseType normalizes a response_type value so that "id_token code"
// and "code id_token" compare equal. Returns "" for empty input.
func ParseResponseType(rt string) string {
	parts := strings.Fields(rt)
	if len(parts) == 0 {
		return ""
	}
	order := map[string]int{ResponseTypeCode: 0, ResponseTypeIDToken: 1, ResponseTypeToken: 2}
	slices.SortStableFunc(parts, func(a, b string) int {
		ra, oka := order[a]
		rb, okb := order[b]
		if !oka {
			ra = 3
		}
		if !okb {
			rb = 3
		}
		return ra - rb
	})
	return strings.Join(slices.Compact(parts), " ")
}

// GrantTypeForResponseType maps a normalized response type to the grant type a
// client must be allowed to use it.
func GrantTypeForResponseType(rt string) string {
	switch rt {
	case ResponseTypeCode:
		return GrantTypeAuthorizationCode
	case ResponseTypeToken, ResponseTypeIDToken, ResponseTypeIDTokenToken:
		return GrantTypeImplicit
	case ResponseTypeCodeIDToken, ResponseTypeCodeToken, ResponseTypeCodeIDTokenToken:
		return GrantTypeHybrid
	default:
		return ""
	}
}

// ResponseTypeIncludesIDToken reports whether the response type requests an identity token.
func ResponseTypeIncludesIDToken(rt string) bool {
	return slices.Contains(strings.Fields(rt), ResponseTypeIDToken)
}

// ResponseTypeIncludesToken reports whether the response type requests an access token.
func ResponseTypeIncludesToken(rt string) bool {
	return slices.Contains(strings.Fields(rt), ResponseTypeToken)
}

// ResponseTypeIncludesCode reports whether the response type requests a code.
func ResponseTypeIncludesCode(rt string) bool {
	return slices.Contains(strings.Fields(rt), ResponseTypeCode)
}

// DefaultResponseMode returns the response mode implied by a response type:
// query for code, fragment for everything that returns tokens.
func DefaultResponseMode(rt string) string {
	if rt == ResponseTypeCode {
		return ResponseModeQuery
	}
	return ResponseModeFragment
}
