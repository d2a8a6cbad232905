// Package identity models the resource owner as seen by the protocol engine:
// the authenticated Principal, its claims, and the collaborators that supply
// profile data and check resource owner credentials.
package identity

import (
	"slices"
	"time"
)

// Standard claim types carried on a Principal.
const (
	ClaimSubject             = "sub"
	ClaimName                = "name"
	ClaimEmail               = "email"
	ClaimEmailVerified       = "email_verified"
	ClaimAuthTime            = "auth_time"
	ClaimIdentityProvider    = "idp"
	ClaimAuthMethods         = "amr"
	ClaimSessionID           = "sid"
	ClaimRole                = "role"
	ClaimPreferredUsername   = "preferred_username"
	LocalIdentityProvider    = "local"
	AuthMethodPassword       = "pwd"
	AuthMethodExternal       = "external"
	AuthMethodDeviceApproval = "device"
)

// Claim is a single type/value statement about a subject or client.
type Claim struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

// Principal is an authenticated resource owner.
type Principal struct {
	Subject               string    `json:"sub"`
	AuthTime              time.Time `json:"auth_time"`
	IdentityProvider      string    `json:"idp,omitempty"`
	AuthenticationMethods []string  `json:"amr,omitempty"`
	SessionID             string    `json:"sid,omitempty"`
	Claims                []Claim   `json:"claims,omitempty"`
}

// IsAuthenticated reports whether p identifies a subject. Safe on nil.
func (p *Principal) IsAuthenticated() bool {
	return p != nil && p.Subject != ""
}

// FindFirst returns the value of the first claim of the given type.
func (p *Principal) FindFirst(claimType string) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, c := range p.Claims {
		if c.Type == claimType {
			return c.Value, true
		}
	}
	return "", false
}

// FilterClaims returns the claims whose type is in types, in order.
// A nil or empty types selects nothing.
func FilterClaims(claims []Claim, types []string) []Claim {
	if len(types) == 0 {
		return nil
	}
	var out []Claim
	for _, c := range claims {
		if slices.Contains(types, c.Type) {
			out = append(out, c)
		}
	}
	return out
}
