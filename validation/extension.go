package validation

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
)

// ExtensionGrantRequest is a token request for a registered extension grant.
type ExtensionGrantRequest struct {
	Client          *storage.Client
	Params          url.Values
	RequestedScopes []string
}

// ExtensionGrantResult is the outcome of a successful extension grant.
type ExtensionGrantResult struct {
	// Subject is nil for grants that act on behalf of the client only.
	Subject *identity.Principal

	// CustomResponse is merged into the token response.
	CustomResponse map[string]any
}

// ExtensionGrantValidator validates one extension grant type (RFC 6749 4.5).
// Failures are returned as *protocol.Error.
type ExtensionGrantValidator interface {
	GrantType() string
	Validate(ctx context.Context, req *ExtensionGrantRequest) (*ExtensionGrantResult, error)
}

// ExtensionGrants dispatches extension grants by exact grant_type match.
type ExtensionGrants struct {
	validators map[string]ExtensionGrantValidator
}

// NewExtensionGrants registers validators. Standard grant types and
// duplicates are rejected.
func NewExtensionGrants(validators ...ExtensionGrantValidator) (*ExtensionGrants, error) {
	g := &ExtensionGrants{validators: make(map[string]ExtensionGrantValidator, len(validators))}
	for _, v := range validators {
		gt := v.GrantType()
		if gt == "" || isStandardGrantType(gt) {
			return nil, fmt.Errorf("extension grant type %q is reserved", gt)
		}
		if _, exists := g.validators[gt]; exists {
			return nil, fmt.Errorf("extension grant type %q registered twice", gt)
		}
		g.validators[gt] = v
	}
	return g, nil
}

// Lookup returns the validator for grantType. Safe on nil.
func (g *ExtensionGrants) Lookup(grantType string) (ExtensionGrantValidator, bool) {
	if g == nil {
		return nil, false
	}
	v, ok := g.validators[grantType]
	return v, ok
}

// GrantTypes returns the registered grant types, sorted.
func (g *ExtensionGrants) GrantTypes() []string {
	if g == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(g.validators))
}

func isStandardGrantType(gt string) bool {
	switch gt {
	case protocol.GrantTypeAuthorizationCode, protocol.GrantTypeClientCredentials,
		protocol.GrantTypeRefreshToken, protocol.GrantTypePassword,
		protocol.GrantTypeImplicit, protocol.GrantTypeHybrid, protocol.GrantTypeDeviceCode:
		return true
	}
	return false
}
