package storage

import (
	"slices"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/protocol"
)

// IdentityResource is a named group of user claims requestable as a scope
// (openid, profile, email, ...).
type IdentityResource struct {
	Name                    string   `json:"name" yaml:"name"`
	DisplayName             string   `json:"display_name,omitempty" yaml:"displayName"`
	Enabled                 bool     `json:"enabled" yaml:"enabled"`
	Required                bool     `json:"required" yaml:"required"`
	ShowInDiscoveryDocument bool     `json:"show_in_discovery_document" yaml:"showInDiscoveryDocument"`
	UserClaims              []string `json:"user_claims,omitempty" yaml:"userClaims"`
}

// APIScope is a scope granting access to one or more API resources.
type APIScope struct {
	Name                    string   `json:"name" yaml:"name"`
	DisplayName             string   `json:"display_name,omitempty" yaml:"displayName"`
	Enabled                 bool     `json:"enabled" yaml:"enabled"`
	Required                bool     `json:"required" yaml:"required"`
	ShowInDiscoveryDocument bool     `json:"show_in_discovery_document" yaml:"showInDiscoveryDocument"`
	UserClaims              []string `json:"user_claims,omitempty" yaml:"userClaims"`
}

// APIResource is a protected API. Its name becomes an access token audience
// and its secrets authenticate it at the introspection endpoint.
type APIResource struct {
	Name                                string   `json:"name" yaml:"name"`
	DisplayName                         string   `json:"display_name,omitempty" yaml:"displayName"`
	Enabled                             bool     `json:"enabled" yaml:"enabled"`
	Scopes                              []string `json:"scopes" yaml:"scopes"`
	UserClaims                          []string `json:"user_claims,omitempty" yaml:"userClaims"`
	Secrets                             []Secret `json:"secrets,omitempty" yaml:"secrets"`
	AllowedAccessTokenSigningAlgorithms []string `json:"allowed_access_token_signing_algs,omitempty" yaml:"allowedAccessTokenSigningAlgorithms"`

	// AllowUnrestrictedIntrospection lets this resource introspect tokens
	// that were not issued for it.
	AllowUnrestrictedIntrospection bool `json:"allow_unrestricted_introspection" yaml:"allowUnrestrictedIntrospection"`
}

// Resources is a resolved set of identity resources, API resources and API scopes.
type Resources struct {
	IdentityResources []IdentityResource
	APIResources      []APIResource
	APIScopes         []APIScope
	OfflineAccess     bool
}

// ScopeNames returns the names of every identity resource and API scope, plus
// offline_access when requested.
func (r *Resources) ScopeNames() []string {
	var names []string
	for _, ir := range r.IdentityResources {
		names = append(names, ir.Name)
	}
	for _, s := range r.APIScopes {
		names = append(names, s.Name)
	}
	if r.OfflineAccess {
		names = append(names, protocol.ScopeOfflineAccess)
	}
	return names
}

// FindIdentityResource returns the identity resource called name.
func (r *Resources) FindIdentityResource(name string) (*IdentityResource, bool) {
	for i := range r.IdentityResources {
		if r.IdentityResources[i].Name == name {
			return &r.IdentityResources[i], true
		}
	}
	return nil, false
}

// FindAPIScope returns the API scope called name.
func (r *Resources) FindAPIScope(name string) (*APIScope, bool) {
	for i := range r.APIScopes {
		if r.APIScopes[i].Name == name {
			return &r.APIScopes[i], true
		}
	}
	return nil, false
}

// UserClaimTypes returns the claim types required by the identity resources.
func (r *Resources) UserClaimTypes() []string {
	var types []string
	for _, ir := range r.IdentityResources {
		for _, c := range ir.UserClaims {
			if !slices.Contains(types, c) {
				types = append(types, c)
			}
		}
	}
	return types
}

// APIUserClaimTypes returns the claim types required by API scopes and resources.
func (r *Resources) APIUserClaimTypes() []string {
	var types []string
	add := func(cs []string) {
		for _, c := range cs {
			if !slices.Contains(types, c) {
				types = append(types, c)
			}
		}
	}
	for _, s := range r.APIScopes {
		add(s.UserClaims)
	}
	for _, a := range r.APIResources {
		add(a.UserClaims)
	}
	return types
}

// Audiences returns the API resource names covering the granted scopes.
func (r *Resources) Audiences() []string {
	var aud []string
	for _, a := range r.APIResources {
		if !slices.Contains(aud, a.Name) {
			aud = append(aud, a.Name)
		}
	}
	return aud
}

// StandardIdentityResources returns the OpenID Connect standard identity resources.
func StandardIdentityResources() []IdentityResource {
	return []IdentityResource{
		{
			Name: protocol.ScopeOpenID, DisplayName: "Your user identifier", Enabled: true, Required: true,
			ShowInDiscoveryDocument: true, UserClaims: []string{identity.ClaimSubject},
		},
		{
			Name: protocol.ScopeProfile, DisplayName: "User profile", Enabled: true, ShowInDiscoveryDocument: true,
			UserClaims: []string{identity.ClaimName, "family_name", "given_name", "middle_name", "nickname",
				identity.ClaimPreferredUsername, "profile", "picture", "website", "gender", "birthdate",
				"zoneinfo", "locale", "updated_at"},
		},
		{
			Name: protocol.ScopeEmail, DisplayName: "Your email address", Enabled: true, ShowInDiscoveryDocument: true,
			UserClaims: []string{identity.ClaimEmail, identity.ClaimEmailVerified},
		},
		{
			Name: protocol.ScopeAddress, DisplayName: "Your postal address", Enabled: true, ShowInDiscoveryDocument: true,
			UserClaims: []string{"address"},
		},
		{
			Name: protocol.ScopePhone, DisplayName: "Your phone number", Enabled: true, ShowInDiscoveryDocument: true,
			UserClaims: []string{"phone_number", "phone_number_verified"},
		},
	}
}
