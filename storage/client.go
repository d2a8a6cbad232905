package storage

import (
	"slices"
	"time"

	"github.com/giantswarm/oauth-provider/identity"
)

// SecretType tells the client authenticator how to interpret Secret.Value.
type SecretType string

const (
	// SecretTypeSharedSecret: Value is a bcrypt hash or the base64 SHA-256 of the secret.
	SecretTypeSharedSecret SecretType = "SharedSecret"
	// SecretTypeJSONWebKey: Value is a public JWK used to verify client assertions.
	SecretTypeJSONWebKey SecretType = "JWK"
	// SecretTypeX509Thumbprint: Value is the hex SHA-256 or SHA-1 thumbprint of a client certificate.
	SecretTypeX509Thumbprint SecretType = "X509Thumbprint"
	// SecretTypeX509Name: Value is the subject distinguished name of a client certificate.
	SecretTypeX509Name SecretType = "X509Name"
)

// Secret is a credential registered on a client or API resource.
type Secret struct {
	Type        SecretType `json:"type" yaml:"type"`
	Value       string     `json:"value" yaml:"value"`
	Description string     `json:"description,omitempty" yaml:"description"`
	Expiration  time.Time  `json:"expiration,omitzero" yaml:"expiration"`
}

// IsExpired reports whether the secret has expired at now. Zero expiration never expires.
func (s Secret) IsExpired(now time.Time) bool {
	return !s.Expiration.IsZero() && !now.Before(s.Expiration)
}

// AccessTokenType selects the serialization of access tokens.
type AccessTokenType string

const (
	AccessTokenTypeJWT       AccessTokenType = "jwt"
	AccessTokenTypeReference AccessTokenType = "reference"
)

// RefreshTokenUsage selects the rotation strategy of refresh tokens.
type RefreshTokenUsage string

const (
	// RefreshTokenOneTimeOnly rotates the handle on every use; presenting an
	// old handle is a replay.
	RefreshTokenOneTimeOnly RefreshTokenUsage = "one_time"
	// RefreshTokenReUse keeps the same handle for the whole lifetime.
	RefreshTokenReUse RefreshTokenUsage = "reuse"
)

// RefreshTokenExpiration selects how refresh token lifetimes are computed.
type RefreshTokenExpiration string

const (
	RefreshTokenExpirationAbsolute RefreshTokenExpiration = "absolute"
	RefreshTokenExpirationSliding  RefreshTokenExpiration = "sliding"
)

// Client defaults.
const (
	DefaultAccessTokenLifetime          = time.Hour
	DefaultIdentityTokenLifetime        = 5 * time.Minute
	DefaultAuthorizationCodeLifetime    = 5 * time.Minute
	DefaultDeviceCodeLifetime           = 5 * time.Minute
	DefaultAbsoluteRefreshTokenLifetime = 30 * 24 * time.Hour
	DefaultSlidingRefreshTokenLifetime  = 15 * 24 * time.Hour
	DefaultClientClaimsPrefix           = "client_"
)

// Client is a registered OAuth 2.0 / OpenID Connect client. The core treats
// it as read-only.
type Client struct {
	ClientID   string `json:"client_id" yaml:"clientId"`
	ClientName string `json:"client_name,omitempty" yaml:"clientName"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`

	Secrets             []Secret `json:"secrets,omitempty" yaml:"secrets"`
	RequireClientSecret bool     `json:"require_client_secret" yaml:"requireClientSecret"`

	AllowedGrantTypes      []string `json:"allowed_grant_types" yaml:"allowedGrantTypes"`
	AllowedScopes          []string `json:"allowed_scopes" yaml:"allowedScopes"`
	RedirectURIs           []string `json:"redirect_uris,omitempty" yaml:"redirectUris"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty" yaml:"postLogoutRedirectUris"`
	AllowedCORSOrigins     []string `json:"allowed_cors_origins,omitempty" yaml:"allowedCorsOrigins"`

	RequirePKCE        bool `json:"require_pkce" yaml:"requirePkce"`
	AllowPlainTextPKCE bool `json:"allow_plain_text_pkce" yaml:"allowPlainTextPkce"`

	RequireConsent       bool          `json:"require_consent" yaml:"requireConsent"`
	AllowRememberConsent bool          `json:"allow_remember_consent" yaml:"allowRememberConsent"`
	ConsentLifetime      time.Duration `json:"consent_lifetime,omitempty" yaml:"consentLifetime"`

	AllowOfflineAccess          bool `json:"allow_offline_access" yaml:"allowOfflineAccess"`
	AllowAccessTokensViaBrowser bool `json:"allow_access_tokens_via_browser" yaml:"allowAccessTokensViaBrowser"`
	RequireRequestObject        bool `json:"require_request_object" yaml:"requireRequestObject"`

	// UserSSOLifetime bounds the age of the user's authentication; zero means unbounded.
	UserSSOLifetime time.Duration `json:"user_sso_lifetime,omitempty" yaml:"userSsoLifetime"`

	AccessTokenType                      AccessTokenType `json:"access_token_type" yaml:"accessTokenType"`
	AllowedIdentityTokenSigningAlgorithms []string        `json:"allowed_id_token_signing_algs,omitempty" yaml:"allowedIdentityTokenSigningAlgorithms"`
	IncludeJwtID                         bool            `json:"include_jwt_id" yaml:"includeJwtId"`
	AlwaysIncludeUserClaimsInIDToken     bool            `json:"always_include_user_claims_in_id_token" yaml:"alwaysIncludeUserClaimsInIdToken"`

	AccessTokenLifetime       time.Duration `json:"access_token_lifetime" yaml:"accessTokenLifetime"`
	IdentityTokenLifetime     time.Duration `json:"identity_token_lifetime" yaml:"identityTokenLifetime"`
	AuthorizationCodeLifetime time.Duration `json:"authorization_code_lifetime" yaml:"authorizationCodeLifetime"`
	DeviceCodeLifetime        time.Duration `json:"device_code_lifetime" yaml:"deviceCodeLifetime"`

	RefreshTokenUsage                RefreshTokenUsage      `json:"refresh_token_usage" yaml:"refreshTokenUsage"`
	RefreshTokenExpiration           RefreshTokenExpiration `json:"refresh_token_expiration" yaml:"refreshTokenExpiration"`
	AbsoluteRefreshTokenLifetime     time.Duration          `json:"absolute_refresh_token_lifetime" yaml:"absoluteRefreshTokenLifetime"`
	SlidingRefreshTokenLifetime      time.Duration          `json:"sliding_refresh_token_lifetime" yaml:"slidingRefreshTokenLifetime"`
	UpdateAccessTokenClaimsOnRefresh bool                   `json:"update_access_token_claims_on_refresh" yaml:"updateAccessTokenClaimsOnRefresh"`

	Claims                 []identity.Claim `json:"claims,omitempty" yaml:"claims"`
	AlwaysSendClientClaims bool             `json:"always_send_client_claims" yaml:"alwaysSendClientClaims"`
	ClientClaimsPrefix     string           `json:"client_claims_prefix" yaml:"clientClaimsPrefix"`

	BackChannelLogoutURI             string `json:"backchannel_logout_uri,omitempty" yaml:"backChannelLogoutUri"`
	BackChannelLogoutSessionRequired bool   `json:"backchannel_logout_session_required" yaml:"backChannelLogoutSessionRequired"`

	// AllowUnrestrictedIntrospection lets this client introspect tokens issued
	// to other clients.
	AllowUnrestrictedIntrospection bool `json:"allow_unrestricted_introspection" yaml:"allowUnrestrictedIntrospection"`

	Properties map[string]string `json:"properties,omitempty" yaml:"properties"`
}

// ApplyDefaults fills zero lifetimes and policy fields with their defaults.
func (c *Client) ApplyDefaults() {
	if c.AccessTokenLifetime <= 0 {
		c.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if c.IdentityTokenLifetime <= 0 {
		c.IdentityTokenLifetime = DefaultIdentityTokenLifetime
	}
	if c.AuthorizationCodeLifetime <= 0 {
		c.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if c.DeviceCodeLifetime <= 0 {
		c.DeviceCodeLifetime = DefaultDeviceCodeLifetime
	}
	if c.AbsoluteRefreshTokenLifetime < 0 {
		c.AbsoluteRefreshTokenLifetime = DefaultAbsoluteRefreshTokenLifetime
	}
	if c.AbsoluteRefreshTokenLifetime == 0 && c.RefreshTokenExpiration != RefreshTokenExpirationSliding {
		c.AbsoluteRefreshTokenLifetime = DefaultAbsoluteRefreshTokenLifetime
	}
	if c.SlidingRefreshTokenLifetime <= 0 {
		c.SlidingRefreshTokenLifetime = DefaultSlidingRefreshTokenLifetime
	}
	if c.RefreshTokenUsage == "" {
		c.RefreshTokenUsage = RefreshTokenOneTimeOnly
	}
	if c.RefreshTokenExpiration == "" {
		c.RefreshTokenExpiration = RefreshTokenExpirationAbsolute
	}
	if c.AccessTokenType == "" {
		c.AccessTokenType = AccessTokenTypeJWT
	}
	if c.ClientClaimsPrefix == "" {
		c.ClientClaimsPrefix = DefaultClientClaimsPrefix
	}
}

// AllowsGrantType reports whether grantType is in AllowedGrantTypes.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// AllowsScope reports whether scope is in AllowedScopes.
func (c *Client) AllowsScope(scope string) bool {
	return slices.Contains(c.AllowedScopes, scope)
}

// HasRedirectURI reports an exact match against the registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasPostLogoutRedirectURI reports an exact match against the registered
// post-logout redirect URIs.
func (c *Client) HasPostLogoutRedirectURI(uri string) bool {
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// Clone returns a deep copy so that callers cannot mutate store state.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Secrets = slices.Clone(c.Secrets)
	cp.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	cp.AllowedCORSOrigins = slices.Clone(c.AllowedCORSOrigins)
	cp.AllowedIdentityTokenSigningAlgorithms = slices.Clone(c.AllowedIdentityTokenSigningAlgorithms)
	cp.Claims = slices.Clone(c.Claims)
	if c.Properties != nil {
		cp.Properties = make(map[string]string, len(c.Properties))
		for k, v := range c.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}
