// Package protocol holds the OAuth 2.0 / OpenID Connect wire vocabulary shared
// by the validators and response generators: parameter names, grant and
// response types, error codes, and the typed error returned for expected
// protocol violations.
package protocol

// Grant types (RFC 6749, RFC 8628).
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password"
	GrantTypeImplicit          = "implicit"
	GrantTypeHybrid            = "hybrid"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Response types (RFC 6749, OIDC Core 3).
const (
	ResponseTypeCode             = "code"
	ResponseTypeToken            = "token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeIDTokenToken     = "id_token token"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
)

// Response modes (OAuth 2.0 Multiple Response Types, Form Post Response Mode).
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// PKCE code challenge methods (RFC 7636).
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// Client assertion type for private_key_jwt / client_secret_jwt (RFC 7523).
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Token type hints (RFC 7009).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Token types returned in token responses.
const (
	TokenTypeBearer = "Bearer"
)

// Well-known scopes.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeAddress       = "address"
	ScopePhone         = "phone"
	ScopeOfflineAccess = "offline_access"
)

// Prompt values (OIDC Core 3.1.2.1).
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// Request parameter names.
const (
	ParamClientID                = "client_id"
	ParamClientSecret            = "client_secret"
	ParamClientAssertion         = "client_assertion"
	ParamClientAssertionType     = "client_assertion_type"
	ParamRedirectURI             = "redirect_uri"
	ParamResponseType            = "response_type"
	ParamResponseMode            = "response_mode"
	ParamScope                   = "scope"
	ParamState                   = "state"
	ParamNonce                   = "nonce"
	ParamPrompt                  = "prompt"
	ParamMaxAge                  = "max_age"
	ParamLoginHint               = "login_hint"
	ParamAcrValues               = "acr_values"
	ParamUILocales               = "ui_locales"
	ParamCodeChallenge           = "code_challenge"
	ParamCodeChallengeMethod     = "code_challenge_method"
	ParamCodeVerifier            = "code_verifier"
	ParamRequest                 = "request"
	ParamRequestURI              = "request_uri"
	ParamResource                = "resource"
	ParamGrantType               = "grant_type"
	ParamCode                    = "code"
	ParamRefreshToken            = "refresh_token"
	ParamUsername                = "username"
	ParamPassword                = "password"
	ParamDeviceCode              = "device_code"
	ParamToken                   = "token"
	ParamTokenTypeHint           = "token_type_hint"
	ParamIDTokenHint             = "id_token_hint"
	ParamPostLogoutRedirectURI   = "post_logout_redirect_uri"
	ParamUserCode                = "user_code"
	ParamAccessToken             = "access_token"
	ParamIDToken                 = "id_token"
	ParamTokenType               = "token_type"
	ParamExpiresIn               = "expires_in"
	ParamSessionState            = "session_state"
	ParamIssuer                  = "iss"
	ParamError                   = "error"
	ParamErrorDescription        = "error_description"
	ParamVerificationURI         = "verification_uri"
	ParamVerificationURIComplete = "verification_uri_complete"
)

// Error codes (RFC 6749 5.2 and 4.1.2.1, RFC 7009, RFC 8628 3.5, OIDC Core 3.1.2.6).
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorInvalidScope            = "invalid_scope"
	ErrorInvalidTarget           = "invalid_target"
	ErrorAccessDenied            = "access_denied"
	ErrorServerError             = "server_error"
	ErrorTemporarilyUnavailable  = "temporarily_unavailable"
	ErrorUnsupportedTokenType    = "unsupported_token_type"
	ErrorInvalidToken            = "invalid_token"
	ErrorInsufficientScope       = "insufficient_scope"
	ErrorAuthorizationPending    = "authorization_pending"
	ErrorSlowDown                = "slow_down"
	ErrorExpiredToken            = "expired_token"
	ErrorLoginRequired           = "login_required"
	ErrorConsentRequired         = "consent_required"
	ErrorInteractionRequired     = "interaction_required"
	ErrorInvalidRequestObject    = "invalid_request_object"
	ErrorInvalidRequestURI       = "invalid_request_uri"
	ErrorRequestNotSupported     = "request_not_supported"
	ErrorRequestURINotSupported  = "request_uri_not_supported"
)

// Token endpoint authentication methods advertised in discovery.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
	AuthMethodTLSClientAuth     = "tls_client_auth"
	AuthMethodSelfSignedTLS     = "self_signed_tls_client_auth"
	AuthMethodNone              = "none"
)

// JWT claim names used across the token pipeline.
const (
	ClaimIssuer           = "iss"
	ClaimSubject          = "sub"
	ClaimAudience         = "aud"
	ClaimExpiration       = "exp"
	ClaimNotBefore        = "nbf"
	ClaimIssuedAt         = "iat"
	ClaimJWTID            = "jti"
	ClaimClientID         = "client_id"
	ClaimScope            = "scope"
	ClaimNonce            = "nonce"
	ClaimSessionID        = "sid"
	ClaimAuthTime         = "auth_time"
	ClaimIdentityProvider = "idp"
	ClaimAuthMethods      = "amr"
	ClaimAccessTokenHash  = "at_hash"
	ClaimCodeHash         = "c_hash"
	ClaimStateHash        = "s_hash"
	ClaimConfirmation     = "cnf"
	ClaimEvents           = "events"
	ClaimActive           = "active"
	ClaimTokenType        = "token_type"
)

// BackChannelLogoutEvent is the event URI carried in logout tokens.
const BackChannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// JWT typ header values.
const (
	JWTTypeAccessToken = "at+jwt"
	JWTTypeLogoutToken = "logout+jwt"
	JWTTypeJWT         = "JWT"
)

// Endpoint paths relative to the issuer.
const (
	PathDiscovery             = "/.well-known/openid-configuration"
	PathAuthorizationServerMD = "/.well-known/oauth-authorization-server"
	PathJWKS                  = "/.well-known/openid-configuration/jwks"
	PathAuthorize             = "/connect/authorize"
	PathToken                 = "/connect/token"
	PathUserInfo              = "/connect/userinfo"
	PathEndSession            = "/connect/endsession"
	PathCheckSession          = "/connect/checksession"
	PathRevocation            = "/connect/revocation"
	PathIntrospection         = "/connect/introspect"
	PathDeviceAuthorization   = "/connect/deviceauthorization"
)
