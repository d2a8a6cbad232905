package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
)

// IntrospectionCaller is the authenticated caller of the introspection
// endpoint: an API resource or a client. Exactly one field is set.
type IntrospectionCaller struct {
	APIResource *storage.APIResource
	Client      *storage.Client
}

func (c IntrospectionCaller) name() string {
	switch {
	case c.APIResource != nil:
		return c.APIResource.Name
	case c.Client != nil:
		return c.Client.ClientID
	default:
		return ""
	}
}

func (c IntrospectionCaller) unrestricted() bool {
	return (c.APIResource != nil && c.APIResource.AllowUnrestrictedIntrospection) ||
		(c.Client != nil && c.Client.AllowUnrestrictedIntrospection)
}

// ValidatedIntrospectionRequest is the outcome of an introspection request.
// Inactive results carry no claims.
type ValidatedIntrospectionRequest struct {
	Caller        IntrospectionCaller
	Token         string
	TokenTypeHint string

	IsActive bool

	// TokenType is access_token or refresh_token for active tokens.
	TokenType string
	Claims    map[string]any
}

// IntrospectionRequestValidatorConfig configures an IntrospectionRequestValidator.
type IntrospectionRequestValidatorConfig struct {
	Tokens        tokens.TokenValidator
	RefreshTokens *tokens.RefreshTokenService

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// IntrospectionRequestValidator validates RFC 7662 requests and resolves the
// presented token.
type IntrospectionRequestValidator struct {
	tokens        tokens.TokenValidator
	refreshTokens *tokens.RefreshTokenService
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *instrumentation.Metrics
}

// NewIntrospectionRequestValidator creates an introspection request validator.
func NewIntrospectionRequestValidator(cfg IntrospectionRequestValidatorConfig) *IntrospectionRequestValidator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &IntrospectionRequestValidator{
		tokens:        cfg.Tokens,
		refreshTokens: cfg.RefreshTokens,
		logger:        cfg.Logger,
		tracer:        cfg.Instrumentation.Tracer("validation"),
		metrics:       cfg.Instrumentation.Metrics(),
	}
}

// Validate resolves the token for caller. Unknown, expired and foreign tokens
// yield an inactive result, never an error.
func (v *IntrospectionRequestValidator) Validate(ctx context.Context, params url.Values, caller IntrospectionCaller) (req *ValidatedIntrospectionRequest, err error) {
	ctx, span := instrumentation.StartSpan(ctx, v.tracer, "validation.introspection")
	defer func() { instrumentation.EndSpan(span, err) }()

	if caller.APIResource == nil && caller.Client == nil {
		return nil, protocol.ErrInvalidClient()
	}
	token, err := requiredParam(params, protocol.ParamToken, MaxTokenLength)
	if err != nil {
		v.metrics.RecordValidationFailed(ctx, "introspection", protocol.ErrorInvalidRequest)
		return nil, err
	}

	req = &ValidatedIntrospectionRequest{
		Caller:        caller,
		Token:         token,
		TokenTypeHint: params.Get(protocol.ParamTokenTypeHint),
	}

	// An unknown hint is ignored (RFC 7662 2.1).
	lookups := []func(context.Context, *ValidatedIntrospectionRequest) (bool, error){v.accessToken, v.refreshToken}
	if req.TokenTypeHint == protocol.TokenTypeHintRefreshToken {
		slices.Reverse(lookups)
	}
	for _, lookup := range lookups {
		found, err := lookup(ctx, req)
		if err != nil {
			return nil, err
		}
		if found {
			break
		}
	}

	if req.IsActive && !v.authorized(req) {
		v.logger.Info("Introspection of a token not issued for the caller",
			"caller", caller.name(), "token_type", req.TokenType)
		req.IsActive, req.TokenType, req.Claims = false, "", nil
	}
	return req, nil
}

func (v *IntrospectionRequestValidator) accessToken(ctx context.Context, req *ValidatedIntrospectionRequest) (bool, error) {
	result, err := v.tokens.ValidateAccessToken(ctx, req.Token, "")
	if err != nil {
		if _, ok := protocol.AsError(err); ok {
			return false, nil
		}
		return false, fmt.Errorf("failed to validate access token: %w", err)
	}
	req.IsActive = true
	req.TokenType = protocol.TokenTypeHintAccessToken
	req.Claims = result.Claims
	return true, nil
}

func (v *IntrospectionRequestValidator) refreshToken(ctx context.Context, req *ValidatedIntrospectionRequest) (bool, error) {
	if v.refreshTokens == nil || len(req.Token) > MaxHandleLength {
		return false, nil
	}
	rt, err := v.refreshTokens.FindRefreshToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load refresh token: %w", err)
	}

	claims := map[string]any{
		protocol.ClaimClientID: rt.ClientID,
		protocol.ClaimIssuedAt: rt.CreationTime.Unix(),
		protocol.ClaimScope:    protocol.JoinScopes(rt.Scopes()),
	}
	if exp := rt.ExpiresAt(); !exp.IsZero() {
		claims[protocol.ClaimExpiration] = exp.Unix()
	}
	if rt.Subject != nil && rt.Subject.Subject != "" {
		claims[protocol.ClaimSubject] = rt.Subject.Subject
	}
	if rt.SessionID != "" {
		claims[protocol.ClaimSessionID] = rt.SessionID
	}
	if rt.AccessToken != nil {
		claims[protocol.ClaimIssuer] = rt.AccessToken.Issuer
		if len(rt.AccessToken.Audiences) > 0 {
			claims[protocol.ClaimAudience] = slices.Clone(rt.AccessToken.Audiences)
		}
	}

	req.IsActive = true
	req.TokenType = protocol.TokenTypeHintRefreshToken
	req.Claims = claims
	return true, nil
}

// authorized applies the caller restriction. API resources see access tokens
// issued for them, with the scope claim narrowed to their own scopes; clients
// see the tokens issued to them.
func (v *IntrospectionRequestValidator) authorized(req *ValidatedIntrospectionRequest) bool {
	if req.Caller.unrestricted() {
		return true
	}
	tokenClient, _ := req.Claims[protocol.ClaimClientID].(string)

	if api := req.Caller.APIResource; api != nil {
		if req.TokenType != protocol.TokenTypeHintAccessToken {
			return false
		}
		if !slices.Contains(audiences(req.Claims), api.Name) {
			return false
		}
		scopeClaim, _ := req.Claims[protocol.ClaimScope].(string)
		var visible []string
		for _, s := range protocol.ParseScopes(scopeClaim) {
			if slices.Contains(api.Scopes, s) {
				visible = append(visible, s)
			}
		}
		if len(visible) == 0 {
			return false
		}
		claims := make(map[string]any, len(req.Claims))
		for k, val := range req.Claims {
			claims[k] = val
		}
		claims[protocol.ClaimScope] = protocol.JoinScopes(visible)
		req.Claims = claims
		return true
	}

	return tokenClient == req.Caller.Client.ClientID
}

func audiences(claims map[string]any) []string {
	switch aud := claims[protocol.ClaimAudience].(type) {
	case string:
		return []string{aud}
	case []string:
		return aud
	case []any:
		out := make([]string, 0, len(aud))
		for _, a := range aud {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// APIResourceAuthenticator authenticates API resources at the introspection
// endpoint with their shared secrets.
type APIResourceAuthenticator struct {
	resources storage.ResourceStore
	clock     security.Clock
	logger    *slog.Logger
	auditor   *security.Auditor
	metrics   *instrumentation.Metrics
}

// NewAPIResourceAuthenticator creates an API resource authenticator.
func NewAPIResourceAuthenticator(resources storage.ResourceStore, clock security.Clock, logger *slog.Logger, auditor *security.Auditor, metrics *instrumentation.Metrics) *APIResourceAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIResourceAuthenticator{
		resources: resources,
		clock:     security.ClockOrDefault(clock),
		logger:    logger,
		auditor:   auditor,
		metrics:   metrics,
	}
}

// Authenticate checks Basic credentials of an API resource. Every failure is
// invalid_client.
func (a *APIResourceAuthenticator) Authenticate(ctx context.Context, authorization string) (*storage.APIResource, error) {
	name, secret, ok := ParseBasicAuth(authorization)
	if !ok {
		return nil, protocol.ErrInvalidClient()
	}
	apis, err := a.resources.FindAPIResourcesByName(ctx, []string{name})
	if err != nil {
		return nil, fmt.Errorf("failed to load API resource: %w", err)
	}
	if len(apis) == 0 {
		return nil, a.fail(ctx, name, "unknown API resource")
	}

	api := apis[0]
	now := a.clock.Now()
	for _, s := range api.Secrets {
		if s.Type == storage.SecretTypeSharedSecret && !s.IsExpired(now) && VerifySharedSecret(s.Value, secret) {
			return &api, nil
		}
	}
	return nil, a.fail(ctx, name, "invalid API resource secret")
}

func (a *APIResourceAuthenticator) fail(ctx context.Context, name, reason string) error {
	a.logger.Info("API resource authentication failed", "api_resource", name, "reason", reason)
	a.auditor.LogClientAuthFailure(name, protocol.AuthMethodClientSecretBasic, reason)
	a.metrics.RecordClientAuthFailed(ctx, protocol.AuthMethodClientSecretBasic)
	return protocol.ErrInvalidClient()
}
