package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// ValidatedAuthorizeRequest is an authorize request that passed validation.
type ValidatedAuthorizeRequest struct {
	Raw    url.Values
	Client *storage.Client

	RedirectURI  string
	ResponseType string // normalized, see protocol.ParseResponseType
	ResponseMode string
	GrantType    string // authorization_code, implicit or hybrid

	State           string
	Nonce           string
	RequestedScopes []string
	Resources       *storage.Resources
	IsOpenIDRequest bool

	CodeChallenge       string
	CodeChallengeMethod string

	PromptModes []string
	MaxAge      *time.Duration
	LoginHint   string
	UILocales   string
	AcrValues   []string

	// Subject is the current user, if any.
	Subject   *identity.Principal
	SessionID string

	// WasConsentShown is set once the user answered a consent page for
	// this request.
	WasConsentShown bool
}

// HasPrompt reports whether prompt contains mode.
func (r *ValidatedAuthorizeRequest) HasPrompt(mode string) bool {
	return slices.Contains(r.PromptModes, mode)
}

// AuthorizeError is a failed authorize request. Request is set once the
// redirect URI has been verified, so that redirect errors can be delivered to
// the client.
type AuthorizeError struct {
	Err     *protocol.Error
	Request *ValidatedAuthorizeRequest
}

func (e *AuthorizeError) Error() string { return e.Err.Error() }

func (e *AuthorizeError) Unwrap() error { return e.Err }

// CanRedirect reports whether the error may be delivered to the client's
// redirect URI.
func (e *AuthorizeError) CanRedirect() bool {
	return e.Err.Kind == protocol.KindRedirect && e.Request != nil && e.Request.RedirectURI != ""
}

// AuthorizeRequestValidatorConfig configures an AuthorizeRequestValidator.
type AuthorizeRequestValidatorConfig struct {
	Clients   storage.ClientStore
	Resources *ResourceValidator

	// RequestObjects resolves request and request_uri. When nil, both
	// parameters are rejected with request_not_supported.
	RequestObjects *RequestObjectLoader

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// AuthorizeRequestValidator validates authorize endpoint requests. Checks run
// in a fixed order and stop at the first failure.
type AuthorizeRequestValidator struct {
	clients        storage.ClientStore
	resources      *ResourceValidator
	requestObjects *RequestObjectLoader
	logger         *slog.Logger
	auditor        *security.Auditor
	tracer         trace.Tracer
	metrics        *instrumentation.Metrics
}

// NewAuthorizeRequestValidator creates an authorize request validator.
func NewAuthorizeRequestValidator(cfg AuthorizeRequestValidatorConfig) *AuthorizeRequestValidator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AuthorizeRequestValidator{
		clients:        cfg.Clients,
		resources:      cfg.Resources,
		requestObjects: cfg.RequestObjects,
		logger:         cfg.Logger,
		auditor:        cfg.Auditor,
		tracer:         cfg.Instrumentation.Tracer("validation"),
		metrics:        cfg.Instrumentation.Metrics(),
	}
}

// Validate validates params for the current user, which may be nil.
// Protocol violations are returned as *AuthorizeError.
func (v *AuthorizeRequestValidator) Validate(ctx context.Context, params url.Values, subject *identity.Principal) (req *ValidatedAuthorizeRequest, err error) {
	ctx, span := instrumentation.StartSpan(ctx, v.tracer, "validation.authorize")
	defer func() { instrumentation.EndSpan(span, err) }()

	req, err = v.validate(ctx, params, subject)
	if err != nil {
		var ae *AuthorizeError
		if errors.As(err, &ae) {
			clientID := params.Get(protocol.ParamClientID)
			eventType := security.EventAuthorizeRequestRejected
			if ae.Err.Kind == protocol.KindFatal && ae.Request == nil {
				eventType = security.EventInvalidRedirect
			}
			v.auditor.LogRequestRejected(eventType, subjectID(subject), clientID, ae.Err.Code, ae.Err.Description)
			v.metrics.RecordValidationFailed(ctx, "authorize", ae.Err.Code)
			v.logger.Info("Authorize request rejected", "client_id", clientID, "error", ae.Err.Code, "description", ae.Err.Description)
		}
		return nil, err
	}

	instrumentation.AddOAuthFlowAttributes(span, req.Client.ClientID, subjectID(subject), protocol.JoinScopes(req.RequestedScopes))
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
		attribute.String(instrumentation.AttrResponseMode, req.ResponseMode))
	return req, nil
}

func fatal(code, desc string) error {
	return &AuthorizeError{Err: protocol.NewFatalError(code, desc)}
}

func redirectErr(req *ValidatedAuthorizeRequest, code, desc string) error {
	return &AuthorizeError{Err: protocol.NewRedirectError(code, desc), Request: req}
}

// asRedirect converts a protocol error from a helper into a redirect error
// bound to req. Faults are returned unchanged.
func asRedirect(req *ValidatedAuthorizeRequest, err error) error {
	pe, ok := protocol.AsError(err)
	if !ok {
		return err
	}
	return redirectErr(req, pe.Code, pe.Description)
}

func (v *AuthorizeRequestValidator) validate(ctx context.Context, params url.Values, subject *identity.Principal) (*ValidatedAuthorizeRequest, error) {
	// client_id
	clientID, err := requiredParam(params, protocol.ParamClientID, MaxClientIDLength)
	if err != nil {
		return nil, fatal(protocol.ErrorInvalidRequest, "invalid client_id")
	}
	client, err := v.clients.FindEnabledClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fatal(protocol.ErrorInvalidRequest, "unknown client or client not enabled")
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	// request object
	fromRequestObject := false
	if params.Get(protocol.ParamRequest) != "" || params.Get(protocol.ParamRequestURI) != "" {
		if v.requestObjects == nil {
			code := protocol.ErrorRequestNotSupported
			if params.Get(protocol.ParamRequestURI) != "" {
				code = protocol.ErrorRequestURINotSupported
			}
			return nil, fatal(code, "request objects are not supported")
		}
		merged, err := v.requestObjects.Merge(ctx, client, params)
		if err != nil {
			if pe, ok := protocol.AsError(err); ok {
				return nil, &AuthorizeError{Err: pe}
			}
			return nil, err
		}
		params, fromRequestObject = merged, true
	}

	// redirect_uri
	redirectURI, err := requiredParam(params, protocol.ParamRedirectURI, MaxRedirectURILength)
	if err != nil {
		return nil, fatal(protocol.ErrorInvalidRequest, "invalid redirect_uri")
	}
	if u, err := url.Parse(redirectURI); err != nil || !u.IsAbs() || u.Fragment != "" {
		return nil, fatal(protocol.ErrorInvalidRequest, "malformed redirect_uri")
	}
	if !client.HasRedirectURI(redirectURI) {
		return nil, fatal(protocol.ErrorInvalidRequest, "redirect_uri is not registered for this client")
	}

	req := &ValidatedAuthorizeRequest{
		Raw:         params,
		Client:      client,
		RedirectURI: redirectURI,
		Subject:     subject,
	}
	if subject != nil {
		req.SessionID = subject.SessionID
	}

	// state is needed before any redirect error can be delivered.
	if req.State, err = param(params, protocol.ParamState, MaxStateLength); err != nil {
		return nil, fatal(protocol.ErrorInvalidRequest, "state too long")
	}

	// response_type
	rawResponseType, err := requiredParam(params, protocol.ParamResponseType, 100)
	if err != nil {
		req.ResponseMode = protocol.ResponseModeQuery
		return nil, redirectErr(req, protocol.ErrorInvalidRequest, "response_type is missing")
	}
	req.ResponseType = protocol.ParseResponseType(rawResponseType)
	req.GrantType = protocol.GrantTypeForResponseType(req.ResponseType)
	req.ResponseMode = protocol.DefaultResponseMode(req.ResponseType)
	if req.GrantType == "" {
		req.ResponseMode = protocol.ResponseModeQuery
		return nil, redirectErr(req, protocol.ErrorUnsupportedResponseType, "unsupported response_type")
	}
	if !client.AllowsGrantType(req.GrantType) {
		return nil, redirectErr(req, protocol.ErrorUnauthorizedClient, "client is not allowed to use this response_type")
	}

	// response_mode
	if mode := params.Get(protocol.ParamResponseMode); mode != "" {
		switch mode {
		case protocol.ResponseModeQuery, protocol.ResponseModeFragment, protocol.ResponseModeFormPost:
		default:
			return nil, redirectErr(req, protocol.ErrorInvalidRequest, "unsupported response_mode")
		}
		if mode == protocol.ResponseModeQuery && req.ResponseType != protocol.ResponseTypeCode {
			return nil, redirectErr(req, protocol.ErrorInvalidRequest, "query response_mode is not allowed for this response_type")
		}
		req.ResponseMode = mode
	}

	// scope
	scope, err := requiredParam(params, protocol.ParamScope, MaxScopeLength)
	if err != nil {
		return nil, asRedirect(req, err)
	}
	req.RequestedScopes = protocol.ParseScopes(scope)
	req.IsOpenIDRequest = slices.Contains(req.RequestedScopes, protocol.ScopeOpenID)
	if protocol.ResponseTypeIncludesIDToken(req.ResponseType) && !req.IsOpenIDRequest {
		return nil, redirectErr(req, protocol.ErrorInvalidScope, "openid scope is required for id_token")
	}
	if protocol.ResponseTypeIncludesToken(req.ResponseType) && !client.AllowAccessTokensViaBrowser {
		return nil, redirectErr(req, protocol.ErrorUnauthorizedClient, "client is not allowed to receive access tokens via the browser")
	}
	req.Resources, err = v.resources.Validate(ctx, client, req.RequestedScopes)
	if err != nil {
		return nil, asRedirect(req, err)
	}
	if req.Resources.OfflineAccess && req.GrantType == protocol.GrantTypeImplicit {
		return nil, redirectErr(req, protocol.ErrorInvalidScope, "offline_access is not allowed for implicit flows")
	}

	// PKCE
	challenge := params.Get(protocol.ParamCodeChallenge)
	if protocol.ResponseTypeIncludesCode(req.ResponseType) {
		if challenge == "" {
			if client.RequirePKCE {
				return nil, redirectErr(req, protocol.ErrorInvalidRequest, "code challenge required")
			}
		} else {
			method, err := ValidateCodeChallenge(challenge, params.Get(protocol.ParamCodeChallengeMethod), client.AllowPlainTextPKCE)
			if err != nil {
				return nil, asRedirect(req, err)
			}
			req.CodeChallenge, req.CodeChallengeMethod = challenge, method
		}
	}

	// nonce
	if req.Nonce, err = param(params, protocol.ParamNonce, MaxNonceLength); err != nil {
		return nil, asRedirect(req, err)
	}
	if req.Nonce == "" && protocol.ResponseTypeIncludesIDToken(req.ResponseType) && req.GrantType != protocol.GrantTypeAuthorizationCode {
		return nil, redirectErr(req, protocol.ErrorInvalidRequest, "nonce required")
	}

	// prompt
	if prompt := params.Get(protocol.ParamPrompt); prompt != "" {
		req.PromptModes = strings.Fields(prompt)
		for _, p := range req.PromptModes {
			switch p {
			case protocol.PromptNone, protocol.PromptLogin, protocol.PromptConsent, protocol.PromptSelectAccount:
			default:
				return nil, redirectErr(req, protocol.ErrorInvalidRequest, "invalid prompt")
			}
		}
		if req.HasPrompt(protocol.PromptNone) && len(req.PromptModes) > 1 {
			return nil, redirectErr(req, protocol.ErrorInvalidRequest, "prompt none cannot be combined with other values")
		}
	}

	// max_age
	if raw := params.Get(protocol.ParamMaxAge); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds < 0 || seconds > MaxMaxAge {
			return nil, redirectErr(req, protocol.ErrorInvalidRequest, "invalid max_age")
		}
		d := time.Duration(seconds) * time.Second
		req.MaxAge = &d
	}

	// display hints
	if req.LoginHint, err = param(params, protocol.ParamLoginHint, MaxLoginHintLength); err != nil {
		return nil, asRedirect(req, err)
	}
	if req.UILocales, err = param(params, protocol.ParamUILocales, MaxUILocalesLength); err != nil {
		return nil, asRedirect(req, err)
	}
	acr, err := param(params, protocol.ParamAcrValues, MaxAcrValuesLength)
	if err != nil {
		return nil, asRedirect(req, err)
	}
	req.AcrValues = strings.Fields(acr)

	if client.RequireRequestObject && !fromRequestObject {
		return nil, redirectErr(req, protocol.ErrorInvalidRequest, "client requires a signed request object")
	}

	return req, nil
}

func subjectID(p *identity.Principal) string {
	if p == nil {
		return ""
	}
	return p.Subject
}
