package validation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
)

// ValidatedEndSessionRequest is an RP-initiated logout request.
type ValidatedEndSessionRequest struct {
	Raw url.Values

	// Client is known when a valid id_token_hint was sent.
	Client *storage.Client

	// Subject is the current user; nil when nobody is signed in.
	Subject   *identity.Principal
	SessionID string

	PostLogoutRedirectURI string
	State                 string
	UILocales             string
}

// EndSessionRequestValidator validates end-session requests. Failures are
// fatal errors rendered locally.
type EndSessionRequestValidator struct {
	tokens tokens.TokenValidator
	logger *slog.Logger
}

// NewEndSessionRequestValidator creates an end-session request validator.
func NewEndSessionRequestValidator(validator tokens.TokenValidator, logger *slog.Logger) *EndSessionRequestValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndSessionRequestValidator{tokens: validator, logger: logger}
}

// Validate checks the id_token_hint against the current user and the
// post_logout_redirect_uri against the hinted client. Expired hints are
// accepted.
func (v *EndSessionRequestValidator) Validate(ctx context.Context, params url.Values, subject *identity.Principal) (*ValidatedEndSessionRequest, error) {
	req := &ValidatedEndSessionRequest{Raw: params}
	if subject.IsAuthenticated() {
		req.Subject = subject
		req.SessionID = subject.SessionID
	}

	if hint := params.Get(protocol.ParamIDTokenHint); hint != "" {
		if len(hint) > MaxTokenLength {
			return nil, protocol.NewFatalError(protocol.ErrorInvalidRequest, "id_token_hint too long")
		}
		result, err := v.tokens.ValidateIdentityToken(ctx, hint, "", false)
		if err != nil {
			if _, ok := protocol.AsError(err); ok {
				v.logger.Info("Rejected id_token_hint", "error", err)
				return nil, protocol.NewFatalError(protocol.ErrorInvalidRequest, "invalid id_token_hint")
			}
			return nil, fmt.Errorf("failed to validate id_token_hint: %w", err)
		}
		if req.Subject != nil && result.Subject() != req.Subject.Subject {
			return nil, protocol.NewFatalError(protocol.ErrorInvalidRequest, "id_token_hint does not match the current user")
		}
		req.Client = result.Client
		if req.SessionID == "" {
			req.SessionID = result.SessionID()
		}
	}

	if uri := params.Get(protocol.ParamPostLogoutRedirectURI); uri != "" {
		if len(uri) > MaxRedirectURILength {
			return nil, protocol.NewFatalError(protocol.ErrorInvalidRequest, "post_logout_redirect_uri too long")
		}
		if req.Client == nil {
			return nil, protocol.NewFatalError(protocol.ErrorInvalidRequest, "post_logout_redirect_uri requires id_token_hint")
		}
		if !req.Client.HasPostLogoutRedirectURI(uri) {
			return nil, protocol.NewFatalError(protocol.ErrorInvalidRequest, "post_logout_redirect_uri is not registered for this client")
		}
		req.PostLogoutRedirectURI = uri

		state, err := param(params, protocol.ParamState, MaxStateLength)
		if err != nil {
			return nil, protocol.NewFatalError(protocol.ErrorInvalidRequest, "state too long")
		}
		req.State = state
	}

	locales, err := param(params, protocol.ParamUILocales, MaxUILocalesLength)
	if err != nil {
		return nil, protocol.NewFatalError(protocol.ErrorInvalidRequest, "ui_locales too long")
	}
	req.UILocales = locales
	return req, nil
}
