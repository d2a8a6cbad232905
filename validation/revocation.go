package validation

import (
	"context"
	"net/url"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
)

// ValidatedRevocationRequest is an RFC 7009 request of an authenticated client.
type ValidatedRevocationRequest struct {
	Client        *storage.Client
	Token         string
	TokenTypeHint string
}

// RevocationRequestValidator validates revocation requests.
type RevocationRequestValidator struct {
	metrics *instrumentation.Metrics
}

// NewRevocationRequestValidator creates a revocation request validator.
func NewRevocationRequestValidator(inst *instrumentation.Instrumentation) *RevocationRequestValidator {
	return &RevocationRequestValidator{metrics: inst.Metrics()}
}

// Validate checks the token parameter and hint. Only access_token and
// refresh_token hints are supported.
func (v *RevocationRequestValidator) Validate(ctx context.Context, params url.Values, auth *ClientAuthResult) (*ValidatedRevocationRequest, error) {
	if auth == nil || auth.Client == nil {
		return nil, protocol.ErrInvalidClient()
	}
	token, err := requiredParam(params, protocol.ParamToken, MaxTokenLength)
	if err != nil {
		v.metrics.RecordValidationFailed(ctx, "revocation", protocol.ErrorInvalidRequest)
		return nil, err
	}

	hint := params.Get(protocol.ParamTokenTypeHint)
	switch hint {
	case "", protocol.TokenTypeHintAccessToken, protocol.TokenTypeHintRefreshToken:
	default:
		v.metrics.RecordValidationFailed(ctx, "revocation", protocol.ErrorUnsupportedTokenType)
		return nil, protocol.NewError(protocol.ErrorUnsupportedTokenType, "")
	}

	return &ValidatedRevocationRequest{Client: auth.Client, Token: token, TokenTypeHint: hint}, nil
}
