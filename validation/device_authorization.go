package validation

import (
	"context"
	"net/url"
	"slices"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
)

// ValidatedDeviceAuthorizationRequest is an RFC 8628 device authorization
// request that passed validation.
type ValidatedDeviceAuthorizationRequest struct {
	Client          *storage.Client
	RequestedScopes []string
	Resources       *storage.Resources
	IsOpenIDRequest bool
}

// DeviceAuthorizationRequestValidator validates device authorization requests.
type DeviceAuthorizationRequestValidator struct {
	resources *ResourceValidator
	metrics   *instrumentation.Metrics
}

// NewDeviceAuthorizationRequestValidator creates a device authorization request validator.
func NewDeviceAuthorizationRequestValidator(resources *ResourceValidator, inst *instrumentation.Instrumentation) *DeviceAuthorizationRequestValidator {
	return &DeviceAuthorizationRequestValidator{resources: resources, metrics: inst.Metrics()}
}

// Validate checks that the client may use the device flow and resolves its
// scopes. An omitted scope requests everything the client is allowed.
func (v *DeviceAuthorizationRequestValidator) Validate(ctx context.Context, params url.Values, auth *ClientAuthResult) (req *ValidatedDeviceAuthorizationRequest, err error) {
	defer func() {
		if pe, ok := protocol.AsError(err); ok {
			v.metrics.RecordValidationFailed(ctx, "device_authorization", pe.Code)
		}
	}()

	if auth == nil || auth.Client == nil {
		return nil, protocol.ErrInvalidClient()
	}
	client := auth.Client
	if !client.AllowsGrantType(protocol.GrantTypeDeviceCode) {
		return nil, protocol.ErrUnauthorized("client is not allowed to use the device flow")
	}

	scope, err := param(params, protocol.ParamScope, MaxScopeLength)
	if err != nil {
		return nil, err
	}
	scopes := protocol.ParseScopes(scope)
	if len(scopes) == 0 {
		scopes = slices.Clone(client.AllowedScopes)
		if client.AllowOfflineAccess && !slices.Contains(scopes, protocol.ScopeOfflineAccess) {
			scopes = append(scopes, protocol.ScopeOfflineAccess)
		}
	}

	resources, err := v.resources.Validate(ctx, client, scopes)
	if err != nil {
		return nil, err
	}
	return &ValidatedDeviceAuthorizationRequest{
		Client:          client,
		RequestedScopes: scopes,
		Resources:       resources,
		IsOpenIDRequest: slices.Contains(scopes, protocol.ScopeOpenID),
	}, nil
}
