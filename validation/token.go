package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
)

// ValidatedTokenRequest is a token request that passed validation. Every
// grant type normalizes into this shape.
type ValidatedTokenRequest struct {
	Raw          url.Values
	Client       *storage.Client
	Confirmation map[string]string
	GrantType    string

	// Subject is nil for client_credentials and client-only extension grants.
	Subject   *identity.Principal
	SessionID string

	RequestedScopes []string
	Resources       *storage.Resources

	// FamilyID links refresh tokens and reference tokens to the grant they
	// were issued from. Empty starts a new family.
	FamilyID string

	// Set for authorization_code.
	AuthorizationCode       *storage.AuthorizationCode
	AuthorizationCodeHandle string

	// Set for refresh_token.
	RefreshToken *tokens.RedeemedRefreshToken

	// Set for the device_code grant.
	DeviceCode *storage.DeviceCode

	// CustomResponse from an extension grant.
	CustomResponse map[string]any
}

// DeviceCodeRedeemer resolves a polled device code. It returns the device
// authorization only once it was approved, and protocol errors
// (authorization_pending, slow_down, access_denied, expired_token,
// invalid_grant) otherwise.
type DeviceCodeRedeemer interface {
	Poll(ctx context.Context, client *storage.Client, deviceCode string) (*storage.DeviceCode, error)
}

// TokenRequestValidatorConfig configures a TokenRequestValidator.
type TokenRequestValidatorConfig struct {
	Grants        storage.PersistedGrantStore
	Encryptor     *security.Encryptor
	ResourceStore storage.ResourceStore
	Resources     *ResourceValidator
	RefreshTokens *tokens.RefreshTokenService
	Profile       identity.ProfileService

	// Optional grant collaborators. A nil collaborator disables the grant.
	Passwords  identity.ResourceOwnerPasswordValidator
	Devices    DeviceCodeRedeemer
	Extensions *ExtensionGrants

	Clock           security.Clock
	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// TokenRequestValidator validates token endpoint requests of an already
// authenticated client.
type TokenRequestValidator struct {
	codes         *storage.GrantStore[storage.AuthorizationCode]
	resourceStore storage.ResourceStore
	resources     *ResourceValidator
	refreshTokens *tokens.RefreshTokenService
	profile       identity.ProfileService
	passwords     identity.ResourceOwnerPasswordValidator
	devices       DeviceCodeRedeemer
	extensions    *ExtensionGrants
	clock         security.Clock
	logger        *slog.Logger
	auditor       *security.Auditor
	tracer        trace.Tracer
	metrics       *instrumentation.Metrics
}

// NewTokenRequestValidator creates a token request validator.
func NewTokenRequestValidator(cfg TokenRequestValidatorConfig) *TokenRequestValidator {
	if cfg.Profile == nil {
		cfg.Profile = identity.DefaultProfileService{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TokenRequestValidator{
		codes:         storage.NewAuthorizationCodeStore(cfg.Grants, cfg.Encryptor),
		resourceStore: cfg.ResourceStore,
		resources:     cfg.Resources,
		refreshTokens: cfg.RefreshTokens,
		profile:       cfg.Profile,
		passwords:     cfg.Passwords,
		devices:       cfg.Devices,
		extensions:    cfg.Extensions,
		clock:         security.ClockOrDefault(cfg.Clock),
		logger:        cfg.Logger,
		auditor:       cfg.Auditor,
		tracer:        cfg.Instrumentation.Tracer("validation"),
		metrics:       cfg.Instrumentation.Metrics(),
	}
}

// Validate dispatches on grant_type.
func (v *TokenRequestValidator) Validate(ctx context.Context, params url.Values, auth *ClientAuthResult) (req *ValidatedTokenRequest, err error) {
	ctx, span := instrumentation.StartSpan(ctx, v.tracer, "validation.token")
	defer func() { instrumentation.EndSpan(span, err) }()

	if auth == nil || auth.Client == nil {
		return nil, protocol.ErrInvalidClient()
	}
	client := auth.Client

	req, err = v.validate(ctx, params, auth)
	if err != nil {
		if pe, ok := protocol.AsError(err); ok {
			v.auditor.LogRequestRejected(security.EventTokenRequestRejected, "", client.ClientID, pe.WireCode(), pe.Description)
			v.metrics.RecordValidationFailed(ctx, "token", pe.WireCode())
			v.logger.Info("Token request rejected",
				"client_id", client.ClientID,
				"grant_type", util.SafeTruncate(params.Get(protocol.ParamGrantType), MaxGrantTypeLength),
				"error", pe.Code,
				"description", pe.Description)
		}
		return nil, err
	}

	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, subjectID(req.Subject), protocol.JoinScopes(req.RequestedScopes))
	instrumentation.AddTokenFamilyAttributes(span, req.FamilyID)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, req.GrantType))
	return req, nil
}

func (v *TokenRequestValidator) validate(ctx context.Context, params url.Values, auth *ClientAuthResult) (*ValidatedTokenRequest, error) {
	grantType, err := requiredParam(params, protocol.ParamGrantType, MaxGrantTypeLength)
	if err != nil {
		return nil, err
	}

	req := &ValidatedTokenRequest{
		Raw:          params,
		Client:       auth.Client,
		Confirmation: auth.Confirmation,
		GrantType:    grantType,
	}

	switch grantType {
	case protocol.GrantTypeAuthorizationCode:
		if !auth.Client.AllowsGrantType(protocol.GrantTypeAuthorizationCode) && !auth.Client.AllowsGrantType(protocol.GrantTypeHybrid) {
			return nil, protocol.ErrUnauthorized("client is not allowed to use this grant type")
		}
		err = v.validateAuthorizationCode(ctx, req)
	case protocol.GrantTypeClientCredentials:
		err = v.dispatch(ctx, req, true, v.validateClientCredentials)
	case protocol.GrantTypePassword:
		err = v.dispatch(ctx, req, v.passwords != nil, v.validatePassword)
	case protocol.GrantTypeRefreshToken:
		err = v.dispatch(ctx, req, v.refreshTokens != nil, v.validateRefreshToken)
	case protocol.GrantTypeDeviceCode:
		err = v.dispatch(ctx, req, v.devices != nil, v.validateDeviceCode)
	default:
		ext, ok := v.extensions.Lookup(grantType)
		if !ok {
			return nil, protocol.NewError(protocol.ErrorUnsupportedGrantType, "")
		}
		err = v.dispatch(ctx, req, true, func(ctx context.Context, req *ValidatedTokenRequest) error {
			return v.validateExtension(ctx, req, ext)
		})
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// dispatch runs a grant validator after the enabled and client-allowed checks.
func (v *TokenRequestValidator) dispatch(ctx context.Context, req *ValidatedTokenRequest, enabled bool, fn func(context.Context, *ValidatedTokenRequest) error) error {
	if !enabled {
		return protocol.NewError(protocol.ErrorUnsupportedGrantType, "")
	}
	if !req.Client.AllowsGrantType(req.GrantType) {
		return protocol.ErrUnauthorized("client is not allowed to use this grant type")
	}
	return fn(ctx, req)
}

func (v *TokenRequestValidator) validateAuthorizationCode(ctx context.Context, req *ValidatedTokenRequest) error {
	handle, err := requiredParam(req.Raw, protocol.ParamCode, MaxHandleLength)
	if err != nil {
		return err
	}

	code, grant, err := v.codes.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.ErrInvalidGrant("invalid authorization code")
		}
		return fmt.Errorf("failed to load authorization code: %w", err)
	}
	if code.ClientID != req.Client.ClientID {
		v.logger.Warn("Authorization code presented by a different client",
			"client_id", req.Client.ClientID, "code_client_id", code.ClientID)
		return protocol.ErrInvalidGrant("invalid authorization code")
	}
	if grant.IsConsumed() {
		return v.codeReplay(ctx, code)
	}

	now := v.clock.Now()
	if security.IsExpired(now, code.ExpiresAt()) {
		if err := v.codes.Remove(ctx, handle); err != nil {
			v.logger.Warn("Failed to remove expired authorization code", "error", err)
		}
		return protocol.ErrInvalidGrant("authorization code expired")
	}

	if _, _, err := v.codes.Consume(ctx, handle, now); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyConsumed):
			return v.codeReplay(ctx, code)
		case errors.Is(err, storage.ErrNotFound):
			return protocol.ErrInvalidGrant("invalid authorization code")
		default:
			return fmt.Errorf("failed to consume authorization code: %w", err)
		}
	}

	redirectURI, err := param(req.Raw, protocol.ParamRedirectURI, MaxRedirectURILength)
	if err != nil {
		return err
	}
	if redirectURI != code.RedirectURI {
		return protocol.ErrInvalidGrant("redirect_uri does not match")
	}

	if err := v.verifyPKCE(ctx, req, code); err != nil {
		return err
	}

	if err := v.checkActive(ctx, code.Subject, req.Client); err != nil {
		return err
	}

	resources, err := v.resources.Validate(ctx, req.Client, code.RequestedScopes)
	if err != nil {
		return err
	}

	req.AuthorizationCode = code
	req.AuthorizationCodeHandle = handle
	req.Subject = code.Subject
	req.SessionID = code.SessionID
	req.RequestedScopes = code.RequestedScopes
	req.Resources = resources
	req.FamilyID = code.FamilyID
	return nil
}

func (v *TokenRequestValidator) verifyPKCE(ctx context.Context, req *ValidatedTokenRequest, code *storage.AuthorizationCode) error {
	verifier := req.Raw.Get(protocol.ParamCodeVerifier)
	if code.CodeChallenge == "" {
		if verifier != "" {
			return protocol.ErrInvalidGrant("code_verifier sent without a code challenge")
		}
		if req.Client.RequirePKCE {
			return protocol.ErrInvalidGrant("client requires PKCE")
		}
		return nil
	}
	if err := VerifyCodeVerifier(code.CodeChallenge, code.CodeChallengeMethod, verifier); err != nil {
		v.auditor.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			UserID:   subjectID(code.Subject),
			ClientID: req.Client.ClientID,
			Details:  map[string]any{"method": code.CodeChallengeMethod},
		})
		v.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		return err
	}
	return nil
}

// codeReplay revokes everything issued from a reused code.
func (v *TokenRequestValidator) codeReplay(ctx context.Context, code *storage.AuthorizationCode) error {
	v.auditor.LogReplayDetected(security.EventAuthorizationCodeReuseDetected, subjectID(code.Subject), code.ClientID, code.FamilyID)
	v.metrics.RecordReplayDetected(ctx, string(storage.GrantKindAuthorizationCode))
	if v.refreshTokens != nil {
		if err := v.refreshTokens.RevokeFamily(ctx, code.FamilyID, "authorization code replay"); err != nil {
			v.logger.Error("Failed to revoke token family after authorization code replay",
				"family_id", code.FamilyID, "error", err)
		}
	}
	return protocol.NewReplayError("authorization code was already used")
}

func (v *TokenRequestValidator) validateClientCredentials(ctx context.Context, req *ValidatedTokenRequest) error {
	scopes, err := v.requestedScopes(ctx, req, false)
	if err != nil {
		return err
	}
	resources, err := v.resources.Validate(ctx, req.Client, scopes)
	if err != nil {
		return err
	}
	if len(resources.IdentityResources) > 0 || resources.OfflineAccess {
		return protocol.ErrInvalidScope("identity scopes are not allowed for client_credentials")
	}
	req.RequestedScopes = scopes
	req.Resources = resources
	return nil
}

func (v *TokenRequestValidator) validatePassword(ctx context.Context, req *ValidatedTokenRequest) error {
	username, err := requiredParam(req.Raw, protocol.ParamUsername, MaxUsernameLength)
	if err != nil {
		return err
	}
	password := req.Raw.Get(protocol.ParamPassword)
	if password == "" {
		return protocol.ErrInvalidRequest("password is missing")
	}
	if len(password) > MaxPasswordLength {
		return protocol.ErrInvalidRequest("password too long")
	}

	scopes, err := v.requestedScopes(ctx, req, true)
	if err != nil {
		return err
	}
	resources, err := v.resources.Validate(ctx, req.Client, scopes)
	if err != nil {
		return err
	}

	subject, err := v.passwords.Validate(ctx, username, password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			return protocol.ErrInvalidGrant("invalid username or password")
		}
		if _, ok := protocol.AsError(err); ok {
			return err
		}
		return fmt.Errorf("failed to validate resource owner credentials: %w", err)
	}
	if !subject.IsAuthenticated() {
		return protocol.ErrInvalidGrant("invalid username or password")
	}
	if err := v.checkActive(ctx, subject, req.Client); err != nil {
		return err
	}

	req.Subject = subject
	req.SessionID = subject.SessionID
	req.RequestedScopes = scopes
	req.Resources = resources
	return nil
}

func (v *TokenRequestValidator) validateRefreshToken(ctx context.Context, req *ValidatedTokenRequest) error {
	handle, err := requiredParam(req.Raw, protocol.ParamRefreshToken, MaxHandleLength)
	if err != nil {
		return err
	}

	requested, err := param(req.Raw, protocol.ParamScope, MaxScopeLength)
	if err != nil {
		return err
	}

	redeemed, err := v.refreshTokens.LoadRefreshToken(ctx, handle, req.Client)
	if err != nil {
		return err
	}

	granted := redeemed.Token.Scopes()
	scopes := granted
	if requested != "" {
		scopes = protocol.ParseScopes(requested)
		if !util.ContainsAll(granted, scopes) {
			return protocol.ErrInvalidScope("requested scope exceeds the original grant")
		}
	}
	resources, err := v.resources.Validate(ctx, req.Client, scopes)
	if err != nil {
		return err
	}
	// Claimed last so that a rejected request leaves the handle usable.
	if err := v.refreshTokens.RedeemRefreshToken(ctx, redeemed, req.Client); err != nil {
		return err
	}

	req.RefreshToken = redeemed
	req.Subject = redeemed.Token.Subject
	req.SessionID = redeemed.Token.SessionID
	req.RequestedScopes = scopes
	req.Resources = resources
	req.FamilyID = redeemed.Token.FamilyID
	return nil
}

func (v *TokenRequestValidator) validateDeviceCode(ctx context.Context, req *ValidatedTokenRequest) error {
	deviceCode, err := requiredParam(req.Raw, protocol.ParamDeviceCode, MaxHandleLength)
	if err != nil {
		return err
	}
	dc, err := v.devices.Poll(ctx, req.Client, deviceCode)
	if err != nil {
		return err
	}

	scopes := dc.GrantedScopes
	if len(scopes) == 0 {
		scopes = dc.RequestedScopes
	}
	if err := v.checkActive(ctx, dc.Subject, req.Client); err != nil {
		return err
	}
	resources, err := v.resources.Validate(ctx, req.Client, scopes)
	if err != nil {
		return err
	}

	req.DeviceCode = dc
	req.Subject = dc.Subject
	req.SessionID = dc.SessionID
	req.RequestedScopes = scopes
	req.Resources = resources
	return nil
}

func (v *TokenRequestValidator) validateExtension(ctx context.Context, req *ValidatedTokenRequest, ext ExtensionGrantValidator) error {
	scopes, err := v.requestedScopes(ctx, req, true)
	if err != nil {
		return err
	}
	resources, err := v.resources.Validate(ctx, req.Client, scopes)
	if err != nil {
		return err
	}

	result, err := ext.Validate(ctx, &ExtensionGrantRequest{
		Client:          req.Client,
		Params:          req.Raw,
		RequestedScopes: scopes,
	})
	if err != nil {
		return err
	}
	if result == nil {
		return protocol.ErrInvalidGrant("")
	}
	if result.Subject.IsAuthenticated() {
		if err := v.checkActive(ctx, result.Subject, req.Client); err != nil {
			return err
		}
		req.Subject = result.Subject
		req.SessionID = result.Subject.SessionID
	} else if len(resources.IdentityResources) > 0 || resources.OfflineAccess {
		return protocol.ErrInvalidScope("identity scopes require a subject")
	}

	req.RequestedScopes = scopes
	req.Resources = resources
	req.CustomResponse = result.CustomResponse
	return nil
}

// requestedScopes returns the scope parameter, or the client's allowed
// scopes when it is omitted. withIdentity selects whether identity scopes are
// part of that default.
func (v *TokenRequestValidator) requestedScopes(ctx context.Context, req *ValidatedTokenRequest, withIdentity bool) ([]string, error) {
	scope, err := param(req.Raw, protocol.ParamScope, MaxScopeLength)
	if err != nil {
		return nil, err
	}
	if scope != "" {
		return protocol.ParseScopes(scope), nil
	}

	var scopes []string
	if withIdentity {
		scopes = slices.Clone(req.Client.AllowedScopes)
	} else {
		scopes, err = AllowedAPIScopes(ctx, v.resourceStore, req.Client)
		if err != nil {
			return nil, err
		}
	}
	if req.Client.AllowOfflineAccess && withIdentity && !slices.Contains(scopes, protocol.ScopeOfflineAccess) {
		scopes = append(scopes, protocol.ScopeOfflineAccess)
	}
	if len(scopes) == 0 {
		return nil, protocol.ErrInvalidScope("no scopes allowed for this client")
	}
	return scopes, nil
}

func (v *TokenRequestValidator) checkActive(ctx context.Context, subject *identity.Principal, client *storage.Client) error {
	if !subject.IsAuthenticated() {
		return protocol.ErrInvalidGrant("grant has no subject")
	}
	active, err := v.profile.IsActive(ctx, subject, client.ClientID, identity.CallerTokenRequest)
	if err != nil {
		return fmt.Errorf("failed to check subject: %w", err)
	}
	if !active {
		return protocol.ErrInvalidGrant("subject is not active")
	}
	return nil
}
