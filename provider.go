package oauth

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oauth-provider/cors"
	"github.com/giantswarm/oauth-provider/device"
	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/keys"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/response"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/memory"
	"github.com/giantswarm/oauth-provider/storage/redis"
	"github.com/giantswarm/oauth-provider/tokens"
	"github.com/giantswarm/oauth-provider/validation"
)

// ClientRequest carries the parts of an HTTP request a back-channel endpoint
// needs: the form body and the client credentials.
type ClientRequest struct {
	Form          url.Values
	Authorization string

	// Certificate is the verified client certificate of an mTLS connection.
	Certificate *x509.Certificate
}

// AuthorizeResult is the outcome of an authorize request. Either Interaction
// asks the host to show a page and call Authorize again, or Response is
// ready to be delivered to the client.
type AuthorizeResult struct {
	Request     *validation.ValidatedAuthorizeRequest
	Interaction *response.Interaction
	Response    *response.AuthorizeResponse
}

// Provider is an OAuth 2.0 / OpenID Connect provider with one method per
// protocol endpoint. It does no HTTP routing.
type Provider struct {
	config          Config
	logger          *slog.Logger
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation

	store   *memory.Store
	redis   *redis.Store
	keys    *keys.Service
	tokens  *tokens.Service
	tokenV  tokens.TokenValidator
	cors    cors.Policy
	flow    *device.Flow
	auth    *validation.ClientAuthenticator
	apiAuth *validation.APIResourceAuthenticator

	authorizeRequests     *validation.AuthorizeRequestValidator
	tokenRequests         *validation.TokenRequestValidator
	introspectionRequests *validation.IntrospectionRequestValidator
	revocationRequests    *validation.RevocationRequestValidator
	endSessionRequests    *validation.EndSessionRequestValidator
	deviceRequests        *validation.DeviceAuthorizationRequestValidator

	interaction   *response.InteractionResponseGenerator
	authorize     *response.AuthorizeResponseGenerator
	token         *response.TokenResponseGenerator
	introspection *response.IntrospectionResponseGenerator
	revocation    *response.RevocationResponseGenerator
	deviceAuth    *response.DeviceAuthorizationResponseGenerator
	discovery     *response.DiscoveryResponseGenerator
	endSession    *response.EndSessionResponseGenerator
	backChannel   *response.BackChannelLogoutService
}

// New validates cfg and composes the provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := cfg.Logger

	inst, err := instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	metrics := inst.Metrics()

	limiter := security.NewRateLimiter(security.RateLimiterConfig{
		PerSecond: cfg.Security.AuditEventRate,
		Burst:     cfg.Security.AuditEventBurst,
		Clock:     cfg.Clock,
		Logger:    logger,
	})
	auditor := security.NewAuditor(logger, cfg.Security.EnableAuditLogging).
		WithThrottle(limiter).
		WithClock(cfg.Clock)

	var enc *security.Encryptor
	if cfg.Security.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		if enc, err = security.NewEncryptor(key); err != nil {
			return nil, err
		}
	}

	static, err := loadStatic(cfg)
	if err != nil {
		return nil, err
	}
	logSecurityWarnings(cfg, static)

	store := memory.NewWithInterval(cfg.Storage.CleanupInterval)
	store.SetLogger(logger)
	store.SetClock(cfg.Clock)
	store.SetInstrumentation(inst)
	if err := store.LoadStatic(ctx, static); err != nil {
		store.Stop()
		return nil, fmt.Errorf("failed to load clients and resources: %w", err)
	}

	p := &Provider{
		config:          cfg,
		logger:          logger,
		auditor:         auditor,
		instrumentation: inst,
		store:           store,
	}

	var (
		grants  storage.PersistedGrantStore = store
		devices storage.DeviceFlowStore     = store
		replay  storage.ReplayCache         = store
	)
	if cfg.Storage.Type == StorageRedis {
		rs, err := redis.New(ctx, cfg.Storage.Redis)
		if err != nil {
			store.Stop()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rs.SetClock(cfg.Clock)
		rs.SetInstrumentation(inst)
		p.redis = rs
		grants, devices, replay = rs, rs, rs
	}

	keyStore, err := keys.NewStoreFromConfig(cfg.Keys, logger)
	if err != nil {
		p.closeStores()
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	p.keys = keys.NewServiceFromStores(logger, keyStore)

	references := tokens.NewReferenceTokenStore(grants, enc)
	p.tokens = tokens.NewService(tokens.ServiceConfig{
		Issuer:             cfg.Issuer,
		EmitStaticAudience: cfg.Tokens.EmitStaticAudience,
		Profile:            cfg.Profile,
		Clock:              cfg.Clock,
		Logger:             logger,
	}, tokens.NewCreationService(p.keys, references, nil, logger))
	issuer := p.tokens.Issuer()

	refresh := tokens.NewRefreshTokenService(tokens.RefreshTokenServiceConfig{
		Grants:    grants,
		Encryptor: enc,
		Profile:   cfg.Profile,
		Auditor:   auditor,
		Clock:     cfg.Clock,
		Logger:    logger,
		Metrics:   metrics,
	})

	p.tokenV = tokens.NewValidator(tokens.ValidatorConfig{
		Issuer:     issuer,
		Keys:       p.keys,
		References: references,
		Clients:    store,
		Profile:    cfg.Profile,
		Clock:      cfg.Clock,
		Logger:     logger,
	})
	var validationCache *tokens.CachingValidator
	if cfg.Caching.Enabled {
		validationCache = tokens.NewCachingValidator(p.tokenV, cfg.Caching.TokenValidationExpiration, cfg.Caching.MaxEntries, cfg.Clock)
		validationCache.SetMetrics(metrics)
		p.tokenV = validationCache
	}

	p.cors = cors.NewDefaultPolicy(store, cfg.CORS.AllowedPaths, auditor, logger)
	if cfg.Caching.Enabled {
		cached := cors.NewCachingPolicyWithClock(p.cors, cfg.Caching.CORSExpiration, cfg.Caching.MaxEntries, cfg.Clock)
		cached.SetMetrics(metrics)
		p.cors = cached
	}

	p.auth = validation.NewClientAuthenticator(validation.ClientAuthenticatorConfig{
		Clients:   store,
		Replay:    replay,
		Audiences: append([]string{issuer, issuer + protocol.PathToken}, cfg.Security.AssertionAudiences...),
		Clock:     cfg.Clock,
		Logger:    logger,
		Auditor:   auditor,
		Metrics:   metrics,
	})
	p.apiAuth = validation.NewAPIResourceAuthenticator(store, cfg.Clock, logger, auditor, metrics)
	resources := validation.NewResourceValidator(store)

	var requestObjects *validation.RequestObjectLoader
	if cfg.Endpoints.EnableRequestObjects {
		requestObjects = validation.NewRequestObjectLoader(validation.RequestObjectLoaderConfig{
			Issuer: issuer,
			Clock:  cfg.Clock,
			Logger: logger,
		})
	}

	var redeemer validation.DeviceCodeRedeemer
	if cfg.Endpoints.EnableDeviceAuthorization {
		p.flow, err = device.NewFlow(device.Config{
			Store:           devices,
			VerificationURI: cfg.DeviceFlow.VerificationURI,
			Interval:        cfg.DeviceFlow.Interval,
			Auditor:         auditor,
			Clock:           cfg.Clock,
			Logger:          logger,
			Instrumentation: inst,
		})
		if err != nil {
			p.closeStores()
			return nil, fmt.Errorf("failed to create device flow: %w", err)
		}
		redeemer = p.flow
		p.deviceRequests = validation.NewDeviceAuthorizationRequestValidator(resources, inst)
		p.deviceAuth = response.NewDeviceAuthorizationResponseGenerator(p.flow)
	}

	var extensions *validation.ExtensionGrants
	if len(cfg.ExtensionGrants) > 0 {
		if extensions, err = validation.NewExtensionGrants(cfg.ExtensionGrants...); err != nil {
			p.closeStores()
			return nil, err
		}
	}

	p.authorizeRequests = validation.NewAuthorizeRequestValidator(validation.AuthorizeRequestValidatorConfig{
		Clients:         store,
		Resources:       resources,
		RequestObjects:  requestObjects,
		Logger:          logger,
		Auditor:         auditor,
		Instrumentation: inst,
	})
	p.tokenRequests = validation.NewTokenRequestValidator(validation.TokenRequestValidatorConfig{
		Grants:          grants,
		Encryptor:       enc,
		ResourceStore:   store,
		Resources:       resources,
		RefreshTokens:   refresh,
		Profile:         cfg.Profile,
		Passwords:       cfg.Passwords,
		Devices:         redeemer,
		Extensions:      extensions,
		Clock:           cfg.Clock,
		Logger:          logger,
		Auditor:         auditor,
		Instrumentation: inst,
	})
	p.introspectionRequests = validation.NewIntrospectionRequestValidator(validation.IntrospectionRequestValidatorConfig{
		Tokens:          p.tokenV,
		RefreshTokens:   refresh,
		Logger:          logger,
		Instrumentation: inst,
	})
	p.revocationRequests = validation.NewRevocationRequestValidator(inst)
	p.endSessionRequests = validation.NewEndSessionRequestValidator(p.tokenV, logger)

	consent := response.NewConsentService(grants, enc, auditor, cfg.Clock, logger)
	p.interaction = response.NewInteractionResponseGenerator(response.InteractionConfig{
		Consent:   consent,
		Resources: resources,
		Profile:   cfg.Profile,
		Clock:     cfg.Clock,
		Logger:    logger,
	})
	p.authorize = response.NewAuthorizeResponseGenerator(response.AuthorizeConfig{
		Tokens:           p.tokens,
		Grants:           grants,
		Encryptor:        enc,
		EmitSessionState: cfg.Tokens.EmitSessionState,
		Auditor:          auditor,
		Clock:            cfg.Clock,
		Logger:           logger,
		Instrumentation:  inst,
	})
	p.token = response.NewTokenResponseGenerator(response.TokenConfig{
		Tokens:          p.tokens,
		RefreshTokens:   refresh,
		Auditor:         auditor,
		Logger:          logger,
		Instrumentation: inst,
	})
	p.introspection = response.NewIntrospectionResponseGenerator()
	p.revocation = response.NewRevocationResponseGenerator(response.RevocationConfig{
		Grants:          grants,
		Encryptor:       enc,
		RefreshTokens:   refresh,
		Cache:           validationCache,
		Auditor:         auditor,
		Logger:          logger,
		Instrumentation: inst,
	})
	p.discovery = response.NewDiscoveryResponseGenerator(response.DiscoveryConfig{
		Tokens:                p.tokens,
		Keys:                  p.keys,
		Resources:             store,
		DeviceFlowEnabled:     p.flow != nil,
		PasswordGrantEnabled:  cfg.Passwords != nil,
		RequestObjectsEnabled: requestObjects != nil,
		ExtensionGrantTypes:   extensions.GrantTypes(),
	})

	if cfg.Endpoints.EnableBackChannelLogout {
		p.backChannel = response.NewBackChannelLogoutService(response.BackChannelLogoutConfig{
			Grants:          grants,
			Clients:         store,
			Tokens:          p.tokens,
			HTTPClient:      cfg.HTTPClient,
			Timeout:         cfg.BackChannel.Timeout,
			MaxTries:        cfg.BackChannel.MaxTries,
			Auditor:         auditor,
			Clock:           cfg.Clock,
			Logger:          logger,
			Instrumentation: inst,
		})
	}
	p.endSession = response.NewEndSessionResponseGenerator(p.backChannel, auditor, logger, inst)

	logger.Info("OAuth provider initialized",
		"issuer", issuer,
		"storage", cfg.Storage.Type,
		"device_flow", p.flow != nil,
		"request_objects", requestObjects != nil,
		"back_channel_logout", p.backChannel != nil,
		"caching", cfg.Caching.Enabled)
	return p, nil
}

func loadStatic(cfg Config) (*memory.StaticConfig, error) {
	static := cfg.Static
	if cfg.StaticFile == "" {
		return &static, nil
	}
	extra, err := memory.LoadStaticConfigFile(cfg.StaticFile)
	if err != nil {
		return nil, err
	}
	static.IncludeStandardIdentityResources = static.IncludeStandardIdentityResources || extra.IncludeStandardIdentityResources
	static.Clients = append(static.Clients, extra.Clients...)
	static.IdentityResources = append(static.IdentityResources, extra.IdentityResources...)
	static.APIScopes = append(static.APIScopes, extra.APIScopes...)
	static.APIResources = append(static.APIResources, extra.APIResources...)
	return &static, nil
}

// Issuer returns the normalized issuer identifier.
func (p *Provider) Issuer() string {
	return p.tokens.Issuer()
}

// Store returns the in-memory client and resource store, for example to
// register clients at runtime.
func (p *Provider) Store() *memory.Store {
	return p.store
}

// Authorize handles an authorize request for the signed-in subject (nil when
// nobody is signed in). consent is the user's answer when the request comes
// back from the consent page.
//
// Errors that may be sent to the client's redirect URI are returned as a
// Response; the returned error is reserved for failures the host must render
// itself.
func (p *Provider) Authorize(ctx context.Context, params url.Values, subject *identity.Principal, consent *response.ConsentResponse) (*AuthorizeResult, error) {
	req, err := p.authorizeRequests.Validate(ctx, params, subject)
	if err != nil {
		return p.authorizeError(err)
	}

	interaction, err := p.interaction.ProcessInteraction(ctx, req, consent)
	if err != nil {
		return nil, err
	}
	if interaction.Error != nil {
		return p.authorizeError(interaction.Error)
	}
	if !interaction.Proceed() {
		return &AuthorizeResult{Request: req, Interaction: interaction}, nil
	}

	resp, err := p.authorize.CreateResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	return &AuthorizeResult{Request: req, Response: resp}, nil
}

func (p *Provider) authorizeError(err error) (*AuthorizeResult, error) {
	var ae *validation.AuthorizeError
	if !errors.As(err, &ae) || !ae.CanRedirect() {
		return nil, err
	}
	resp, rerr := response.NewAuthorizeErrorResponse(ae, p.tokens.Issuer())
	if rerr != nil {
		return nil, rerr
	}
	return &AuthorizeResult{Request: ae.Request, Response: resp}, nil
}

// Token handles a token endpoint request.
func (p *Provider) Token(ctx context.Context, r ClientRequest) (*response.TokenResponse, error) {
	auth, err := p.authenticate(ctx, r)
	if err != nil {
		return nil, err
	}
	req, err := p.tokenRequests.Validate(ctx, r.Form, auth)
	if err != nil {
		return nil, err
	}
	return p.token.Process(ctx, req)
}

// Introspect handles an RFC 7662 introspection request from an API resource
// or a client. Unknown and invalid tokens yield {"active": false}.
func (p *Provider) Introspect(ctx context.Context, r ClientRequest) (map[string]any, error) {
	caller, err := p.introspectionCaller(ctx, r)
	if err != nil {
		return nil, err
	}
	req, err := p.introspectionRequests.Validate(ctx, r.Form, caller)
	if err != nil {
		return nil, err
	}
	return p.introspection.Process(req), nil
}

// introspectionCaller authenticates Basic credentials naming an API resource
// as that resource and everything else as a client.
func (p *Provider) introspectionCaller(ctx context.Context, r ClientRequest) (validation.IntrospectionCaller, error) {
	if name, _, ok := validation.ParseBasicAuth(r.Authorization); ok {
		apis, err := p.store.FindAPIResourcesByName(ctx, []string{name})
		if err != nil {
			return validation.IntrospectionCaller{}, err
		}
		if len(apis) > 0 {
			api, err := p.apiAuth.Authenticate(ctx, r.Authorization)
			if err != nil {
				return validation.IntrospectionCaller{}, err
			}
			return validation.IntrospectionCaller{APIResource: api}, nil
		}
	}
	auth, err := p.authenticate(ctx, r)
	if err != nil {
		return validation.IntrospectionCaller{}, err
	}
	return validation.IntrospectionCaller{Client: auth.Client}, nil
}

// Revoke handles an RFC 7009 revocation request. Unknown tokens succeed.
func (p *Provider) Revoke(ctx context.Context, r ClientRequest) (*response.RevocationResult, error) {
	auth, err := p.authenticate(ctx, r)
	if err != nil {
		return nil, err
	}
	req, err := p.revocationRequests.Validate(ctx, r.Form, auth)
	if err != nil {
		return nil, err
	}
	return p.revocation.Process(ctx, req)
}

// DeviceAuthorize starts an RFC 8628 device authorization.
func (p *Provider) DeviceAuthorize(ctx context.Context, r ClientRequest) (*response.DeviceAuthorizationResponse, error) {
	if p.flow == nil {
		return nil, protocol.ErrUnauthorized("device authorization is not enabled")
	}
	auth, err := p.authenticate(ctx, r)
	if err != nil {
		return nil, err
	}
	req, err := p.deviceRequests.Validate(ctx, r.Form, auth)
	if err != nil {
		return nil, err
	}
	return p.deviceAuth.Process(ctx, req)
}

// LookupDevice resolves a user code for the verification page.
func (p *Provider) LookupDevice(ctx context.Context, subject *identity.Principal, userCode string) (*storage.DeviceCode, error) {
	if p.flow == nil {
		return nil, protocol.ErrUnauthorized("device authorization is not enabled")
	}
	return p.flow.Lookup(ctx, subject, userCode)
}

// ApproveDevice records the signed-in user's decision for a user code. An
// empty scopes list grants every requested scope.
func (p *Provider) ApproveDevice(ctx context.Context, subject *identity.Principal, userCode string, granted bool, scopes []string) error {
	if p.flow == nil {
		return protocol.ErrUnauthorized("device authorization is not enabled")
	}
	return p.flow.HandleRequest(ctx, userCode, device.ConsentResult{
		Subject:         subject,
		Granted:         granted,
		ScopesConsented: scopes,
	})
}

// EndSession handles RP-initiated logout for the signed-in subject. The host
// clears its own session cookie.
func (p *Provider) EndSession(ctx context.Context, params url.Values, subject *identity.Principal) (*response.EndSessionResult, error) {
	req, err := p.endSessionRequests.Validate(ctx, params, subject)
	if err != nil {
		return nil, err
	}
	return p.endSession.Process(ctx, req)
}

// Discovery returns the OpenID Provider metadata document.
func (p *Provider) Discovery(ctx context.Context) (*response.DiscoveryDocument, error) {
	return p.discovery.CreateDiscoveryDocument(ctx)
}

// JWKS returns the public signing keys.
func (p *Provider) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	return p.discovery.JWKS(ctx)
}

// IsCORSAllowed reports whether a cross-origin request from origin to path
// is allowed.
func (p *Provider) IsCORSAllowed(ctx context.Context, origin, path string) (bool, error) {
	return p.cors.IsOriginAllowed(ctx, origin, path)
}

// ValidateAccessToken validates an access token for a resource server. A
// non-empty scope must have been granted.
func (p *Provider) ValidateAccessToken(ctx context.Context, token, scope string) (*tokens.ValidationResult, error) {
	return p.tokenV.ValidateAccessToken(ctx, token, scope)
}

// MetricsHandler serves Prometheus metrics, or nil when the Prometheus
// exporter is not configured.
func (p *Provider) MetricsHandler() http.Handler {
	return p.instrumentation.MetricsHandler()
}

// Shutdown waits for pending back-channel logouts and releases stores and
// telemetry.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.backChannel != nil {
		done := make(chan struct{})
		go func() {
			p.backChannel.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			p.logger.Warn("Shutdown before back-channel logouts finished")
		}
	}
	var errs []error
	if err := p.closeStores(); err != nil {
		errs = append(errs, err)
	}
	if err := p.instrumentation.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Provider) closeStores() error {
	p.store.Stop()
	if p.redis != nil {
		return p.redis.Close()
	}
	return nil
}

func (p *Provider) authenticate(ctx context.Context, r ClientRequest) (*validation.ClientAuthResult, error) {
	creds, err := validation.CredentialsFromRequest(r.Form, r.Authorization, r.Certificate)
	if err != nil {
		return nil, err
	}
	return p.auth.Authenticate(ctx, creds)
}
