package validation

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
)

// fakeTokens resolves tokens from fixed maps.
type fakeTokens struct {
	access   map[string]*tokens.ValidationResult
	identity map[string]*tokens.ValidationResult
	fault    error
}

func (f *fakeTokens) ValidateAccessToken(_ context.Context, token, _ string) (*tokens.ValidationResult, error) {
	if f.fault != nil {
		return nil, f.fault
	}
	if r, ok := f.access[token]; ok {
		return r, nil
	}
	return nil, protocol.NewError(protocol.ErrorInvalidToken, "unknown token")
}

func (f *fakeTokens) ValidateIdentityToken(_ context.Context, token, _ string, _ bool) (*tokens.ValidationResult, error) {
	if r, ok := f.identity[token]; ok {
		return r, nil
	}
	return nil, protocol.NewError(protocol.ErrorInvalidToken, "unknown token")
}

func accessResult(clientID, scope string, aud ...string) *tokens.ValidationResult {
	auds := make([]any, 0, len(aud))
	for _, a := range aud {
		auds = append(auds, a)
	}
	return &tokens.ValidationResult{
		Kind: tokens.KindAccessToken,
		Claims: map[string]any{
			protocol.ClaimClientID: clientID,
			protocol.ClaimSubject:  "alice",
			protocol.ClaimScope:    scope,
			protocol.ClaimAudience: auds,
		},
	}
}

type introspectionFixture struct {
	*fixture
	tokens    *fakeTokens
	refresh   *tokens.RefreshTokenService
	validator *IntrospectionRequestValidator
	web       *storage.Client
}

func newIntrospectionFixture(t *testing.T) *introspectionFixture {
	t.Helper()
	f := newFixture(t)
	fake := &fakeTokens{access: map[string]*tokens.ValidationResult{
		"at-web":  accessResult("web", "api1.read api2.read", "api1", "api2"),
		"at-api2": accessResult("other", "api2.read", "api2"),
	}}
	refresh := tokens.NewRefreshTokenService(tokens.RefreshTokenServiceConfig{Grants: f.store, Clock: f.clock})
	web := f.addClient(t, &storage.Client{ClientID: "web", AllowedScopes: []string{"openid", "api1.read"}, AllowOfflineAccess: true})
	return &introspectionFixture{
		fixture: f,
		tokens:  fake,
		refresh: refresh,
		validator: NewIntrospectionRequestValidator(IntrospectionRequestValidatorConfig{
			Tokens:        fake,
			RefreshTokens: refresh,
		}),
		web: web,
	}
}

func (f *introspectionFixture) api(name string) IntrospectionCaller {
	apis, _ := f.store.FindAPIResourcesByName(context.Background(), []string{name})
	return IntrospectionCaller{APIResource: &apis[0]}
}

func TestIntrospectionRequestValidator_APIResourceCaller(t *testing.T) {
	f := newIntrospectionFixture(t)
	ctx := context.Background()

	req, err := f.validator.Validate(ctx, url.Values{"token": {"at-web"}}, f.api("api1"))
	require.NoError(t, err)
	require.True(t, req.IsActive)
	assert.Equal(t, protocol.TokenTypeHintAccessToken, req.TokenType)
	assert.Equal(t, "api1.read", req.Claims[protocol.ClaimScope], "scope is narrowed to the caller's scopes")
	assert.Equal(t, "api1.read api2.read", f.tokens.access["at-web"].Claims[protocol.ClaimScope], "shared claims are not mutated")

	req, err = f.validator.Validate(ctx, url.Values{"token": {"at-api2"}}, f.api("api1"))
	require.NoError(t, err)
	assert.False(t, req.IsActive, "tokens for other audiences are inactive")
	assert.Nil(t, req.Claims)

	req, err = f.validator.Validate(ctx, url.Values{"token": {"unknown"}}, f.api("api1"))
	require.NoError(t, err)
	assert.False(t, req.IsActive)
}

func TestIntrospectionRequestValidator_UnrestrictedCaller(t *testing.T) {
	f := newIntrospectionFixture(t)
	caller := f.api("api1")
	caller.APIResource.AllowUnrestrictedIntrospection = true

	req, err := f.validator.Validate(context.Background(), url.Values{"token": {"at-api2"}}, caller)
	require.NoError(t, err)
	assert.True(t, req.IsActive)
	assert.Equal(t, "api2.read", req.Claims[protocol.ClaimScope])
}

func TestIntrospectionRequestValidator_ClientCaller(t *testing.T) {
	f := newIntrospectionFixture(t)
	ctx := context.Background()

	req, err := f.validator.Validate(ctx, url.Values{"token": {"at-web"}}, IntrospectionCaller{Client: f.web})
	require.NoError(t, err)
	assert.True(t, req.IsActive)
	assert.Equal(t, "api1.read api2.read", req.Claims[protocol.ClaimScope])

	req, err = f.validator.Validate(ctx, url.Values{"token": {"at-api2"}}, IntrospectionCaller{Client: f.web})
	require.NoError(t, err)
	assert.False(t, req.IsActive, "clients only see their own tokens")
}

func TestIntrospectionRequestValidator_RefreshToken(t *testing.T) {
	f := newIntrospectionFixture(t)
	ctx := context.Background()

	snapshot := &tokens.Token{
		Kind:      tokens.KindAccessToken,
		Issuer:    testIssuer,
		Audiences: []string{"api1"},
		ClientID:  "web",
		SubjectID: "alice",
		Scopes:    []string{"openid", "api1.read", "offline_access"},
	}
	handle, err := f.refresh.CreateRefreshToken(ctx, alice(), snapshot, f.web, "")
	require.NoError(t, err)

	for _, hint := range []string{"", protocol.TokenTypeHintRefreshToken, "bogus"} {
		req, err := f.validator.Validate(ctx, url.Values{"token": {handle}, "token_type_hint": {hint}}, IntrospectionCaller{Client: f.web})
		require.NoError(t, err)
		require.True(t, req.IsActive, "hint %q", hint)
		assert.Equal(t, protocol.TokenTypeHintRefreshToken, req.TokenType)
		assert.Equal(t, "alice", req.Claims[protocol.ClaimSubject])
		assert.Equal(t, "openid api1.read offline_access", req.Claims[protocol.ClaimScope])
		assert.Equal(t, "sid-1", req.Claims[protocol.ClaimSessionID])
		assert.Equal(t, testIssuer, req.Claims[protocol.ClaimIssuer])
	}

	req, err := f.validator.Validate(ctx, url.Values{"token": {handle}}, f.api("api1"))
	require.NoError(t, err)
	assert.False(t, req.IsActive, "API resources cannot introspect refresh tokens")

	// Introspection does not redeem the handle.
	_, err = f.refresh.ValidateRefreshToken(ctx, handle, f.web)
	assert.NoError(t, err)
}

func TestIntrospectionRequestValidator_Errors(t *testing.T) {
	f := newIntrospectionFixture(t)
	ctx := context.Background()

	_, err := f.validator.Validate(ctx, url.Values{}, IntrospectionCaller{Client: f.web})
	assert.True(t, protocol.IsCode(err, protocol.ErrorInvalidRequest))

	_, err = f.validator.Validate(ctx, url.Values{"token": {"at-web"}}, IntrospectionCaller{})
	assert.True(t, protocol.IsCode(err, protocol.ErrorInvalidClient))

	fault := errors.New("store down")
	f.tokens.fault = fault
	_, err = f.validator.Validate(ctx, url.Values{"token": {"at-web"}}, IntrospectionCaller{Client: f.web})
	assert.ErrorIs(t, err, fault)
}

func TestAPIResourceAuthenticator(t *testing.T) {
	f := newFixture(t)
	auth := NewAPIResourceAuthenticator(f.store, f.clock, nil, nil, nil)
	ctx := context.Background()

	api, err := auth.Authenticate(ctx, basic("api1", testAPISecret))
	require.NoError(t, err)
	assert.Equal(t, "api1", api.Name)

	for name, header := range map[string]string{
		"wrong secret": basic("api1", "nope"),
		"no secrets":   basic("api2", testAPISecret),
		"unknown":      basic("api9", testAPISecret),
		"not basic":    "Bearer x",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Authenticate(ctx, header)
			assert.True(t, protocol.IsCode(err, protocol.ErrorInvalidClient), "got %v", err)
		})
	}
}
