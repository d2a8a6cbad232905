package response

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/validation"
)

type tokenFixture struct {
	*fixture
	authorize *AuthorizeResponseGenerator
	requests  *validation.TokenRequestValidator
	generator *TokenResponseGenerator
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	f := newFixture(t)
	return &tokenFixture{
		fixture:   f,
		authorize: newAuthorizeGenerator(f, false),
		requests: validation.NewTokenRequestValidator(validation.TokenRequestValidatorConfig{
			Grants:        f.store,
			ResourceStore: f.store,
			Resources:     f.resources,
			RefreshTokens: f.refresh,
			Clock:         f.clock,
		}),
		generator: NewTokenResponseGenerator(TokenConfig{Tokens: f.tokens, RefreshTokens: f.refresh}),
	}
}

func (tf *tokenFixture) exchange(t *testing.T, client *storage.Client, params url.Values) (*TokenResponse, error) {
	t.Helper()
	req, err := tf.requests.Validate(context.Background(), params, &validation.ClientAuthResult{Client: client, Method: protocol.AuthMethodClientSecretPost})
	if err != nil {
		return nil, err
	}
	return tf.generator.Process(context.Background(), req)
}

func (tf *tokenFixture) issueCode(t *testing.T, scopes ...string) string {
	t.Helper()
	resp, err := tf.authorize.CreateResponse(context.Background(), tf.authorizeRequest(t, "code", scopes...))
	require.NoError(t, err)
	return resp.Code
}

func TestTokenResponseGenerator_AuthorizationCode(t *testing.T) {
	tf := newTokenFixture(t)
	code := tf.issueCode(t, "openid", "api1.read", "offline_access")

	resp, err := tf.exchange(t, tf.web, url.Values{
		"grant_type":   {protocol.GrantTypeAuthorizationCode},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.TokenTypeBearer, resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "openid api1.read offline_access", resp.Scope)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.NotEmpty(t, resp.IdentityToken)

	id, err := tf.validator.ValidateIdentityToken(context.Background(), resp.IdentityToken, "web", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject())
	assert.Equal(t, "sid-1", id.SessionID())
	assert.Equal(t, "nonce-1", id.Claims[protocol.ClaimNonce])
	assert.Equal(t, security.LeftHalfHash("ES256", resp.AccessToken), id.Claims[protocol.ClaimAccessTokenHash])
	assert.Equal(t, security.LeftHalfHash("ES256", "state-1"), id.Claims[protocol.ClaimStateHash])

	at, err := tf.validator.ValidateAccessToken(context.Background(), resp.AccessToken, "")
	require.NoError(t, err)
	assert.Equal(t, "alice", at.Subject())
	assert.Contains(t, at.Audiences(), "api1")

	rt, err := tf.refresh.FindRefreshToken(context.Background(), resp.RefreshToken)
	require.NoError(t, err)
	stored, _, err := storage.NewAuthorizationCodeStore(tf.store, nil).Get(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, stored.FamilyID, rt.FamilyID, "refresh token joins the code's family")
}

func TestTokenResponseGenerator_NoOfflineAccess(t *testing.T) {
	tf := newTokenFixture(t)
	code := tf.issueCode(t, "api1.read")

	resp, err := tf.exchange(t, tf.web, url.Values{
		"grant_type":   {protocol.GrantTypeAuthorizationCode},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.RefreshToken)
	assert.Empty(t, resp.IdentityToken, "no identity token without openid")
}

func TestTokenResponseGenerator_RefreshRotation(t *testing.T) {
	tf := newTokenFixture(t)
	code := tf.issueCode(t, "openid", "api1.read", "offline_access")
	first, err := tf.exchange(t, tf.web, url.Values{
		"grant_type":   {protocol.GrantTypeAuthorizationCode},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	})
	require.NoError(t, err)

	refresh := func(handle string, scope string) (*TokenResponse, error) {
		params := url.Values{"grant_type": {protocol.GrantTypeRefreshToken}, "refresh_token": {handle}}
		if scope != "" {
			params.Set("scope", scope)
		}
		return tf.exchange(t, tf.web, params)
	}

	second, err := refresh(first.RefreshToken, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken, "one-time refresh tokens rotate")
	assert.NotEmpty(t, second.IdentityToken)
	assert.Equal(t, "openid api1.read offline_access", second.Scope)

	narrowed, err := refresh(second.RefreshToken, "api1.read offline_access")
	require.NoError(t, err)
	assert.Equal(t, "api1.read offline_access", narrowed.Scope)
	assert.Empty(t, narrowed.IdentityToken)

	// Replaying a rotated handle revokes the whole family.
	_, err = refresh(first.RefreshToken, "")
	assert.True(t, protocol.IsCode(err, protocol.ErrorInvalidGrant), "got %v", err)
	_, err = refresh(narrowed.RefreshToken, "")
	assert.True(t, protocol.IsCode(err, protocol.ErrorInvalidGrant), "got %v", err)
}

func TestTokenResponseGenerator_NarrowedRefreshKeepsHandle(t *testing.T) {
	tests := []struct {
		name  string
		usage storage.RefreshTokenUsage
		scope string
	}{
		{name: "rotating without offline_access", usage: storage.RefreshTokenOneTimeOnly, scope: "api1.read"},
		{name: "rotating without openid", usage: storage.RefreshTokenOneTimeOnly, scope: "api1.read offline_access"},
		{name: "reusable without offline_access", usage: storage.RefreshTokenReUse, scope: "api1.read"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf := newTokenFixture(t)
			tf.web.RefreshTokenUsage = tt.usage
			require.NoError(t, tf.store.SaveClient(context.Background(), tf.web))

			code := tf.issueCode(t, "openid", "api1.read", "offline_access")
			first, err := tf.exchange(t, tf.web, url.Values{
				"grant_type":   {protocol.GrantTypeAuthorizationCode},
				"code":         {code},
				"redirect_uri": {testRedirectURI},
			})
			require.NoError(t, err)

			narrowed, err := tf.exchange(t, tf.web, url.Values{
				"grant_type":    {protocol.GrantTypeRefreshToken},
				"refresh_token": {first.RefreshToken},
				"scope":         {tt.scope},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.scope, narrowed.Scope)
			require.NotEmpty(t, narrowed.RefreshToken, "the redeemed handle is always replaced")

			again, err := tf.exchange(t, tf.web, url.Values{
				"grant_type":    {protocol.GrantTypeRefreshToken},
				"refresh_token": {narrowed.RefreshToken},
			})
			require.NoError(t, err)
			assert.Equal(t, "openid api1.read offline_access", again.Scope, "the original grant is kept")
			assert.NotEmpty(t, again.IdentityToken)
		})
	}
}

func TestTokenResponseGenerator_IdentityTokenNeedsOpenIDScope(t *testing.T) {
	tf := newTokenFixture(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		grantType string
		isOpenID  bool
		scopes    []string
		want      bool
	}{
		{name: "code with openid", grantType: protocol.GrantTypeAuthorizationCode, isOpenID: true, scopes: []string{"openid", "api1.read"}, want: true},
		{name: "code flagged without openid scope", grantType: protocol.GrantTypeAuthorizationCode, isOpenID: true, scopes: []string{"api1.read"}},
		{name: "code scope without flag", grantType: protocol.GrantTypeAuthorizationCode, scopes: []string{"openid", "api1.read"}},
		{name: "refresh with openid", grantType: protocol.GrantTypeRefreshToken, scopes: []string{"openid", "api1.read"}, want: true},
		{name: "refresh without openid", grantType: protocol.GrantTypeRefreshToken, scopes: []string{"api1.read"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &validation.ValidatedTokenRequest{
				Client:          tf.web,
				GrantType:       tt.grantType,
				Subject:         alice(),
				SessionID:       "sid-1",
				RequestedScopes: tt.scopes,
				Resources:       tf.resolve(t, tf.web, tt.scopes...),
			}
			if tt.grantType == protocol.GrantTypeAuthorizationCode {
				req.AuthorizationCode = &storage.AuthorizationCode{
					ClientID:        "web",
					Subject:         alice(),
					RequestedScopes: tt.scopes,
					IsOpenID:        tt.isOpenID,
				}
			}
			resp, err := tf.generator.Process(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.IdentityToken != "")
		})
	}
}

func TestTokenResponseGenerator_ReusableRefreshToken(t *testing.T) {
	tf := newTokenFixture(t)
	tf.web.RefreshTokenUsage = storage.RefreshTokenReUse
	require.NoError(t, tf.store.SaveClient(context.Background(), tf.web))

	code := tf.issueCode(t, "api1.read", "offline_access")
	first, err := tf.exchange(t, tf.web, url.Values{
		"grant_type":   {protocol.GrantTypeAuthorizationCode},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	})
	require.NoError(t, err)

	for range 3 {
		resp, err := tf.exchange(t, tf.web, url.Values{
			"grant_type":    {protocol.GrantTypeRefreshToken},
			"refresh_token": {first.RefreshToken},
		})
		require.NoError(t, err)
		assert.Equal(t, first.RefreshToken, resp.RefreshToken)
	}
}

func TestTokenResponseGenerator_ClientCredentialsReference(t *testing.T) {
	tf := newTokenFixture(t)

	resp, err := tf.exchange(t, tf.svc, url.Values{"grant_type": {protocol.GrantTypeClientCredentials}})
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken)
	assert.Empty(t, resp.IdentityToken)
	assert.Equal(t, "api1.read", resp.Scope)

	at, err := tf.validator.ValidateAccessToken(context.Background(), resp.AccessToken, "api1.read")
	require.NoError(t, err)
	assert.True(t, at.Reference)
	assert.Equal(t, "svc", at.ClientID())
	assert.Empty(t, at.Subject())
}

func TestTokenResponse_MarshalJSON(t *testing.T) {
	resp := TokenResponse{
		AccessToken: "at",
		TokenType:   protocol.TokenTypeBearer,
		ExpiresIn:   60,
		Custom:      map[string]any{"issued_token_type": "urn:x", "access_token": "override"},
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "at", got["access_token"], "custom fields never override standard ones")
	assert.Equal(t, "urn:x", got["issued_token_type"])
	assert.NotContains(t, got, "refresh_token")

	resp.Custom = nil
	data, err = json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"at","token_type":"Bearer","expires_in":60}`, string(data))
}
