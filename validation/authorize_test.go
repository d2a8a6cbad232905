package validation

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
)

func newAuthorizeValidator(t *testing.T) (*AuthorizeRequestValidator, *fixture) {
	t.Helper()
	f := newFixture(t)
	f.addClient(t, &storage.Client{
		ClientID:           "web",
		AllowedGrantTypes:  []string{protocol.GrantTypeAuthorizationCode},
		RedirectURIs:       []string{testRedirectURI},
		AllowedScopes:      []string{"openid", "profile", "api1.read"},
		AllowOfflineAccess: true,
		RequirePKCE:        true,
	})
	f.addClient(t, &storage.Client{
		ClientID:                    "spa",
		AllowedGrantTypes:           []string{protocol.GrantTypeImplicit},
		RedirectURIs:                []string{testRedirectURI},
		AllowedScopes:               []string{"openid", "api1.read"},
		AllowAccessTokensViaBrowser: true,
		AllowOfflineAccess:          true,
	})
	f.addClient(t, &storage.Client{
		ClientID:             "strict",
		AllowedGrantTypes:    []string{protocol.GrantTypeAuthorizationCode},
		RedirectURIs:         []string{testRedirectURI},
		AllowedScopes:        []string{"openid"},
		RequireRequestObject: true,
	})
	return NewAuthorizeRequestValidator(AuthorizeRequestValidatorConfig{
		Clients:   f.store,
		Resources: f.resources,
	}), f
}

func codeRequest() url.Values {
	challenge, _ := testutil.GeneratePKCEPair()
	return url.Values{
		"client_id":             {"web"},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"scope":                 {"openid api1.read offline_access"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
}

func implicitRequest() url.Values {
	return url.Values{
		"client_id":     {"spa"},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"token id_token"},
		"scope":         {"openid api1.read"},
		"state":         {"xyz"},
		"nonce":         {"n-1"},
	}
}

func TestAuthorizeRequestValidator_LargestMaxAge(t *testing.T) {
	v, _ := newAuthorizeValidator(t)

	params := codeRequest()
	params.Set("max_age", strconv.FormatInt(MaxMaxAge, 10))
	req, err := v.Validate(context.Background(), params, alice())
	require.NoError(t, err)
	require.NotNil(t, req.MaxAge)
	assert.Positive(t, *req.MaxAge)
}

func TestAuthorizeRequestValidator_Code(t *testing.T) {
	v, _ := newAuthorizeValidator(t)

	params := codeRequest()
	params.Set("prompt", "login consent")
	params.Set("max_age", "600")
	params.Set("acr_values", "mfa  pwd")

	req, err := v.Validate(context.Background(), params, alice())
	require.NoError(t, err)

	assert.Equal(t, "web", req.Client.ClientID)
	assert.Equal(t, protocol.ResponseTypeCode, req.ResponseType)
	assert.Equal(t, protocol.ResponseModeQuery, req.ResponseMode)
	assert.Equal(t, protocol.GrantTypeAuthorizationCode, req.GrantType)
	assert.Equal(t, "xyz", req.State)
	assert.True(t, req.IsOpenIDRequest)
	assert.True(t, req.Resources.OfflineAccess)
	assert.Equal(t, "S256", req.CodeChallengeMethod)
	assert.True(t, req.HasPrompt(protocol.PromptConsent))
	require.NotNil(t, req.MaxAge)
	assert.Equal(t, 10*time.Minute, *req.MaxAge)
	assert.Equal(t, []string{"mfa", "pwd"}, req.AcrValues)
	assert.Equal(t, "sid-1", req.SessionID)
}

func TestAuthorizeRequestValidator_Implicit(t *testing.T) {
	v, _ := newAuthorizeValidator(t)

	params := implicitRequest()
	params.Set("response_type", "id_token token")
	params.Set("response_mode", "form_post")

	req, err := v.Validate(context.Background(), params, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResponseTypeIDTokenToken, req.ResponseType)
	assert.Equal(t, protocol.GrantTypeImplicit, req.GrantType)
	assert.Equal(t, protocol.ResponseModeFormPost, req.ResponseMode)
	assert.Equal(t, "n-1", req.Nonce)
}

func TestAuthorizeRequestValidator_FatalErrors(t *testing.T) {
	v, _ := newAuthorizeValidator(t)

	tests := []struct {
		name     string
		mutate   func(url.Values)
		wantCode string
	}{
		{name: "missing client", mutate: func(p url.Values) { p.Del("client_id") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "unknown client", mutate: func(p url.Values) { p.Set("client_id", "ghost") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "missing redirect", mutate: func(p url.Values) { p.Del("redirect_uri") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "unregistered redirect", mutate: func(p url.Values) { p.Set("redirect_uri", "https://evil.example/cb") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "redirect with fragment", mutate: func(p url.Values) { p.Set("redirect_uri", testRedirectURI+"#x") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "relative redirect", mutate: func(p url.Values) { p.Set("redirect_uri", "/cb") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "request object unsupported", mutate: func(p url.Values) { p.Set("request", "a.b.c") }, wantCode: protocol.ErrorRequestNotSupported},
		{name: "request uri unsupported", mutate: func(p url.Values) { p.Set("request_uri", "https://app.example/r") }, wantCode: protocol.ErrorRequestURINotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := codeRequest()
			tt.mutate(params)

			_, err := v.Validate(context.Background(), params, nil)
			var ae *AuthorizeError
			require.True(t, errors.As(err, &ae), "got %v", err)
			assert.Equal(t, tt.wantCode, ae.Err.Code)
			assert.Equal(t, protocol.KindFatal, ae.Err.Kind)
			assert.False(t, ae.CanRedirect(), "an unverified redirect target is never used")
		})
	}
}

func TestAuthorizeRequestValidator_RedirectErrors(t *testing.T) {
	v, _ := newAuthorizeValidator(t)

	tests := []struct {
		name     string
		base     func() url.Values
		mutate   func(url.Values)
		wantCode string
		wantMode string
	}{
		{name: "missing response_type", base: codeRequest, mutate: func(p url.Values) { p.Del("response_type") }, wantCode: protocol.ErrorInvalidRequest, wantMode: protocol.ResponseModeQuery},
		{name: "unknown response_type", base: codeRequest, mutate: func(p url.Values) { p.Set("response_type", "magic") }, wantCode: protocol.ErrorUnsupportedResponseType, wantMode: protocol.ResponseModeQuery},
		{name: "response_type not allowed", base: codeRequest, mutate: func(p url.Values) { p.Set("response_type", "code id_token") }, wantCode: protocol.ErrorUnauthorizedClient, wantMode: protocol.ResponseModeFragment},
		{name: "unknown response_mode", base: codeRequest, mutate: func(p url.Values) { p.Set("response_mode", "web_message") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "query mode for tokens", base: implicitRequest, mutate: func(p url.Values) { p.Set("response_mode", "query") }, wantCode: protocol.ErrorInvalidRequest, wantMode: protocol.ResponseModeFragment},
		{name: "missing scope", base: codeRequest, mutate: func(p url.Values) { p.Del("scope") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "scope not allowed", base: codeRequest, mutate: func(p url.Values) { p.Set("scope", "openid api2.read") }, wantCode: protocol.ErrorInvalidScope},
		{name: "id_token without openid", base: implicitRequest, mutate: func(p url.Values) { p.Set("scope", "api1.read") }, wantCode: protocol.ErrorInvalidScope},
		{name: "offline access for implicit", base: implicitRequest, mutate: func(p url.Values) { p.Set("scope", "openid offline_access") }, wantCode: protocol.ErrorInvalidScope},
		{name: "missing code challenge", base: codeRequest, mutate: func(p url.Values) { p.Del("code_challenge") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "plain code challenge", base: codeRequest, mutate: func(p url.Values) { p.Set("code_challenge_method", "plain") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "implicit without nonce", base: implicitRequest, mutate: func(p url.Values) { p.Del("nonce") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "invalid prompt", base: codeRequest, mutate: func(p url.Values) { p.Set("prompt", "sometimes") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "prompt none combined", base: codeRequest, mutate: func(p url.Values) { p.Set("prompt", "none login") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "negative max_age", base: codeRequest, mutate: func(p url.Values) { p.Set("max_age", "-1") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "non numeric max_age", base: codeRequest, mutate: func(p url.Values) { p.Set("max_age", "soon") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "max_age overflowing a duration", base: codeRequest, mutate: func(p url.Values) { p.Set("max_age", "9223372036854775807") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "max_age past the duration range", base: codeRequest, mutate: func(p url.Values) { p.Set("max_age", strconv.FormatInt(MaxMaxAge+1, 10)) }, wantCode: protocol.ErrorInvalidRequest},
		{name: "max_age beyond int64", base: codeRequest, mutate: func(p url.Values) { p.Set("max_age", "99999999999999999999") }, wantCode: protocol.ErrorInvalidRequest},
		{name: "request object required", base: codeRequest, mutate: func(p url.Values) {
			p.Set("client_id", "strict")
			p.Set("scope", "openid")
		}, wantCode: protocol.ErrorInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := tt.base()
			tt.mutate(params)

			_, err := v.Validate(context.Background(), params, nil)
			var ae *AuthorizeError
			require.True(t, errors.As(err, &ae), "got %v", err)
			assert.Equal(t, tt.wantCode, ae.Err.Code)
			assert.Equal(t, protocol.KindRedirect, ae.Err.Kind)
			require.True(t, ae.CanRedirect())
			assert.Equal(t, testRedirectURI, ae.Request.RedirectURI)
			assert.Equal(t, "xyz", ae.Request.State, "state is echoed back with the error")
			if tt.wantMode != "" {
				assert.Equal(t, tt.wantMode, ae.Request.ResponseMode)
			}
		})
	}
}

func TestAuthorizeRequestValidator_PKCEOptional(t *testing.T) {
	v, f := newAuthorizeValidator(t)
	f.addClient(t, &storage.Client{
		ClientID:          "legacy",
		AllowedGrantTypes: []string{protocol.GrantTypeAuthorizationCode},
		RedirectURIs:      []string{testRedirectURI},
		AllowedScopes:     []string{"openid"},
	})

	params := url.Values{
		"client_id":     {"legacy"},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
		"scope":         {"openid"},
	}
	req, err := v.Validate(context.Background(), params, nil)
	require.NoError(t, err)
	assert.Empty(t, req.CodeChallenge)
}

func TestAuthorizeRequestValidator_StateTooLongIsFatal(t *testing.T) {
	v, _ := newAuthorizeValidator(t)
	params := codeRequest()
	params.Set("state", string(make([]byte, MaxStateLength+1)))

	_, err := v.Validate(context.Background(), params, nil)
	var ae *AuthorizeError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, protocol.KindFatal, ae.Err.Kind)
	assert.True(t, protocol.IsCode(err, protocol.ErrorInvalidRequest))
}
