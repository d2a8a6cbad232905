package response

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
	"github.com/giantswarm/oauth-provider/validation"
)

func TestRevocationResponseGenerator(t *testing.T) {
	tf := newTokenFixture(t)
	ctx := context.Background()
	cache := tokens.NewCachingValidator(tf.validator, time.Minute, 100, tf.clock)
	g := NewRevocationResponseGenerator(RevocationConfig{
		Grants:        tf.store,
		RefreshTokens: tf.refresh,
		Cache:         cache,
	})

	t.Run("reference access token", func(t *testing.T) {
		resp, err := tf.exchange(t, tf.svc, url.Values{"grant_type": {protocol.GrantTypeClientCredentials}})
		require.NoError(t, err)
		_, err = cache.ValidateAccessToken(ctx, resp.AccessToken, "")
		require.NoError(t, err)

		// Another client cannot revoke it.
		result, err := g.Process(ctx, &validation.ValidatedRevocationRequest{Client: tf.web, Token: resp.AccessToken})
		require.NoError(t, err)
		assert.Empty(t, result.TokenType)

		result, err = g.Process(ctx, &validation.ValidatedRevocationRequest{Client: tf.svc, Token: resp.AccessToken})
		require.NoError(t, err)
		assert.Equal(t, protocol.TokenTypeHintAccessToken, result.TokenType)

		_, err = cache.ValidateAccessToken(ctx, resp.AccessToken, "")
		assert.True(t, protocol.IsCode(err, protocol.ErrorInvalidToken), "revoked token must not be served from cache: %v", err)
	})

	t.Run("refresh token revokes its family", func(t *testing.T) {
		tf.web.AccessTokenType = storage.AccessTokenTypeReference
		t.Cleanup(func() { tf.web.AccessTokenType = storage.AccessTokenTypeJWT })

		code := tf.issueCode(t, "api1.read", "offline_access")
		resp, err := tf.exchange(t, tf.web, url.Values{
			"grant_type":   {protocol.GrantTypeAuthorizationCode},
			"code":         {code},
			"redirect_uri": {testRedirectURI},
		})
		require.NoError(t, err)

		result, err := g.Process(ctx, &validation.ValidatedRevocationRequest{
			Client:        tf.web,
			Token:         resp.RefreshToken,
			TokenTypeHint: protocol.TokenTypeHintRefreshToken,
		})
		require.NoError(t, err)
		assert.Equal(t, protocol.TokenTypeHintRefreshToken, result.TokenType)

		_, err = tf.refresh.FindRefreshToken(ctx, resp.RefreshToken)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tf.validator.ValidateAccessToken(ctx, resp.AccessToken, "")
		assert.True(t, protocol.IsCode(err, protocol.ErrorInvalidToken), "reference token of the family is gone: %v", err)
	})

	t.Run("unknown token", func(t *testing.T) {
		result, err := g.Process(ctx, &validation.ValidatedRevocationRequest{Client: tf.web, Token: "nope"})
		require.NoError(t, err)
		assert.Empty(t, result.TokenType)
	})
}

func TestIntrospectionResponseGenerator(t *testing.T) {
	g := NewIntrospectionResponseGenerator()

	inactive := g.Process(&validation.ValidatedIntrospectionRequest{
		IsActive: false,
		Claims:   map[string]any{"sub": "alice"},
	})
	assert.Equal(t, map[string]any{"active": false}, inactive)

	claims := map[string]any{"sub": "alice", "scope": "api1.read"}
	active := g.Process(&validation.ValidatedIntrospectionRequest{
		IsActive:  true,
		TokenType: protocol.TokenTypeHintAccessToken,
		Claims:    claims,
	})
	assert.Equal(t, true, active["active"])
	assert.Equal(t, "alice", active["sub"])
	assert.Equal(t, "access_token", active["token_type"])
	assert.NotContains(t, claims, "active", "input claims are not modified")
}
