package response

import (
	"context"
	"log/slog"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/keys"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/memory"
	"github.com/giantswarm/oauth-provider/tokens"
	"github.com/giantswarm/oauth-provider/validation"
)

const (
	testIssuer      = "https://issuer.example"
	testRedirectURI = "https://app.example/cb"
)

type fixture struct {
	clock     *testutil.MockTime
	store     *memory.Store
	keys      *keys.Service
	tokens    *tokens.Service
	validator *tokens.Validator
	refresh   *tokens.RefreshTokenService
	resources *validation.ResourceValidator
	web       *storage.Client
	svc       *storage.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewMockTime(testutil.Epoch)
	store := memory.New()
	t.Cleanup(store.Stop)
	store.SetClock(clock)

	for _, ir := range storage.StandardIdentityResources() {
		require.NoError(t, store.SaveIdentityResource(ir))
	}
	require.NoError(t, store.SaveAPIScope(storage.APIScope{Name: "api1.read", Enabled: true, ShowInDiscoveryDocument: true}))
	require.NoError(t, store.SaveAPIScope(storage.APIScope{Name: "api1.write", Enabled: true}))
	require.NoError(t, store.SaveAPIResource(storage.APIResource{
		Name:    "api1",
		Enabled: true,
		Scopes:  []string{"api1.read", "api1.write"},
	}))

	cred, err := keys.NewSigningCredential(testutil.GenerateECKey(t), "key-1", "ES256")
	require.NoError(t, err)
	keySvc := keys.NewServiceFromStores(slog.Default(), keys.NewStaticStore([]*keys.SigningCredential{cred}))
	refs := tokens.NewReferenceTokenStore(store, nil)
	creation := tokens.NewCreationService(keySvc, refs, nil, nil)

	f := &fixture{
		clock:   clock,
		store:   store,
		keys:    keySvc,
		tokens:  tokens.NewService(tokens.ServiceConfig{Issuer: testIssuer, Clock: clock}, creation),
		refresh: tokens.NewRefreshTokenService(tokens.RefreshTokenServiceConfig{Grants: store, Clock: clock}),
		validator: tokens.NewValidator(tokens.ValidatorConfig{
			Issuer:     testIssuer,
			Keys:       keySvc,
			References: refs,
			Clients:    store,
			Clock:      clock,
		}),
		resources: validation.NewResourceValidator(store),
	}

	f.web = f.addClient(t, &storage.Client{
		ClientID:   "web",
		ClientName: "Web App",
		AllowedGrantTypes: []string{
			protocol.GrantTypeAuthorizationCode, protocol.GrantTypeHybrid,
			protocol.GrantTypeImplicit, protocol.GrantTypeRefreshToken,
		},
		RedirectURIs:                []string{testRedirectURI},
		PostLogoutRedirectURIs:      []string{"https://app.example/bye"},
		AllowedScopes:               []string{"openid", "profile", "api1.read", "api1.write"},
		AllowOfflineAccess:          true,
		AllowAccessTokensViaBrowser: true,
		RequireConsent:              true,
		AllowRememberConsent:        true,
	})
	f.svc = f.addClient(t, &storage.Client{
		ClientID:          "svc",
		AllowedGrantTypes: []string{protocol.GrantTypeClientCredentials},
		AllowedScopes:     []string{"api1.read"},
		AccessTokenType:   storage.AccessTokenTypeReference,
	})
	return f
}

func (f *fixture) addClient(t *testing.T, c *storage.Client) *storage.Client {
	t.Helper()
	c.Enabled = true
	c.ApplyDefaults()
	require.NoError(t, f.store.SaveClient(context.Background(), c))
	return c
}

func (f *fixture) resolve(t *testing.T, client *storage.Client, scopes ...string) *storage.Resources {
	t.Helper()
	res, err := f.resources.Validate(context.Background(), client, scopes)
	require.NoError(t, err)
	return res
}

// authorizeRequest returns a validated request of web for alice.
func (f *fixture) authorizeRequest(t *testing.T, responseType string, scopes ...string) *validation.ValidatedAuthorizeRequest {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{"openid", "api1.read"}
	}
	rt := protocol.ParseResponseType(responseType)
	return &validation.ValidatedAuthorizeRequest{
		Client:          f.web,
		RedirectURI:     testRedirectURI,
		ResponseType:    rt,
		ResponseMode:    protocol.DefaultResponseMode(rt),
		GrantType:       protocol.GrantTypeForResponseType(rt),
		State:           "state-1",
		Nonce:           "nonce-1",
		RequestedScopes: scopes,
		Resources:       f.resolve(t, f.web, scopes...),
		IsOpenIDRequest: slices.Contains(scopes, protocol.ScopeOpenID),
		Subject:         alice(),
		SessionID:       "sid-1",
	}
}

func alice() *identity.Principal {
	return &identity.Principal{
		Subject:               "alice",
		AuthTime:              testutil.Epoch,
		IdentityProvider:      identity.LocalIdentityProvider,
		AuthenticationMethods: []string{identity.AuthMethodPassword},
		SessionID:             "sid-1",
	}
}
