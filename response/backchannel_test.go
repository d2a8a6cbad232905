package response

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/validation"
)

// logoutReceiver is a relying party back-channel logout endpoint.
type logoutReceiver struct {
	status int
	hits   atomic.Int32

	mu     sync.Mutex
	tokens []string
}

func newLogoutReceiver(t *testing.T, status int) (*logoutReceiver, string) {
	t.Helper()
	r := &logoutReceiver{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.hits.Add(1)
		if err := req.ParseForm(); err == nil {
			r.mu.Lock()
			r.tokens = append(r.tokens, req.PostForm.Get("logout_token"))
			r.mu.Unlock()
		}
		w.WriteHeader(r.status)
	}))
	t.Cleanup(srv.Close)
	return r, srv.URL
}

func (r *logoutReceiver) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

func (f *fixture) backChannel(maxTries uint) *BackChannelLogoutService {
	return NewBackChannelLogoutService(BackChannelLogoutConfig{
		Grants:        f.store,
		Clients:       f.store,
		Tokens:        f.tokens,
		MaxTries:      maxTries,
		RetryInterval: time.Millisecond,
		Clock:         f.clock,
	})
}

func (f *fixture) logoutClient(t *testing.T, id, uri string, sessionRequired bool) *storage.Client {
	t.Helper()
	return f.addClient(t, &storage.Client{
		ClientID:                         id,
		AllowedGrantTypes:                []string{protocol.GrantTypeAuthorizationCode},
		RedirectURIs:                     []string{testRedirectURI},
		AllowedScopes:                    []string{"openid"},
		BackChannelLogoutURI:             uri,
		BackChannelLogoutSessionRequired: sessionRequired,
	})
}

func verifyLogoutToken(t *testing.T, f *fixture, token string) map[string]any {
	t.Helper()
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	require.Len(t, jws.Signatures, 1)
	assert.Equal(t, protocol.JWTTypeLogoutToken, jws.Signatures[0].Header.ExtraHeaders[jose.HeaderType])

	jwks, err := f.keys.JWKS(context.Background())
	require.NoError(t, err)
	payload, err := jws.Verify(jwks.Keys[0])
	require.NoError(t, err)

	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims
}

func TestBackChannelLogoutService_Delivers(t *testing.T) {
	f := newFixture(t)
	rp, uri := newLogoutReceiver(t, http.StatusOK)
	f.logoutClient(t, "rp", uri, true)
	svc := f.backChannel(3)

	notified, err := svc.SendLogoutNotifications(context.Background(), LogoutNotification{
		SubjectID: "alice",
		SessionID: "sid-1",
		ClientIDs: []string{"rp", "web"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"rp"}, notified, "web has no back-channel uri")
	svc.Wait()

	require.Len(t, rp.received(), 1)
	claims := verifyLogoutToken(t, f, rp.received()[0])
	assert.Equal(t, testIssuer, claims[protocol.ClaimIssuer])
	assert.Equal(t, "rp", claims[protocol.ClaimAudience])
	assert.Equal(t, "alice", claims[protocol.ClaimSubject])
	assert.Equal(t, "sid-1", claims[protocol.ClaimSessionID])
	assert.NotEmpty(t, claims[protocol.ClaimJWTID])
	assert.NotContains(t, claims, protocol.ClaimNonce)

	events, ok := claims[protocol.ClaimEvents].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, events, protocol.BackChannelLogoutEvent)
}

func TestBackChannelLogoutService_ClientsFromGrants(t *testing.T) {
	f := newFixture(t)
	_, uri := newLogoutReceiver(t, http.StatusOK)
	rp := f.logoutClient(t, "rp", uri, false)
	rp.AllowRememberConsent = true
	require.NoError(t, f.store.SaveClient(context.Background(), rp))

	consent := NewConsentService(f.store, nil, nil, f.clock, nil)
	require.NoError(t, consent.UpdateConsent(context.Background(), alice(), rp, []string{"openid"}))

	svc := f.backChannel(1)
	notified, err := svc.SendLogoutNotifications(context.Background(), LogoutNotification{SubjectID: "alice"})
	require.NoError(t, err)
	svc.Wait()
	assert.Equal(t, []string{"rp"}, notified)

	_, err = svc.SendLogoutNotifications(context.Background(), LogoutNotification{})
	assert.Error(t, err)
}

func TestBackChannelLogoutService_Retries(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantHits int32
	}{
		{name: "server error is retried", status: http.StatusServiceUnavailable, wantHits: 3},
		{name: "client error is not retried", status: http.StatusBadRequest, wantHits: 1},
		{name: "success", status: http.StatusNoContent, wantHits: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rp, uri := newLogoutReceiver(t, tt.status)
			f.logoutClient(t, "rp", uri, false)
			svc := f.backChannel(3)

			_, err := svc.SendLogoutNotifications(context.Background(), LogoutNotification{
				SubjectID: "alice",
				ClientIDs: []string{"rp"},
			})
			require.NoError(t, err)
			svc.Wait()
			assert.Equal(t, tt.wantHits, rp.hits.Load())
		})
	}
}

func TestBackChannelLogoutService_SessionRequired(t *testing.T) {
	f := newFixture(t)
	rp, uri := newLogoutReceiver(t, http.StatusOK)
	f.logoutClient(t, "rp", uri, true)
	svc := f.backChannel(1)

	notified, err := svc.SendLogoutNotifications(context.Background(), LogoutNotification{
		SubjectID: "alice",
		ClientIDs: []string{"rp"},
	})
	require.NoError(t, err)
	svc.Wait()
	assert.Empty(t, notified)
	assert.Zero(t, rp.hits.Load())
}

func TestEndSessionResponseGenerator(t *testing.T) {
	f := newFixture(t)
	rp, uri := newLogoutReceiver(t, http.StatusOK)
	f.logoutClient(t, "rp", uri, false)
	bc := f.backChannel(1)
	g := NewEndSessionResponseGenerator(bc, nil, nil, nil)

	t.Run("signed in user with redirect", func(t *testing.T) {
		res, err := g.Process(context.Background(), &validation.ValidatedEndSessionRequest{
			Client:                f.web,
			Subject:               alice(),
			SessionID:             "sid-1",
			PostLogoutRedirectURI: "https://app.example/bye",
			State:                 "s 1",
		})
		require.NoError(t, err)
		bc.Wait()
		assert.Equal(t, "https://app.example/bye?state=s+1", res.RedirectURL)
		assert.Equal(t, "web", res.ClientID)
		assert.Empty(t, res.NotifiedClients, "only clients with a back-channel uri are notified")
	})

	t.Run("client with back-channel uri", func(t *testing.T) {
		rpClient, err := f.store.FindEnabledClientByID(context.Background(), "rp")
		require.NoError(t, err)

		res, err := g.Process(context.Background(), &validation.ValidatedEndSessionRequest{
			Client:    rpClient,
			Subject:   alice(),
			SessionID: "sid-1",
		})
		require.NoError(t, err)
		bc.Wait()
		assert.Empty(t, res.RedirectURL)
		assert.Equal(t, []string{"rp"}, res.NotifiedClients)
		assert.Equal(t, int32(1), rp.hits.Load())
	})

	t.Run("anonymous", func(t *testing.T) {
		res, err := g.Process(context.Background(), &validation.ValidatedEndSessionRequest{})
		require.NoError(t, err)
		assert.Empty(t, res.NotifiedClients)
		assert.Empty(t, res.RedirectURL)
	})
}
