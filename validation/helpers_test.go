package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/memory"
)

const (
	testIssuer      = "https://issuer.example"
	testRedirectURI = "https://app.example/cb"
	testAPISecret   = "api-secret"
)

type fixture struct {
	clock     *testutil.MockTime
	store     *memory.Store
	resources *ResourceValidator
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
	require.NoError(t, store.SaveAPIScope(storage.APIScope{Name: "api1.read", Enabled: true}))
	require.NoError(t, store.SaveAPIScope(storage.APIScope{Name: "api1.write", Enabled: true}))
	require.NoError(t, store.SaveAPIScope(storage.APIScope{Name: "api2.read", Enabled: true}))
	require.NoError(t, store.SaveAPIResource(storage.APIResource{
		Name:    "api1",
		Enabled: true,
		Scopes:  []string{"api1.read", "api1.write"},
		Secrets: []storage.Secret{{Type: storage.SecretTypeSharedSecret, Value: HashSharedSecret(testAPISecret)}},
	}))
	require.NoError(t, store.SaveAPIResource(storage.APIResource{
		Name:    "api2",
		Enabled: true,
		Scopes:  []string{"api2.read"},
	}))

	return &fixture{
		clock:     clock,
		store:     store,
		resources: NewResourceValidator(store),
	}
}

// addClient applies defaults, enables and saves c.
func (f *fixture) addClient(t *testing.T, c *storage.Client) *storage.Client {
	t.Helper()
	c.Enabled = true
	c.ApplyDefaults()
	require.NoError(t, f.store.SaveClient(context.Background(), c))
	return c
}

func alice() *identity.Principal {
	return &identity.Principal{
		Subject:               "alice",
		AuthTime:              testutil.Epoch,
		AuthenticationMethods: []string{"pwd"},
		SessionID:             "sid-1",
	}
}
