package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/protocol"
)

func writePEM(t *testing.T, dir, name, blockType string, der []byte) string {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0600))
	return name
}

func mustCredential(t *testing.T, alg string) *SigningCredential {
	t.Helper()
	var cred *SigningCredential
	var err error
	switch alg {
	case "RS256", "PS256":
		cred, err = NewSigningCredential(testutil.GenerateRSAKey(t), "", alg)
	case "ES384":
		key, genErr := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		require.NoError(t, genErr)
		cred, err = NewSigningCredential(key, "", alg)
	default:
		cred, err = NewSigningCredential(testutil.GenerateECKey(t), "", alg)
	}
	require.NoError(t, err)
	return cred
}

func TestParseSigningKey(t *testing.T) {
	ecKey := testutil.GenerateECKey(t)
	rsaKey := testutil.GenerateRSAKey(t)

	sec1, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(ecKey)
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    []byte
		wantAlg string
		wantErr bool
	}{
		{"EC SEC1", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1}), "ES256", false},
		{"EC PKCS8", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}), "ES256", false},
		{"RSA PKCS1", pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)}), "RS256", false},
		{"not PEM", []byte("garbage"), "", true},
		{"bad DER", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}}), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := ParseSigningKey(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			alg, err := DeriveAlgorithm(signer)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, alg)
		})
	}
}

func TestNewSigningCredential(t *testing.T) {
	ecKey := testutil.GenerateECKey(t)

	cred, err := NewSigningCredential(ecKey, "", "")
	require.NoError(t, err)
	assert.Equal(t, "ES256", cred.Algorithm)

	kid, err := DeriveKeyID(ecKey)
	require.NoError(t, err)
	assert.Equal(t, kid, cred.KeyID, "key ID is the JWK thumbprint")

	cred, err = NewSigningCredential(ecKey, "custom", "ES256")
	require.NoError(t, err)
	assert.Equal(t, "custom", cred.KeyID)

	_, err = NewSigningCredential(ecKey, "", "RS256")
	assert.Error(t, err, "algorithm must match the key type")

	_, err = NewSigningCredential(nil, "", "")
	assert.Error(t, err)

	rsaCred, err := NewSigningCredential(testutil.GenerateRSAKey(t), "", "PS256")
	require.NoError(t, err)
	assert.Equal(t, "PS256", rsaCred.Algorithm)
}

func TestNewFileStore(t *testing.T) {
	dir := t.TempDir()

	signingDER, err := x509.MarshalECPrivateKey(testutil.GenerateECKey(t))
	require.NoError(t, err)
	fallbackDER, err := x509.MarshalECPrivateKey(testutil.GenerateECKey(t))
	require.NoError(t, err)

	signingFile := writePEM(t, dir, "signing.pem", "EC PRIVATE KEY", signingDER)
	fallbackFile := writePEM(t, dir, "old.pem", "EC PRIVATE KEY", fallbackDER)

	store, err := NewFileStore(Config{KeyDir: dir, SigningKeyFile: signingFile, FallbackKeyFiles: []string{fallbackFile}})
	require.NoError(t, err)

	ctx := context.Background()
	creds, err := store.GetSigningCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 1)

	keys, err := store.GetValidationKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, creds[0].KeyID, keys[0].KeyID)
	assert.NotEqual(t, keys[0].KeyID, keys[1].KeyID)

	t.Run("missing signing file name", func(t *testing.T) {
		_, err := NewFileStore(Config{KeyDir: dir})
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewFileStore(Config{KeyDir: dir, SigningKeyFile: "nope.pem"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load signing key")
	})

	t.Run("bad fallback", func(t *testing.T) {
		_, err := NewFileStore(Config{KeyDir: dir, SigningKeyFile: signingFile, FallbackKeyFiles: []string{"nope.pem"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fallback key")
	})
}

func TestNewStoreFromConfig_GeneratesWithoutKeyDir(t *testing.T) {
	store, err := NewStoreFromConfig(Config{}, nil)
	require.NoError(t, err)
	_, ok := store.(*GeneratingStore)
	assert.True(t, ok)
}

func TestGeneratingStore_GeneratesOnce(t *testing.T) {
	store := NewGeneratingStore("", nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds, err := store.GetSigningCredentials(ctx)
			if err != nil {
				t.Errorf("GetSigningCredentials: %v", err)
				return
			}
			ids[i] = creds[0].KeyID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	keys, err := store.GetValidationKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "ES256", keys[0].Algorithm)

	_, err = NewGeneratingStore("RS256", nil).GetSigningCredentials(ctx)
	assert.Error(t, err)
}

func TestService_GetSigningCredentials(t *testing.T) {
	es256 := mustCredential(t, "ES256")
	rs256 := mustCredential(t, "RS256")
	svc := NewServiceFromStores(nil, NewStaticStore([]*SigningCredential{es256}), NewStaticStore([]*SigningCredential{rs256}))
	ctx := context.Background()

	tests := []struct {
		name    string
		allowed []string
		wantKID string
		wantErr bool
	}{
		{name: "no filter returns first", allowed: nil, wantKID: es256.KeyID},
		{name: "filter selects matching store", allowed: []string{"RS256"}, wantKID: rs256.KeyID},
		{name: "first match in credential order", allowed: []string{"RS256", "ES256"}, wantKID: es256.KeyID},
		{name: "no match is a configuration error", allowed: []string{"PS512"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := svc.GetSigningCredentials(ctx, tt.allowed)
			if tt.wantErr {
				var cfgErr *protocol.ConfigurationError
				assert.True(t, errors.As(err, &cfgErr), "got %v", err)
				assert.Nil(t, cred)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKID, cred.KeyID)
		})
	}

	algs, err := svc.SigningAlgorithms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ES256", "RS256"}, algs)
}

func TestService_NoCredentials(t *testing.T) {
	svc := NewService(nil, nil, nil)
	_, err := svc.GetSigningCredentials(context.Background(), nil)
	var cfgErr *protocol.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestService_ValidationKeysAndJWKS(t *testing.T) {
	current := mustCredential(t, "ES256")
	retired := mustCredential(t, "ES384")
	store := NewStaticStore([]*SigningCredential{current}, retired.ValidationKey())

	// The same store registered twice must not duplicate keys.
	svc := NewService([]SigningCredentialStore{store}, []ValidationKeyStore{store, store}, nil)
	ctx := context.Background()

	keys, err := svc.GetValidationKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	matched, err := svc.VerificationKeys(ctx, retired.KeyID, "ES384")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, retired.KeyID, matched[0].KeyID)

	matched, err = svc.VerificationKeys(ctx, retired.KeyID, "ES256")
	require.NoError(t, err)
	assert.Empty(t, matched)

	set, err := svc.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 2)
	for _, k := range set.Keys {
		assert.True(t, k.IsPublic())
		assert.Equal(t, "sig", k.Use)
	}

	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"d"`, "private key material must not be published")
}
