package oauth

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/device"
	"github.com/giantswarm/oauth-provider/security"
)

func TestLoadConfig(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(key)

	doc := `
issuer: https://issuer.example
tokens:
  emitStaticAudience: true
deviceFlow:
  interval: 10s
caching:
  enabled: true
  corsExpiration: 30s
endpoints:
  enableDeviceAuthorization: true
security:
  enableAuditLogging: true
  encryptionKey: "` + encoded + `"
storage:
  type: memory
static:
  includeStandardIdentityResources: true
  apiScopes:
    - name: api1.read
  clients:
    - clientId: m2m
      allowedGrantTypes: [client_credentials]
      allowedScopes: [api1.read]
      accessTokenLifetime: 5m
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example", cfg.Issuer)
	assert.True(t, cfg.Tokens.EmitStaticAudience)
	assert.Equal(t, 10*time.Second, cfg.DeviceFlow.Interval)
	assert.Equal(t, 30*time.Second, cfg.Caching.CORSExpiration)
	assert.True(t, cfg.Endpoints.EnableDeviceAuthorization)
	assert.Equal(t, encoded, cfg.Security.EncryptionKey)

	require.Len(t, cfg.Static.Clients, 1)
	client := cfg.Static.Clients[0]
	assert.Equal(t, "m2m", client.ClientID)
	assert.True(t, client.Enabled, "clients default to enabled")
	assert.True(t, client.RequireClientSecret)
	assert.Equal(t, 5*time.Minute, client.AccessTokenLifetime)
	require.Len(t, cfg.Static.APIScopes, 1)
	assert.True(t, cfg.Static.APIScopes[0].Enabled)

	require.NoError(t, cfg.withDefaults().Validate())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("issuer: [unterminated"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Issuer: "https://issuer.example/"}.withDefaults()

	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Profile)
	assert.Equal(t, "https://issuer.example/device", cfg.DeviceFlow.VerificationURI)
	assert.Equal(t, device.DefaultInterval, cfg.DeviceFlow.Interval)
	assert.Equal(t, defaultCacheExpiration, cfg.Caching.CORSExpiration)
	assert.Equal(t, defaultCacheExpiration, cfg.Caching.TokenValidationExpiration)
	assert.Equal(t, defaultCacheMaxEntries, cfg.Caching.MaxEntries)
	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.False(t, cfg.Caching.Enabled, "caching stays opt-in")

	custom := Config{
		Issuer:     "https://issuer.example",
		DeviceFlow: DeviceFlowConfig{VerificationURI: "https://issuer.example/activate", Interval: 8 * time.Second},
	}.withDefaults()
	assert.Equal(t, "https://issuer.example/activate", custom.DeviceFlow.VerificationURI)
	assert.Equal(t, 8*time.Second, custom.DeviceFlow.Interval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "valid https", cfg: Config{Issuer: "https://issuer.example"}},
		{name: "localhost http", cfg: Config{Issuer: "http://localhost:8080"}},
		{name: "loopback ip http", cfg: Config{Issuer: "http://127.0.0.1:8080"}},
		{
			name: "insecure http allowed",
			cfg:  Config{Issuer: "http://issuer.internal", Security: SecurityConfig{AllowInsecureHTTP: true}},
		},
		{name: "missing issuer", cfg: Config{}, wantErr: "issuer is required"},
		{name: "relative issuer", cfg: Config{Issuer: "/issuer"}, wantErr: "absolute URL"},
		{name: "plain http", cfg: Config{Issuer: "http://issuer.example"}, wantErr: "https"},
		{name: "other scheme", cfg: Config{Issuer: "ftp://issuer.example"}, wantErr: "https"},
		{name: "query", cfg: Config{Issuer: "https://issuer.example?x=1"}, wantErr: "query or fragment"},
		{
			name:    "short device interval",
			cfg:     Config{Issuer: "https://issuer.example", DeviceFlow: DeviceFlowConfig{Interval: time.Second}},
			wantErr: "interval",
		},
		{
			name:    "bad encryption key",
			cfg:     Config{Issuer: "https://issuer.example", Security: SecurityConfig{EncryptionKey: "not-a-key"}},
			wantErr: "encryption key",
		},
		{
			name:    "redis without address",
			cfg:     Config{Issuer: "https://issuer.example", Storage: StorageConfig{Type: StorageRedis}},
			wantErr: "address",
		},
		{
			name:    "unknown storage",
			cfg:     Config{Issuer: "https://issuer.example", Storage: StorageConfig{Type: "postgres"}},
			wantErr: "unknown storage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.withDefaults().Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
