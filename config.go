package oauth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-provider/device"
	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/keys"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage/memory"
	"github.com/giantswarm/oauth-provider/storage/redis"
	"github.com/giantswarm/oauth-provider/validation"
)

// Storage backends for persisted grants and device codes.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config holds the provider configuration. It is read once by New and never
// changed afterwards.
type Config struct {
	// Issuer is the issuer identifier and the base URL of all endpoints (required).
	Issuer string `yaml:"issuer"`

	Tokens      TokenConfig       `yaml:"tokens"`
	DeviceFlow  DeviceFlowConfig  `yaml:"deviceFlow"`
	CORS        CORSConfig        `yaml:"cors"`
	Caching     CachingConfig     `yaml:"caching"`
	Endpoints   EndpointsConfig   `yaml:"endpoints"`
	Security    SecurityConfig    `yaml:"security"`
	BackChannel BackChannelConfig `yaml:"backChannel"`

	// Keys selects the signing key material. Without a key directory an
	// ephemeral key is generated at startup.
	Keys keys.Config `yaml:"keys"`

	Storage StorageConfig `yaml:"storage"`

	// Static lists the clients and resources served from memory.
	Static memory.StaticConfig `yaml:"static"`

	// StaticFile is an optional YAML file with more clients and resources.
	StaticFile string `yaml:"staticFile"`

	Instrumentation instrumentation.Config `yaml:"instrumentation"`

	// Profile supplies user claims and activity. Default: claims of the principal.
	Profile identity.ProfileService `yaml:"-"`

	// Passwords enables the resource owner password grant when set.
	Passwords identity.ResourceOwnerPasswordValidator `yaml:"-"`

	// ExtensionGrants are custom grant types served by the token endpoint.
	ExtensionGrants []validation.ExtensionGrantValidator `yaml:"-"`

	// HTTPClient is used for back-channel logout. Request objects use their
	// own client that refuses internal addresses.
	HTTPClient *http.Client `yaml:"-"`

	Clock  security.Clock `yaml:"-"`
	Logger *slog.Logger   `yaml:"-"`
}

// TokenConfig holds issuer-wide token options. Lifetimes are per client.
type TokenConfig struct {
	// EmitStaticAudience adds "<issuer>/resources" to access token audiences.
	EmitStaticAudience bool `yaml:"emitStaticAudience"`

	// EmitSessionState adds session_state to OpenID authorize responses.
	EmitSessionState bool `yaml:"emitSessionState"`
}

// DeviceFlowConfig configures the device authorization grant.
type DeviceFlowConfig struct {
	// VerificationURI is the page where users enter their user code.
	// Default: <issuer>/device.
	VerificationURI string `yaml:"verificationUri"`

	// Interval is the minimum polling interval. Default and minimum: 5s.
	Interval time.Duration `yaml:"interval"`
}

// CORSConfig configures cross-origin access to the protocol endpoints.
type CORSConfig struct {
	// AllowedPaths are the endpoint paths open to cross-origin requests.
	// Default: discovery, JWKS, token, userinfo, revocation, introspection
	// and device authorization.
	AllowedPaths []string `yaml:"allowedPaths"`
}

// CachingConfig configures the caching decorators.
type CachingConfig struct {
	// Enabled wraps the CORS policy and the token validator in caches.
	Enabled bool `yaml:"enabled"`

	// CORSExpiration is how long CORS decisions are cached. Default: 1 minute.
	CORSExpiration time.Duration `yaml:"corsExpiration"`

	// TokenValidationExpiration is how long successful token validations are
	// cached. Default: 1 minute.
	TokenValidationExpiration time.Duration `yaml:"tokenValidationExpiration"`

	// MaxEntries bounds each cache. Default: 10000.
	MaxEntries int `yaml:"maxEntries"`
}

// EndpointsConfig enables optional endpoints and features.
type EndpointsConfig struct {
	EnableDeviceAuthorization bool `yaml:"enableDeviceAuthorization"`

	// EnableRequestObjects accepts the request and request_uri parameters.
	EnableRequestObjects bool `yaml:"enableRequestObjects"`

	EnableBackChannelLogout bool `yaml:"enableBackChannelLogout"`
}

// SecurityConfig holds security settings (secure by default).
type SecurityConfig struct {
	// AllowInsecureHTTP permits a plain http issuer outside localhost.
	// WARNING: tokens and codes travel in clear text. Only for development.
	AllowInsecureHTTP bool `yaml:"allowInsecureHttp"`

	// EncryptionKey is a base64 AES-256 key for grant payloads at rest.
	// Empty stores payloads unencrypted. Generate one with security.GenerateKey.
	EncryptionKey string `yaml:"encryptionKey"`

	// EnableAuditLogging writes security_audit records.
	EnableAuditLogging bool `yaml:"enableAuditLogging"`

	// AuditEventRate and AuditEventBurst throttle repeated security events per
	// subject and client. Default: 1/s with a burst of 20.
	AuditEventRate  float64 `yaml:"auditEventRate"`
	AuditEventBurst int     `yaml:"auditEventBurst"`

	// AssertionAudiences are accepted in client assertions in addition to
	// the issuer and the token endpoint.
	AssertionAudiences []string `yaml:"assertionAudiences"`
}

// BackChannelConfig tunes back-channel logout delivery.
type BackChannelConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxTries uint          `yaml:"maxTries"`
}

// StorageConfig selects where grants and device codes live. Clients and
// resources are always served from memory.
type StorageConfig struct {
	// Type is "memory" (default) or "redis".
	Type string `yaml:"type"`

	Redis redis.Config `yaml:"redis"`

	// CleanupInterval is how often the memory store drops expired entries.
	// Default: 1 minute.
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

const (
	defaultCacheExpiration = time.Minute
	defaultCacheMaxEntries = 10000
	defaultCleanupInterval = time.Minute
	defaultAuditEventRate  = 1
	defaultAuditEventBurst = 20
)

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// withDefaults returns a copy of c with defaults applied.
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Clock = security.ClockOrDefault(c.Clock)
	if c.Profile == nil {
		c.Profile = identity.DefaultProfileService{}
	}

	if c.DeviceFlow.VerificationURI == "" && c.Issuer != "" {
		c.DeviceFlow.VerificationURI = util.NormalizeURL(c.Issuer) + "/device"
	}
	if c.DeviceFlow.Interval == 0 {
		c.DeviceFlow.Interval = device.DefaultInterval
	}

	if c.Caching.CORSExpiration == 0 {
		c.Caching.CORSExpiration = defaultCacheExpiration
	}
	if c.Caching.TokenValidationExpiration == 0 {
		c.Caching.TokenValidationExpiration = defaultCacheExpiration
	}
	if c.Caching.MaxEntries == 0 {
		c.Caching.MaxEntries = defaultCacheMaxEntries
	}

	if c.Security.AuditEventRate == 0 {
		c.Security.AuditEventRate = defaultAuditEventRate
	}
	if c.Security.AuditEventBurst == 0 {
		c.Security.AuditEventBurst = defaultAuditEventBurst
	}

	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = defaultCleanupInterval
	}
	if c.Storage.Redis.Logger == nil {
		c.Storage.Redis.Logger = c.Logger
	}
	return c
}

// Validate rejects configurations the provider cannot run with and logs
// warnings for insecure options.
func (c Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("issuer must not contain a query or fragment")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !c.Security.AllowInsecureHTTP && !util.IsLoopbackHostname(u.Hostname()) {
			return fmt.Errorf("issuer must use https (set security.allowInsecureHttp for development): %q", c.Issuer)
		}
	default:
		return fmt.Errorf("issuer must use https: %q", c.Issuer)
	}

	if c.DeviceFlow.Interval != 0 && c.DeviceFlow.Interval < device.DefaultInterval {
		return fmt.Errorf("device flow interval must be at least %s", device.DefaultInterval)
	}
	if c.Endpoints.EnableDeviceAuthorization && c.DeviceFlow.VerificationURI != "" {
		if _, err := url.Parse(c.DeviceFlow.VerificationURI); err != nil {
			return fmt.Errorf("invalid device verification URI: %w", err)
		}
	}
	if c.Caching.CORSExpiration < 0 || c.Caching.TokenValidationExpiration < 0 || c.Caching.MaxEntries < 0 {
		return errors.New("cache expirations and sizes must not be negative")
	}

	if c.Security.EncryptionKey != "" {
		if _, err := security.KeyFromBase64(c.Security.EncryptionKey); err != nil {
			return fmt.Errorf("invalid encryption key: %w", err)
		}
	}

	switch c.Storage.Type {
	case "", StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.Address == "" {
			return errors.New("storage.redis.address is required for redis storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure settings of the issuer and
// the configured clients.
func logSecurityWarnings(c Config, static *memory.StaticConfig) {
	logger := c.Logger
	if c.Security.AllowInsecureHTTP {
		logger.Warn("SECURITY WARNING: plain http issuer allowed",
			"risk", "Tokens and codes can be intercepted",
			"recommendation", "Serve the issuer over https")
	}
	if c.Security.EncryptionKey == "" {
		logger.Warn("Grant payloads are stored unencrypted",
			"recommendation", "Set security.encryptionKey")
	}
	if c.Keys.KeyDir == "" {
		logger.Warn("No key directory configured, using an ephemeral signing key",
			"risk", "Issued tokens become unverifiable after a restart")
	}
	for _, client := range static.Clients {
		if client.AllowPlainTextPKCE {
			logger.Warn("SECURITY WARNING: plain PKCE allowed",
				"client_id", client.ClientID,
				"risk", "Authorization code interception attacks",
				"recommendation", "Use S256 code challenges")
		}
		if !client.RequirePKCE && hasCodeFlow(client.AllowedGrantTypes) {
			logger.Warn("SECURITY WARNING: PKCE is not required",
				"client_id", client.ClientID,
				"recommendation", "Set requirePkce for OAuth 2.1 compliance")
		}
	}
}

func hasCodeFlow(grantTypes []string) bool {
	return slices.Contains(grantTypes, protocol.GrantTypeAuthorizationCode) ||
		slices.Contains(grantTypes, protocol.GrantTypeHybrid)
}
