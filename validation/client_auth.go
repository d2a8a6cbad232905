package validation

import (
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 thumbprints are still registered by some clients
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
)

// ClientCredentials are the raw client credentials of one request.
type ClientCredentials struct {
	ClientID string
	Secret   string

	// Basic is true when the credentials came from the Authorization header.
	Basic bool

	AssertionType string
	Assertion     string

	// Certificate is the verified client certificate of an mTLS connection.
	Certificate *x509.Certificate
}

// CredentialsFromRequest extracts client credentials from the form body and
// the Authorization header value. Presenting credentials in both places is an
// invalid_request (RFC 6749 2.3).
func CredentialsFromRequest(form url.Values, authorization string, cert *x509.Certificate) (ClientCredentials, error) {
	creds := ClientCredentials{
		ClientID:      strings.TrimSpace(form.Get(protocol.ParamClientID)),
		Secret:        form.Get(protocol.ParamClientSecret),
		AssertionType: form.Get(protocol.ParamClientAssertionType),
		Assertion:     form.Get(protocol.ParamClientAssertion),
		Certificate:   cert,
	}

	if authorization != "" {
		id, secret, ok := ParseBasicAuth(authorization)
		if !ok {
			return ClientCredentials{}, protocol.ErrInvalidClient()
		}
		if creds.Secret != "" || creds.Assertion != "" {
			return ClientCredentials{}, protocol.ErrInvalidRequest("multiple client authentication methods")
		}
		if creds.ClientID != "" && creds.ClientID != id {
			return ClientCredentials{}, protocol.ErrInvalidRequest("client_id mismatch")
		}
		creds.ClientID, creds.Secret, creds.Basic = id, secret, true
	}
	if creds.Secret != "" && creds.Assertion != "" {
		return ClientCredentials{}, protocol.ErrInvalidRequest("multiple client authentication methods")
	}
	if len(creds.ClientID) > MaxClientIDLength || len(creds.Assertion) > MaxAssertionLength {
		return ClientCredentials{}, protocol.ErrInvalidClient()
	}
	return creds, nil
}

// ParseBasicAuth parses a "Basic" Authorization header. Both parts are
// form-url-decoded as required by RFC 6749 2.3.1.
func ParseBasicAuth(authorization string) (clientID, secret string, ok bool) {
	const prefix = "Basic "
	if len(authorization) < len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authorization[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	id, sec, found := strings.Cut(string(raw), ":")
	if !found {
		return "", "", false
	}
	if clientID, err = url.QueryUnescape(id); err != nil {
		return "", "", false
	}
	if secret, err = url.QueryUnescape(sec); err != nil {
		return "", "", false
	}
	return clientID, secret, clientID != ""
}

// ClientAuthResult is an authenticated client.
type ClientAuthResult struct {
	Client *storage.Client

	// Method is the token endpoint authentication method that succeeded.
	Method string

	// Confirmation is set for certificate-bound clients and is copied into
	// the cnf claim of access tokens.
	Confirmation map[string]string
}

// ClientAuthenticatorConfig configures a ClientAuthenticator.
type ClientAuthenticatorConfig struct {
	Clients storage.ClientStore

	// Replay records client assertion jti values. Required for private_key_jwt.
	Replay storage.ReplayCache

	// Audiences accepted in client assertions: the token endpoint URL and the issuer.
	Audiences []string

	// MaxAssertionLifetime bounds exp - iat of client assertions. Default: 5 minutes.
	MaxAssertionLifetime time.Duration

	// ClockSkew tolerated for assertion time claims. Default: security.DefaultClockSkewGracePeriod.
	ClockSkew time.Duration

	// DummySharedSecret is the stored value a secret presented for an unknown
	// client is compared against, so that the failure takes as long as a
	// wrong secret for a known one. Default: a HashSharedSecret value. Set a
	// bcrypt hash of the registered cost when clients use bcrypt secrets.
	DummySharedSecret string

	Clock   security.Clock
	Logger  *slog.Logger
	Auditor *security.Auditor
	Metrics *instrumentation.Metrics
}

// ClientAuthenticator authenticates clients with shared secrets, private key
// JWT assertions or mTLS certificates. Every failure is the same
// invalid_client error on the wire; the reason is only logged.
type ClientAuthenticator struct {
	clients              storage.ClientStore
	replay               storage.ReplayCache
	audiences            []string
	maxAssertionLifetime time.Duration
	clockSkew            time.Duration
	clock                security.Clock
	logger               *slog.Logger
	auditor              *security.Auditor
	metrics              *instrumentation.Metrics
	dummySecret          string
}

// NewClientAuthenticator creates a client authenticator.
func NewClientAuthenticator(cfg ClientAuthenticatorConfig) *ClientAuthenticator {
	if cfg.MaxAssertionLifetime <= 0 {
		cfg.MaxAssertionLifetime = 5 * time.Minute
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = security.DefaultClockSkewGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DummySharedSecret == "" {
		cfg.DummySharedSecret = HashSharedSecret("dummy-client-secret")
	}
	return &ClientAuthenticator{
		clients:              cfg.Clients,
		replay:               cfg.Replay,
		audiences:            cfg.Audiences,
		maxAssertionLifetime: cfg.MaxAssertionLifetime,
		clockSkew:            cfg.ClockSkew,
		clock:                security.ClockOrDefault(cfg.Clock),
		logger:               cfg.Logger,
		auditor:              cfg.Auditor,
		metrics:              cfg.Metrics,
		dummySecret:          cfg.DummySharedSecret,
	}
}

// errAuthFailed carries the internal reason of an authentication failure.
type errAuthFailed struct {
	reason string
}

func (e *errAuthFailed) Error() string { return e.reason }

func authFailed(format string, args ...any) error {
	return &errAuthFailed{reason: fmt.Sprintf(format, args...)}
}

// Authenticate resolves and authenticates the client.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, creds ClientCredentials) (*ClientAuthResult, error) {
	method := credentialMethod(creds)

	if creds.ClientID == "" && creds.Assertion != "" {
		creds.ClientID = unverifiedIssuer(creds.Assertion)
	}
	if creds.ClientID == "" {
		return nil, a.fail(ctx, "", method, authFailed("client_id is missing"))
	}

	client, err := a.clients.FindEnabledClientByID(ctx, creds.ClientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load client: %w", err)
		}
		if creds.Secret != "" {
			// Spend the same time as a wrong secret would.
			_ = VerifySharedSecret(a.dummySecret, creds.Secret)
		}
		return nil, a.fail(ctx, creds.ClientID, method, authFailed("unknown or disabled client"))
	}

	result := &ClientAuthResult{Client: client, Method: method}
	switch method {
	case protocol.AuthMethodPrivateKeyJWT:
		err = a.validateAssertion(ctx, client, creds)
	case protocol.AuthMethodClientSecretBasic, protocol.AuthMethodClientSecretPost:
		err = a.validateSharedSecret(client, creds.Secret)
	case protocol.AuthMethodTLSClientAuth:
		result.Confirmation, err = a.validateCertificate(client, creds.Certificate)
	default:
		if client.RequireClientSecret {
			err = authFailed("client requires authentication")
		}
	}
	if err != nil {
		var failed *errAuthFailed
		if !errors.As(err, &failed) {
			return nil, err
		}
		return nil, a.fail(ctx, client.ClientID, method, err)
	}

	a.logger.Debug("Client authenticated", "client_id", client.ClientID, "method", method)
	a.auditor.LogEvent(security.Event{
		Type:     security.EventClientAuthSucceeded,
		ClientID: client.ClientID,
		Details:  map[string]any{"method": method},
	})
	return result, nil
}

func (a *ClientAuthenticator) fail(ctx context.Context, clientID, method string, reason error) error {
	a.logger.Info("Client authentication failed", "client_id", clientID, "method", method, "reason", reason.Error())
	a.auditor.LogClientAuthFailure(clientID, method, reason.Error())
	a.metrics.RecordClientAuthFailed(ctx, method)
	return protocol.ErrInvalidClient()
}

func credentialMethod(creds ClientCredentials) string {
	switch {
	case creds.Assertion != "":
		return protocol.AuthMethodPrivateKeyJWT
	case creds.Secret != "" && creds.Basic:
		return protocol.AuthMethodClientSecretBasic
	case creds.Secret != "":
		return protocol.AuthMethodClientSecretPost
	case creds.Certificate != nil:
		return protocol.AuthMethodTLSClientAuth
	default:
		return protocol.AuthMethodNone
	}
}

// validateSharedSecret accepts the secret if it matches any unexpired shared
// secret of the client.
func (a *ClientAuthenticator) validateSharedSecret(client *storage.Client, secret string) error {
	now := a.clock.Now()
	registered, expired := 0, 0
	for _, s := range client.Secrets {
		if s.Type != storage.SecretTypeSharedSecret {
			continue
		}
		registered++
		if s.IsExpired(now) {
			expired++
			continue
		}
		if VerifySharedSecret(s.Value, secret) {
			return nil
		}
	}
	switch {
	case registered == 0:
		return authFailed("client has no shared secrets")
	case registered == expired:
		return authFailed("all client secrets are expired")
	default:
		return authFailed("invalid client secret")
	}
}

// VerifySharedSecret compares a presented secret with a stored value, which is
// either a bcrypt hash or the base64 SHA-256 of the secret.
func VerifySharedSecret(stored, presented string) bool {
	if presented == "" {
		return false
	}
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	return security.ConstantTimeEquals(stored, security.Sha256Base64(presented))
}

// HashSharedSecret returns the value to register for a shared secret.
func HashSharedSecret(secret string) string {
	return security.Sha256Base64(secret)
}

func (a *ClientAuthenticator) validateAssertion(ctx context.Context, client *storage.Client, creds ClientCredentials) error {
	if creds.AssertionType != protocol.ClientAssertionTypeJWTBearer {
		return authFailed("unsupported client_assertion_type")
	}
	if a.replay == nil {
		return authFailed("client assertions are not enabled")
	}

	keys, err := clientJSONWebKeys(client, a.clock.Now())
	if err != nil {
		return authFailed("%v", err)
	}
	if len(keys) == 0 {
		return authFailed("client has no keys for assertions")
	}

	tok, err := jwt.ParseSigned(creds.Assertion, tokens.SupportedSignatureAlgorithms)
	if err != nil {
		return authFailed("malformed client assertion")
	}

	var claims jwt.Claims
	verified := false
	for _, k := range keys {
		if err := tok.Claims(k.Key, &claims); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return authFailed("client assertion signature is invalid")
	}

	now := a.clock.Now()
	err = claims.ValidateWithLeeway(jwt.Expected{
		Issuer:      client.ClientID,
		Subject:     client.ClientID,
		AnyAudience: jwt.Audience(a.audiences),
		Time:        now,
	}, a.clockSkew)
	if err != nil {
		return authFailed("client assertion claims are invalid: %v", err)
	}
	if claims.Expiry == nil {
		return authFailed("client assertion has no exp")
	}
	exp := claims.Expiry.Time()
	start := now
	if claims.IssuedAt != nil {
		start = claims.IssuedAt.Time()
	}
	if exp.Sub(start) > a.maxAssertionLifetime+a.clockSkew {
		return authFailed("client assertion lifetime is too long")
	}
	if claims.ID == "" {
		return authFailed("client assertion has no jti")
	}

	added, err := a.replay.AddIfAbsent(ctx, "client_assertion", client.ClientID+":"+claims.ID, exp.Add(a.clockSkew))
	if err != nil {
		return fmt.Errorf("failed to record client assertion: %w", err)
	}
	if !added {
		a.auditor.LogReplayDetected(security.EventClientAssertionReplay, "", client.ClientID, "")
		a.metrics.RecordReplayDetected(ctx, "client_assertion")
		return authFailed("client assertion was replayed")
	}
	return nil
}

// clientJSONWebKeys returns the unexpired public keys registered for
// client assertions.
func clientJSONWebKeys(client *storage.Client, now time.Time) ([]jose.JSONWebKey, error) {
	var out []jose.JSONWebKey
	for _, s := range client.Secrets {
		if s.Type != storage.SecretTypeJSONWebKey || s.IsExpired(now) {
			continue
		}
		var k jose.JSONWebKey
		if err := json.Unmarshal([]byte(s.Value), &k); err != nil {
			return nil, fmt.Errorf("invalid JWK registered for client: %w", err)
		}
		if !k.IsPublic() {
			k = k.Public()
		}
		out = append(out, k)
	}
	return out, nil
}

// unverifiedIssuer reads iss from an assertion without verifying it, to
// resolve the client when client_id was omitted (RFC 7523 3).
func unverifiedIssuer(assertion string) string {
	tok, err := jwt.ParseSigned(assertion, tokens.SupportedSignatureAlgorithms)
	if err != nil {
		return ""
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return ""
	}
	return claims.Issuer
}

func (a *ClientAuthenticator) validateCertificate(client *storage.Client, cert *x509.Certificate) (map[string]string, error) {
	now := a.clock.Now()
	sum := sha256.Sum256(cert.Raw)
	sha1Sum := sha1.Sum(cert.Raw) //nolint:gosec // thumbprint comparison only
	thumb256 := hex.EncodeToString(sum[:])
	thumb1 := hex.EncodeToString(sha1Sum[:])
	subject := cert.Subject.String()

	for _, s := range client.Secrets {
		if s.IsExpired(now) {
			continue
		}
		matched := false
		switch s.Type {
		case storage.SecretTypeX509Thumbprint:
			v := strings.ToLower(strings.ReplaceAll(s.Value, ":", ""))
			matched = security.ConstantTimeEquals(v, thumb256) || security.ConstantTimeEquals(v, thumb1)
		case storage.SecretTypeX509Name:
			matched = s.Value == subject
		}
		if matched {
			return CertificateConfirmation(cert), nil
		}
	}
	return nil, authFailed("client certificate does not match")
}

// CertificateConfirmation returns the cnf claim binding a token to cert
// (RFC 8705 3.1).
func CertificateConfirmation(cert *x509.Certificate) map[string]string {
	sum := sha256.Sum256(cert.Raw)
	return map[string]string{"x5t#S256": base64.RawURLEncoding.EncodeToString(sum[:])}
}
