package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/keys"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// SupportedSignatureAlgorithms are accepted when parsing JWTs.
var SupportedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// ValidationResult is a successfully validated token. It is shared between
// callers by the caching decorator and must be treated as read-only.
type ValidationResult struct {
	Kind      Kind
	Reference bool
	Claims    map[string]any
	Client    *storage.Client
}

// Subject returns the sub claim.
func (r *ValidationResult) Subject() string { return stringClaim(r.Claims, protocol.ClaimSubject) }

// ClientID returns the client_id claim.
func (r *ValidationResult) ClientID() string { return stringClaim(r.Claims, protocol.ClaimClientID) }

// SessionID returns the sid claim.
func (r *ValidationResult) SessionID() string { return stringClaim(r.Claims, protocol.ClaimSessionID) }

// Scopes returns the space separated scope claim as a list.
func (r *ValidationResult) Scopes() []string {
	return protocol.ParseScopes(stringClaim(r.Claims, protocol.ClaimScope))
}

// Audiences returns the aud claim, which may be a string or an array.
func (r *ValidationResult) Audiences() []string {
	return stringsClaim(r.Claims, protocol.ClaimAudience)
}

// ExpiresAt returns the exp claim.
func (r *ValidationResult) ExpiresAt() time.Time {
	return timeClaim(r.Claims, protocol.ClaimExpiration)
}

// TokenValidator validates presented access and identity tokens.
type TokenValidator interface {
	// ValidateAccessToken validates a JWT or reference access token. A
	// non-empty expectedScope must be among the token's scopes.
	ValidateAccessToken(ctx context.Context, token, expectedScope string) (*ValidationResult, error)

	// ValidateIdentityToken validates an identity token issued by this
	// provider. A non-empty clientID must be an audience; expired tokens are
	// accepted when validateLifetime is false (id_token_hint).
	ValidateIdentityToken(ctx context.Context, token, clientID string, validateLifetime bool) (*ValidationResult, error)
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	Issuer     string
	Keys       *keys.Service
	References *storage.GrantStore[Token]
	Clients    storage.ClientStore
	Profile    identity.ProfileService // optional: inactive subjects are rejected
	Clock      security.Clock
	Logger     *slog.Logger
}

// Validator validates tokens issued by this provider.
type Validator struct {
	issuer     string
	keys       *keys.Service
	references *storage.GrantStore[Token]
	clients    storage.ClientStore
	profile    identity.ProfileService
	clock      security.Clock
	logger     *slog.Logger
}

var _ TokenValidator = (*Validator)(nil)

// NewValidator creates a token validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Validator{
		issuer:     strings.ToLower(cfg.Issuer),
		keys:       cfg.Keys,
		references: cfg.References,
		clients:    cfg.Clients,
		profile:    cfg.Profile,
		clock:      security.ClockOrDefault(cfg.Clock),
		logger:     cfg.Logger,
	}
}

func invalidToken(desc string) *protocol.Error {
	return protocol.NewError(protocol.ErrorInvalidToken, desc)
}

// ValidateAccessToken implements TokenValidator.
func (v *Validator) ValidateAccessToken(ctx context.Context, token, expectedScope string) (*ValidationResult, error) {
	if token == "" {
		return nil, invalidToken("token is missing")
	}

	var result *ValidationResult
	var err error
	if strings.Contains(token, ".") {
		result, err = v.validateJWT(ctx, token, KindAccessToken, true)
	} else {
		result, err = v.validateReference(ctx, token)
	}
	if err != nil {
		return nil, err
	}

	clientID := result.ClientID()
	if clientID == "" {
		return nil, invalidToken("token has no client_id")
	}
	client, err := v.clients.FindEnabledClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidToken("client is unknown or disabled")
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	result.Client = client

	if expectedScope != "" && !slices.Contains(result.Scopes(), expectedScope) {
		return nil, protocol.NewError(protocol.ErrorInsufficientScope, "")
	}

	if err := v.checkSubjectActive(ctx, result, clientID); err != nil {
		return nil, err
	}
	return result, nil
}

// ValidateIdentityToken implements TokenValidator.
func (v *Validator) ValidateIdentityToken(ctx context.Context, token, clientID string, validateLifetime bool) (*ValidationResult, error) {
	if token == "" {
		return nil, invalidToken("token is missing")
	}
	result, err := v.validateJWT(ctx, token, KindIdentityToken, validateLifetime)
	if err != nil {
		return nil, err
	}
	if result.Subject() == "" {
		return nil, invalidToken("identity token has no subject")
	}

	auds := result.Audiences()
	if clientID != "" && !slices.Contains(auds, clientID) {
		return nil, invalidToken("audience mismatch")
	}
	if clientID == "" && len(auds) > 0 {
		clientID = auds[0]
	}

	client, err := v.clients.FindEnabledClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidToken("client is unknown or disabled")
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	result.Client = client

	if validateLifetime {
		if err := v.checkSubjectActive(ctx, result, clientID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (v *Validator) validateJWT(ctx context.Context, raw string, kind Kind, validateLifetime bool) (*ValidationResult, error) {
	tok, err := jwt.ParseSigned(raw, SupportedSignatureAlgorithms)
	if err != nil || len(tok.Headers) == 0 {
		return nil, invalidToken("malformed token")
	}
	header := tok.Headers[0]

	typ, _ := header.ExtraHeaders[jose.HeaderType].(string)
	isAccessToken := strings.EqualFold(typ, protocol.JWTTypeAccessToken)
	if (kind == KindAccessToken) != isAccessToken {
		return nil, invalidToken("unexpected token type")
	}

	candidates, err := v.keys.VerificationKeys(ctx, header.KeyID, header.Algorithm)
	if err != nil {
		return nil, err
	}

	var claims map[string]any
	verified := false
	for _, k := range candidates {
		if err := tok.Claims(k.PublicKey, &claims); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, invalidToken("signature validation failed")
	}

	if stringClaim(claims, protocol.ClaimIssuer) != v.issuer {
		return nil, invalidToken("issuer mismatch")
	}

	now := v.clock.Now()
	if validateLifetime {
		exp := timeClaim(claims, protocol.ClaimExpiration)
		if exp.IsZero() || security.IsExpired(now, exp) {
			return nil, invalidToken("token expired")
		}
		if nbf := timeClaim(claims, protocol.ClaimNotBefore); !nbf.IsZero() && now.Before(nbf) {
			return nil, invalidToken("token not yet valid")
		}
	}

	return &ValidationResult{Kind: kind, Claims: claims}, nil
}

func (v *Validator) validateReference(ctx context.Context, handle string) (*ValidationResult, error) {
	if v.references == nil {
		return nil, invalidToken("reference tokens are not supported")
	}
	t, _, err := v.references.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidToken("token not found")
		}
		return nil, fmt.Errorf("failed to load reference token: %w", err)
	}

	if security.IsExpired(v.clock.Now(), t.ExpiresAt()) {
		if err := v.references.Remove(ctx, handle); err != nil {
			v.logger.Warn("Failed to remove expired reference token", "error", err)
		}
		return nil, invalidToken("token expired")
	}

	return &ValidationResult{
		Kind:      KindAccessToken,
		Reference: true,
		Claims:    normalizeClaims(t.Payload("")),
	}, nil
}

func (v *Validator) checkSubjectActive(ctx context.Context, result *ValidationResult, clientID string) error {
	sub := result.Subject()
	if v.profile == nil || sub == "" {
		return nil
	}
	active, err := v.profile.IsActive(ctx, &identity.Principal{Subject: sub}, clientID, identity.CallerAccessToken)
	if err != nil {
		return fmt.Errorf("failed to check subject: %w", err)
	}
	if !active {
		return invalidToken("subject is not active")
	}
	return nil
}

// normalizeClaims round-trips claims through JSON so that reference and JWT
// results share the same value types.
func normalizeClaims(in map[string]any) map[string]any {
	data, err := json.Marshal(in)
	if err != nil {
		return in
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return in
	}
	return out
}

func stringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

func stringsClaim(claims map[string]any, name string) []string {
	switch v := claims[name].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func timeClaim(claims map[string]any, name string) time.Time {
	switch v := claims[name].(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0).UTC()
		}
	}
	return time.Time{}
}
