package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// ServiceConfig configures token building.
type ServiceConfig struct {
	// Issuer is written to iss. It is lower-cased.
	Issuer string

	// EmitStaticAudience adds "<issuer>/resources" to every access token audience.
	EmitStaticAudience bool

	Profile identity.ProfileService
	Clock   security.Clock
	Logger  *slog.Logger
}

// Service builds access and identity tokens for a validated request and
// serializes them through a CreationService.
type Service struct {
	issuer             string
	emitStaticAudience bool
	creation           *CreationService
	profile            identity.ProfileService
	clock              security.Clock
	logger             *slog.Logger
}

// NewService creates a token service.
func NewService(cfg ServiceConfig, creation *CreationService) *Service {
	if cfg.Profile == nil {
		cfg.Profile = identity.DefaultProfileService{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		issuer:             strings.ToLower(cfg.Issuer),
		emitStaticAudience: cfg.EmitStaticAudience,
		creation:           creation,
		profile:            cfg.Profile,
		clock:              security.ClockOrDefault(cfg.Clock),
		logger:             cfg.Logger,
	}
}

// Issuer returns the canonical issuer.
func (s *Service) Issuer() string {
	return s.issuer
}

// Creation returns the underlying creation service.
func (s *Service) Creation() *CreationService {
	return s.creation
}

// Request describes the tokens to build.
type Request struct {
	Client    *storage.Client
	Subject   *identity.Principal // nil for client_credentials
	Resources *storage.Resources
	SessionID string
	Nonce     string

	// Values hashed into at_hash, c_hash and s_hash of identity tokens.
	AccessTokenToHash       string
	AuthorizationCodeToHash string
	StateToHash             string

	// IncludeAllIdentityClaims puts identity resource claims into the
	// identity token (no access token is issued, so userinfo is unavailable).
	IncludeAllIdentityClaims bool

	Confirmation map[string]string
	Description  string
}

// CreateAccessToken builds, but does not serialize, an access token.
func (s *Service) CreateAccessToken(ctx context.Context, req Request) (*Token, error) {
	if req.Client == nil || req.Resources == nil {
		return nil, fmt.Errorf("access token request requires client and resources")
	}

	t := &Token{
		Kind:            KindAccessToken,
		Issuer:          s.issuer,
		Audiences:       req.Resources.Audiences(),
		ClientID:        req.Client.ClientID,
		Scopes:          req.Resources.ScopeNames(),
		Confirmation:    req.Confirmation,
		CreationTime:    s.clock.Now(),
		Lifetime:        req.Client.AccessTokenLifetime,
		AccessTokenType: req.Client.AccessTokenType,
		Description:     req.Description,
		IncludeJwtID:    req.Client.IncludeJwtID,
	}
	if s.emitStaticAudience {
		t.Audiences = append(t.Audiences, s.issuer+"/resources")
	}
	for _, api := range req.Resources.APIResources {
		for _, alg := range api.AllowedAccessTokenSigningAlgorithms {
			if !slices.Contains(t.AllowedSigningAlgorithms, alg) {
				t.AllowedSigningAlgorithms = append(t.AllowedSigningAlgorithms, alg)
			}
		}
	}

	if req.Subject.IsAuthenticated() {
		t.SubjectID = req.Subject.Subject
		t.SessionID = firstNonEmpty(req.SessionID, req.Subject.SessionID)
		t.Claims = append(t.Claims, principalClaims(req.Subject)...)

		userClaims, err := s.profile.GetProfileData(ctx, identity.ProfileDataRequest{
			Subject:             req.Subject,
			ClientID:            req.Client.ClientID,
			Caller:              identity.CallerAccessToken,
			RequestedClaimTypes: req.Resources.APIUserClaimTypes(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load profile data: %w", err)
		}
		t.Claims = append(t.Claims, userClaims...)
	}

	if !req.Subject.IsAuthenticated() || req.Client.AlwaysSendClientClaims {
		for _, c := range req.Client.Claims {
			t.Claims = append(t.Claims, identity.Claim{Type: req.Client.ClientClaimsPrefix + c.Type, Value: c.Value})
		}
	}
	return t, nil
}

// CreateIdentityToken builds, but does not serialize, an identity token.
func (s *Service) CreateIdentityToken(ctx context.Context, req Request) (*Token, error) {
	if req.Client == nil || !req.Subject.IsAuthenticated() {
		return nil, fmt.Errorf("identity token request requires client and subject")
	}

	t := &Token{
		Kind:                     KindIdentityToken,
		Issuer:                   s.issuer,
		Audiences:                []string{req.Client.ClientID},
		ClientID:                 req.Client.ClientID,
		SubjectID:                req.Subject.Subject,
		SessionID:                firstNonEmpty(req.SessionID, req.Subject.SessionID),
		CreationTime:             s.clock.Now(),
		Lifetime:                 req.Client.IdentityTokenLifetime,
		AllowedSigningAlgorithms: req.Client.AllowedIdentityTokenSigningAlgorithms,
		Description:              req.Description,
	}
	t.Claims = append(t.Claims, principalClaims(req.Subject)...)
	if req.Nonce != "" {
		t.Claims = append(t.Claims, identity.Claim{Type: protocol.ClaimNonce, Value: req.Nonce})
	}

	if req.AccessTokenToHash != "" || req.AuthorizationCodeToHash != "" || req.StateToHash != "" {
		alg, err := s.creation.SigningAlgorithm(ctx, t.AllowedSigningAlgorithms)
		if err != nil {
			return nil, err
		}
		if req.AccessTokenToHash != "" {
			t.Claims = append(t.Claims, identity.Claim{Type: protocol.ClaimAccessTokenHash, Value: security.LeftHalfHash(alg, req.AccessTokenToHash)})
		}
		if req.AuthorizationCodeToHash != "" {
			t.Claims = append(t.Claims, identity.Claim{Type: protocol.ClaimCodeHash, Value: security.LeftHalfHash(alg, req.AuthorizationCodeToHash)})
		}
		if req.StateToHash != "" {
			t.Claims = append(t.Claims, identity.Claim{Type: protocol.ClaimStateHash, Value: security.LeftHalfHash(alg, req.StateToHash)})
		}
	}

	if (req.IncludeAllIdentityClaims || req.Client.AlwaysIncludeUserClaimsInIDToken) && req.Resources != nil {
		userClaims, err := s.profile.GetProfileData(ctx, identity.ProfileDataRequest{
			Subject:             req.Subject,
			ClientID:            req.Client.ClientID,
			Caller:              identity.CallerIdentityToken,
			RequestedClaimTypes: req.Resources.UserClaimTypes(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load profile data: %w", err)
		}
		t.Claims = append(t.Claims, userClaims...)
	}
	return t, nil
}

// Serialize turns t into its wire form.
func (s *Service) Serialize(ctx context.Context, t *Token) (string, error) {
	return s.creation.CreateToken(ctx, t)
}

// principalClaims returns the authentication claims every token about a
// subject carries.
func principalClaims(p *identity.Principal) []identity.Claim {
	var claims []identity.Claim
	if !p.AuthTime.IsZero() {
		claims = append(claims, identity.Claim{Type: protocol.ClaimAuthTime, Value: strconv.FormatInt(p.AuthTime.Unix(), 10)})
	}
	if p.IdentityProvider != "" {
		claims = append(claims, identity.Claim{Type: protocol.ClaimIdentityProvider, Value: p.IdentityProvider})
	}
	for _, amr := range p.AuthenticationMethods {
		claims = append(claims, identity.Claim{Type: protocol.ClaimAuthMethods, Value: amr})
	}
	return claims
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
