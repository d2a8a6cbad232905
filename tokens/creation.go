package tokens

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/keys"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// NewReferenceTokenStore returns the typed grant store for reference tokens.
func NewReferenceTokenStore(store storage.PersistedGrantStore, encryptor *security.Encryptor) *storage.GrantStore[Token] {
	return storage.NewGrantStore[Token](storage.GrantKindReferenceToken, store, encryptor)
}

// CreationService serializes tokens as signed JWTs or reference handles.
type CreationService struct {
	keys       *keys.Service
	references *storage.GrantStore[Token]
	handles    HandleGenerator
	logger     *slog.Logger
}

// NewCreationService creates a token creation service. handles may be nil.
func NewCreationService(keySvc *keys.Service, references *storage.GrantStore[Token], handles HandleGenerator, logger *slog.Logger) *CreationService {
	if handles == nil {
		handles = RandomHandleGenerator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CreationService{keys: keySvc, references: references, handles: handles, logger: logger}
}

// CreateToken serializes t. Access tokens of type reference are persisted
// and their handle returned; everything else becomes a signed JWT.
func (s *CreationService) CreateToken(ctx context.Context, t *Token) (string, error) {
	if t.Kind == KindAccessToken && t.AccessTokenType == storage.AccessTokenTypeReference {
		return s.createReference(ctx, t)
	}
	return s.CreateJWT(ctx, t)
}

// CreateJWT signs t with the credential selected for its allowed algorithms.
func (s *CreationService) CreateJWT(ctx context.Context, t *Token) (string, error) {
	jti := ""
	if t.IncludeJwtID {
		jti = uuid.NewString()
	}
	return s.Sign(ctx, t.Payload(jti), t.JWTType(), t.AllowedSigningAlgorithms)
}

// Sign produces a compact JWS over claims with the given typ header.
func (s *CreationService) Sign(ctx context.Context, claims map[string]any, typ string, allowedAlgorithms []string) (string, error) {
	cred, err := s.keys.GetSigningCredentials(ctx, allowedAlgorithms)
	if err != nil {
		return "", err
	}

	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(cred.SigningKey(), opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return raw, nil
}

// SigningAlgorithm returns the algorithm Sign would use. Identity token
// hashes (at_hash, c_hash) depend on it.
func (s *CreationService) SigningAlgorithm(ctx context.Context, allowedAlgorithms []string) (string, error) {
	cred, err := s.keys.GetSigningCredentials(ctx, allowedAlgorithms)
	if err != nil {
		return "", err
	}
	return cred.Algorithm, nil
}

func (s *CreationService) createReference(ctx context.Context, t *Token) (string, error) {
	if s.references == nil {
		return "", fmt.Errorf("reference tokens are not configured")
	}
	handle, err := s.handles.Generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate reference token handle: %w", err)
	}

	err = s.references.Store(ctx, handle, t, storage.GrantMeta{
		ClientID:     t.ClientID,
		SubjectID:    t.SubjectID,
		SessionID:    t.SessionID,
		FamilyID:     t.FamilyID,
		Description:  t.Description,
		CreationTime: t.CreationTime,
		Expiration:   t.ExpiresAt(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store reference token: %w", err)
	}

	s.logger.Debug("Stored reference token",
		"client_id", t.ClientID,
		"handle_prefix", util.SafeTruncate(handle, 8))
	return handle, nil
}
