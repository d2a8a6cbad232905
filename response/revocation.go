package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
	"github.com/giantswarm/oauth-provider/validation"
)

// RevocationResult tells which kind of token was revoked, if any.
type RevocationResult struct {
	// TokenType is access_token or refresh_token; empty when the token was
	// unknown or not revocable.
	TokenType string
}

// RevocationConfig configures a RevocationResponseGenerator.
type RevocationConfig struct {
	Grants        storage.PersistedGrantStore
	Encryptor     *security.Encryptor
	RefreshTokens *tokens.RefreshTokenService

	// Cache, when set, has revoked reference tokens evicted.
	Cache *tokens.CachingValidator

	Auditor         *security.Auditor
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// RevocationResponseGenerator revokes tokens for RFC 7009 requests.
// Unknown tokens are not an error.
type RevocationResponseGenerator struct {
	references    *storage.GrantStore[tokens.Token]
	refreshTokens *tokens.RefreshTokenService
	cache         *tokens.CachingValidator
	auditor       *security.Auditor
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *instrumentation.Metrics
}

// NewRevocationResponseGenerator creates a revocation generator.
func NewRevocationResponseGenerator(cfg RevocationConfig) *RevocationResponseGenerator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RevocationResponseGenerator{
		references:    tokens.NewReferenceTokenStore(cfg.Grants, cfg.Encryptor),
		refreshTokens: cfg.RefreshTokens,
		cache:         cfg.Cache,
		auditor:       cfg.Auditor,
		logger:        cfg.Logger,
		tracer:        cfg.Instrumentation.Tracer("response"),
		metrics:       cfg.Instrumentation.Metrics(),
	}
}

// Process revokes req.Token. The hint only decides which kind is tried
// first. Tokens owned by another client are left alone.
func (g *RevocationResponseGenerator) Process(ctx context.Context, req *validation.ValidatedRevocationRequest) (result *RevocationResult, err error) {
	ctx, span := instrumentation.StartSpan(ctx, g.tracer, "response.revocation")
	defer func() { instrumentation.EndSpan(span, err) }()

	order := []string{protocol.TokenTypeHintAccessToken, protocol.TokenTypeHintRefreshToken}
	if req.TokenTypeHint == protocol.TokenTypeHintRefreshToken {
		order = []string{protocol.TokenTypeHintRefreshToken, protocol.TokenTypeHintAccessToken}
	}

	for _, kind := range order {
		var revoked bool
		switch kind {
		case protocol.TokenTypeHintAccessToken:
			revoked, err = g.revokeReferenceToken(ctx, req)
		case protocol.TokenTypeHintRefreshToken:
			revoked, err = g.revokeRefreshToken(ctx, req)
		}
		if err != nil {
			return nil, err
		}
		if revoked {
			g.metrics.RecordTokenRevocation(ctx, kind)
			g.auditor.LogEvent(security.Event{
				Type:     security.EventTokenRevoked,
				ClientID: req.Client.ClientID,
				Details:  map[string]any{"token_type": kind},
			})
			return &RevocationResult{TokenType: kind}, nil
		}
	}

	g.logger.Debug("Revocation request for unknown token",
		"client_id", req.Client.ClientID,
		"token_prefix", util.SafeTruncate(req.Token, 8))
	return &RevocationResult{}, nil
}

func (g *RevocationResponseGenerator) revokeReferenceToken(ctx context.Context, req *validation.ValidatedRevocationRequest) (bool, error) {
	t, _, err := g.references.Get(ctx, req.Token)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load reference token: %w", err)
	}
	if t.ClientID != req.Client.ClientID {
		g.logger.Warn("Client tried to revoke a reference token of another client",
			"client_id", req.Client.ClientID, "token_client_id", t.ClientID)
		return false, nil
	}
	if err := g.references.Remove(ctx, req.Token); err != nil {
		return false, fmt.Errorf("failed to remove reference token: %w", err)
	}
	if g.cache != nil {
		g.cache.Evict(req.Token)
	}
	return true, nil
}

func (g *RevocationResponseGenerator) revokeRefreshToken(ctx context.Context, req *validation.ValidatedRevocationRequest) (bool, error) {
	if g.refreshTokens == nil {
		return false, nil
	}
	rt, err := g.refreshTokens.RemoveRefreshToken(ctx, req.Token, req.Client.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// Reference tokens issued from the same grant go with it.
	if err := g.refreshTokens.RevokeFamily(ctx, rt.FamilyID, "refresh token revoked"); err != nil {
		return false, err
	}
	return true, nil
}
