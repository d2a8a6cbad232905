package response

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/tokens"
	"github.com/giantswarm/oauth-provider/validation"
)

// TokenResponse is the JSON body of a successful token response.
type TokenResponse struct {
	AccessToken   string `json:"access_token"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int    `json:"expires_in"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	IdentityToken string `json:"id_token,omitempty"`
	Scope         string `json:"scope,omitempty"`

	// Custom holds extension grant output. It never overrides the
	// standard fields.
	Custom map[string]any `json:"-"`
}

// MarshalJSON merges Custom into the standard fields.
func (r TokenResponse) MarshalJSON() ([]byte, error) {
	type plain TokenResponse
	if len(r.Custom) == 0 {
		return json.Marshal(plain(r))
	}
	std, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	merged := map[string]any{}
	if err := json.Unmarshal(std, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Custom {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// TokenConfig configures a TokenResponseGenerator.
type TokenConfig struct {
	Tokens        *tokens.Service
	RefreshTokens *tokens.RefreshTokenService

	Auditor         *security.Auditor
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// TokenResponseGenerator issues tokens for validated token requests.
type TokenResponseGenerator struct {
	tokens        *tokens.Service
	refreshTokens *tokens.RefreshTokenService
	auditor       *security.Auditor
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *instrumentation.Metrics
}

// NewTokenResponseGenerator creates a token response generator.
func NewTokenResponseGenerator(cfg TokenConfig) *TokenResponseGenerator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TokenResponseGenerator{
		tokens:        cfg.Tokens,
		refreshTokens: cfg.RefreshTokens,
		auditor:       cfg.Auditor,
		logger:        cfg.Logger,
		tracer:        cfg.Instrumentation.Tracer("response"),
		metrics:       cfg.Instrumentation.Metrics(),
	}
}

// Process builds the token response for req.
//
// A refresh token is issued when offline_access was granted to a subject,
// and always replaces the one redeemed by a refresh grant.
// An identity token is issued for the code, refresh and device grants when
// openid was granted.
func (g *TokenResponseGenerator) Process(ctx context.Context, req *validation.ValidatedTokenRequest) (resp *TokenResponse, err error) {
	ctx, span := instrumentation.StartSpan(ctx, g.tracer, "response.token",
		attribute.String(instrumentation.AttrGrantType, req.GrantType))
	defer func() { instrumentation.EndSpan(span, err) }()

	subject := req.Subject
	familyID := req.FamilyID
	if familyID == "" && subject.IsAuthenticated() {
		familyID = uuid.NewString()
	}
	instrumentation.AddTokenFamilyAttributes(span, familyID)

	at, err := g.tokens.CreateAccessToken(ctx, tokens.Request{
		Client:       req.Client,
		Subject:      subject,
		Resources:    req.Resources,
		SessionID:    req.SessionID,
		Confirmation: req.Confirmation,
		Description:  description(req),
	})
	if err != nil {
		return nil, err
	}
	at.FamilyID = familyID

	resp = &TokenResponse{
		TokenType: protocol.TokenTypeBearer,
		ExpiresIn: int(at.Lifetime.Seconds()),
		Scope:     protocol.JoinScopes(at.Scopes),
		Custom:    req.CustomResponse,
	}
	if resp.AccessToken, err = g.tokens.Serialize(ctx, at); err != nil {
		return nil, err
	}
	g.metrics.RecordTokenIssued(ctx, req.GrantType, "access_token")

	if g.refreshTokens != nil {
		switch {
		case req.RefreshToken != nil:
			// The redeemed handle is already spent under rotation, so its
			// successor is returned even when the narrowed scope drops
			// offline_access.
			resp.RefreshToken, err = g.refreshTokens.UpdateRefreshToken(ctx, req.RefreshToken, at, req.Client)
		case req.Resources.OfflineAccess && subject.IsAuthenticated():
			resp.RefreshToken, err = g.refreshTokens.CreateRefreshToken(ctx, subject, at, req.Client, familyID)
		}
		if err != nil {
			return nil, err
		}
		if resp.RefreshToken != "" {
			g.metrics.RecordTokenIssued(ctx, req.GrantType, "refresh_token")
		}
	}

	if g.issuesIdentityToken(req) {
		if resp.IdentityToken, err = g.identityToken(ctx, req, resp.AccessToken); err != nil {
			return nil, err
		}
		g.metrics.RecordTokenIssued(ctx, req.GrantType, "id_token")
	}

	userID := ""
	if subject.IsAuthenticated() {
		userID = subject.Subject
	}
	g.auditor.LogTokenIssued(userID, req.Client.ClientID, req.GrantType, resp.Scope)
	g.logger.Debug("Issued tokens",
		"client_id", req.Client.ClientID,
		"grant_type", req.GrantType,
		"refresh_token", resp.RefreshToken != "",
		"id_token", resp.IdentityToken != "")
	return resp, nil
}

func (g *TokenResponseGenerator) issuesIdentityToken(req *validation.ValidatedTokenRequest) bool {
	if !req.Subject.IsAuthenticated() {
		return false
	}
	switch req.GrantType {
	case protocol.GrantTypeAuthorizationCode:
		return req.AuthorizationCode != nil && req.AuthorizationCode.IsOpenID && validation.IsOpenID(req.Resources)
	case protocol.GrantTypeRefreshToken, protocol.GrantTypeDeviceCode:
		return validation.IsOpenID(req.Resources)
	default:
		return false
	}
}

func (g *TokenResponseGenerator) identityToken(ctx context.Context, req *validation.ValidatedTokenRequest, accessToken string) (string, error) {
	idReq := tokens.Request{
		Client:            req.Client,
		Subject:           req.Subject,
		Resources:         req.Resources,
		SessionID:         req.SessionID,
		AccessTokenToHash: accessToken,
	}
	if req.AuthorizationCode != nil {
		idReq.Nonce = req.AuthorizationCode.Nonce
	}
	it, err := g.tokens.CreateIdentityToken(ctx, idReq)
	if err != nil {
		return "", err
	}
	if req.AuthorizationCode != nil && req.AuthorizationCode.StateHash != "" {
		it.Claims = append(it.Claims, identity.Claim{Type: protocol.ClaimStateHash, Value: req.AuthorizationCode.StateHash})
	}
	return g.tokens.Serialize(ctx, it)
}

func description(req *validation.ValidatedTokenRequest) string {
	switch {
	case req.AuthorizationCode != nil && req.AuthorizationCode.Description != "":
		return req.AuthorizationCode.Description
	case req.RefreshToken != nil && req.RefreshToken.Token.Description != "":
		return req.RefreshToken.Token.Description
	case req.DeviceCode != nil && req.DeviceCode.Description != "":
		return req.DeviceCode.Description
	default:
		return req.Client.ClientName
	}
}
