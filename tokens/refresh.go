package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// RefreshToken is the persisted payload of a refresh token.
type RefreshToken struct {
	ClientID     string              `json:"client_id"`
	Subject      *identity.Principal `json:"subject"`
	SessionID    string              `json:"session_id,omitempty"`
	AccessToken  *Token              `json:"access_token"`
	CreationTime time.Time           `json:"creation_time"`
	Lifetime     time.Duration       `json:"lifetime"` // zero means no expiry
	FamilyID     string              `json:"family_id"`
	Version      int                 `json:"version"`
	Description  string              `json:"description,omitempty"`
}

// ExpiresAt returns the expiry, or the zero time for unbounded tokens.
func (r *RefreshToken) ExpiresAt() time.Time {
	if r.Lifetime <= 0 {
		return time.Time{}
	}
	return r.CreationTime.Add(r.Lifetime)
}

// Scopes returns the scopes granted with the token.
func (r *RefreshToken) Scopes() []string {
	if r.AccessToken == nil {
		return nil
	}
	return r.AccessToken.Scopes
}

// RotationPolicy decides what presenting a refresh token does to its handle.
type RotationPolicy interface {
	Name() string

	// Redeem claims the handle for one exchange. Under rotation it
	// atomically consumes the handle; a lost race is storage.ErrAlreadyConsumed.
	Redeem(ctx context.Context, store *storage.GrantStore[RefreshToken], handle string, now time.Time) error

	// Rotates reports whether exchanges issue a new handle.
	Rotates() bool
}

// RotateOnUse issues a new handle on every exchange and keeps the old one
// as a consumed record for replay detection.
type RotateOnUse struct{}

func (RotateOnUse) Name() string  { return string(storage.RefreshTokenOneTimeOnly) }
func (RotateOnUse) Rotates() bool { return true }

func (RotateOnUse) Redeem(ctx context.Context, store *storage.GrantStore[RefreshToken], handle string, now time.Time) error {
	_, _, err := store.Consume(ctx, handle, now)
	return err
}

// ReuseHandle keeps one handle for the token's whole lifetime.
type ReuseHandle struct{}

func (ReuseHandle) Name() string  { return string(storage.RefreshTokenReUse) }
func (ReuseHandle) Rotates() bool { return false }

func (ReuseHandle) Redeem(context.Context, *storage.GrantStore[RefreshToken], string, time.Time) error {
	return nil
}

// ExpirationPolicy computes refresh token lifetimes.
type ExpirationPolicy interface {
	Name() string

	// Initial returns the lifetime of a new token; zero means unbounded.
	Initial() time.Duration

	// Renew returns the lifetime, measured from CreationTime, after the
	// token was used at now.
	Renew(rt *RefreshToken, now time.Time) time.Duration
}

// AbsoluteExpiration expires tokens a fixed time after the original grant.
type AbsoluteExpiration struct {
	Lifetime time.Duration
}

func (AbsoluteExpiration) Name() string { return string(storage.RefreshTokenExpirationAbsolute) }

func (e AbsoluteExpiration) Initial() time.Duration { return e.Lifetime }

func (e AbsoluteExpiration) Renew(rt *RefreshToken, _ time.Time) time.Duration { return rt.Lifetime }

// SlidingExpiration extends the lifetime by Sliding on every use, capped at
// Absolute when Absolute is positive.
type SlidingExpiration struct {
	Sliding  time.Duration
	Absolute time.Duration
}

func (SlidingExpiration) Name() string { return string(storage.RefreshTokenExpirationSliding) }

func (e SlidingExpiration) Initial() time.Duration {
	if e.Absolute > 0 && e.Absolute < e.Sliding {
		return e.Absolute
	}
	return e.Sliding
}

func (e SlidingExpiration) Renew(rt *RefreshToken, now time.Time) time.Duration {
	lifetime := now.Sub(rt.CreationTime) + e.Sliding
	if e.Absolute > 0 && lifetime > e.Absolute {
		lifetime = e.Absolute
	}
	return lifetime
}

// Policy is the refresh token behaviour of one client.
type Policy struct {
	Rotation   RotationPolicy
	Expiration ExpirationPolicy
}

// PolicyFor resolves the strategies configured on a client.
func PolicyFor(c *storage.Client) Policy {
	var p Policy
	switch c.RefreshTokenUsage {
	case storage.RefreshTokenReUse:
		p.Rotation = ReuseHandle{}
	default:
		p.Rotation = RotateOnUse{}
	}
	switch c.RefreshTokenExpiration {
	case storage.RefreshTokenExpirationSliding:
		p.Expiration = SlidingExpiration{Sliding: c.SlidingRefreshTokenLifetime, Absolute: c.AbsoluteRefreshTokenLifetime}
	default:
		p.Expiration = AbsoluteExpiration{Lifetime: c.AbsoluteRefreshTokenLifetime}
	}
	return p
}

// RedeemedRefreshToken is a refresh token that passed validation. It is
// claimed for one exchange once RedeemRefreshToken succeeds.
type RedeemedRefreshToken struct {
	Handle string
	Token  *RefreshToken
}

// RefreshTokenServiceConfig configures a RefreshTokenService.
type RefreshTokenServiceConfig struct {
	Grants    storage.PersistedGrantStore
	Encryptor *security.Encryptor
	Handles   HandleGenerator
	Profile   identity.ProfileService
	Auditor   *security.Auditor
	Clock     security.Clock
	Logger    *slog.Logger
	Metrics   *instrumentation.Metrics
}

// RefreshTokenService issues refresh tokens and redeems them under the
// client's Policy.
type RefreshTokenService struct {
	grants  storage.PersistedGrantStore
	store   *storage.GrantStore[RefreshToken]
	handles HandleGenerator
	profile identity.ProfileService
	auditor *security.Auditor
	clock   security.Clock
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewRefreshTokenService creates a refresh token service.
func NewRefreshTokenService(cfg RefreshTokenServiceConfig) *RefreshTokenService {
	if cfg.Handles == nil {
		cfg.Handles = RandomHandleGenerator{}
	}
	if cfg.Profile == nil {
		cfg.Profile = identity.DefaultProfileService{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RefreshTokenService{
		grants:  cfg.Grants,
		store:   storage.NewGrantStore[RefreshToken](storage.GrantKindRefreshToken, cfg.Grants, cfg.Encryptor),
		handles: cfg.Handles,
		profile: cfg.Profile,
		auditor: cfg.Auditor,
		clock:   security.ClockOrDefault(cfg.Clock),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// CreateRefreshToken stores a new refresh token for the access token and
// returns its handle. An empty familyID starts a new family.
func (s *RefreshTokenService) CreateRefreshToken(ctx context.Context, subject *identity.Principal, accessToken *Token, client *storage.Client, familyID string) (string, error) {
	if familyID == "" {
		familyID = uuid.NewString()
	}
	rt := &RefreshToken{
		ClientID:     client.ClientID,
		Subject:      subject,
		AccessToken:  accessToken,
		CreationTime: s.clock.Now(),
		Lifetime:     PolicyFor(client).Expiration.Initial(),
		FamilyID:     familyID,
		Version:      1,
	}
	if subject != nil {
		rt.SessionID = subject.SessionID
	}
	if accessToken != nil {
		rt.Description = accessToken.Description
		if accessToken.SessionID != "" {
			rt.SessionID = accessToken.SessionID
		}
	}
	return s.storeNew(ctx, rt)
}

func (s *RefreshTokenService) storeNew(ctx context.Context, rt *RefreshToken) (string, error) {
	handle, err := s.handles.Generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate refresh token handle: %w", err)
	}
	if err := s.store.Store(ctx, handle, rt, s.meta(rt)); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	s.logger.Debug("Issued refresh token",
		"client_id", rt.ClientID,
		"family_id", rt.FamilyID,
		"version", rt.Version,
		"handle_prefix", util.SafeTruncate(handle, 8))
	return handle, nil
}

func (s *RefreshTokenService) meta(rt *RefreshToken) storage.GrantMeta {
	m := storage.GrantMeta{
		ClientID:     rt.ClientID,
		SessionID:    rt.SessionID,
		FamilyID:     rt.FamilyID,
		Description:  rt.Description,
		CreationTime: rt.CreationTime,
		Expiration:   rt.ExpiresAt(),
	}
	if rt.Subject != nil {
		m.SubjectID = rt.Subject.Subject
	}
	return m
}

// ValidateRefreshToken checks the handle against the client and its policy
// and claims it for one exchange. Replay of a rotated handle revokes the
// whole token family and yields a replay error.
func (s *RefreshTokenService) ValidateRefreshToken(ctx context.Context, handle string, client *storage.Client) (*RedeemedRefreshToken, error) {
	redeemed, err := s.LoadRefreshToken(ctx, handle, client)
	if err != nil {
		return nil, err
	}
	if err := s.RedeemRefreshToken(ctx, redeemed, client); err != nil {
		return nil, err
	}
	return redeemed, nil
}

// LoadRefreshToken runs every check of ValidateRefreshToken without claiming
// the handle. Callers that reject the request afterwards leave the handle
// usable; the exchange must end with RedeemRefreshToken.
func (s *RefreshTokenService) LoadRefreshToken(ctx context.Context, handle string, client *storage.Client) (*RedeemedRefreshToken, error) {
	rt, grant, err := s.store.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protocol.ErrInvalidGrant("invalid refresh token")
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	if rt.ClientID != client.ClientID {
		s.logger.Warn("Refresh token presented by a different client",
			"client_id", client.ClientID, "token_client_id", rt.ClientID)
		return nil, protocol.ErrInvalidGrant("invalid refresh token")
	}

	if security.IsExpired(s.clock.Now(), rt.ExpiresAt()) {
		if err := s.store.Remove(ctx, handle); err != nil {
			s.logger.Warn("Failed to remove expired refresh token", "error", err)
		}
		return nil, protocol.ErrInvalidGrant("refresh token expired")
	}

	if grant.IsConsumed() {
		return nil, s.replay(ctx, rt)
	}

	if rt.Subject.IsAuthenticated() {
		active, err := s.profile.IsActive(ctx, rt.Subject, client.ClientID, identity.CallerTokenRequest)
		if err != nil {
			return nil, fmt.Errorf("failed to check subject: %w", err)
		}
		if !active {
			return nil, protocol.ErrInvalidGrant("subject is not active")
		}
	}

	return &RedeemedRefreshToken{Handle: handle, Token: rt}, nil
}

// RedeemRefreshToken claims a loaded handle for one exchange. Under rotation
// only one caller wins; the others get a replay error and the family is
// revoked.
func (s *RefreshTokenService) RedeemRefreshToken(ctx context.Context, redeemed *RedeemedRefreshToken, client *storage.Client) error {
	err := PolicyFor(client).Rotation.Redeem(ctx, s.store, redeemed.Handle, s.clock.Now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrAlreadyConsumed):
		return s.replay(ctx, redeemed.Token)
	case errors.Is(err, storage.ErrNotFound):
		return protocol.ErrInvalidGrant("invalid refresh token")
	default:
		return fmt.Errorf("failed to redeem refresh token: %w", err)
	}
}

func (s *RefreshTokenService) replay(ctx context.Context, rt *RefreshToken) error {
	subject := ""
	if rt.Subject != nil {
		subject = rt.Subject.Subject
	}
	s.auditor.LogReplayDetected(security.EventRefreshTokenReuseDetected, subject, rt.ClientID, rt.FamilyID)
	s.metrics.RecordReplayDetected(ctx, string(storage.GrantKindRefreshToken))

	if err := s.RevokeFamily(ctx, rt.FamilyID, "refresh token replay"); err != nil {
		s.logger.Error("Failed to revoke token family after refresh token replay",
			"family_id", rt.FamilyID, "error", err)
	}
	return protocol.NewReplayError("refresh token was already used")
}

// UpdateRefreshToken finishes an exchange. Under rotation it stores a new
// handle in the same family; otherwise it updates the existing handle in
// place. It returns the handle to give to the client. accessToken replaces
// the stored snapshot when the client refreshes claims on every exchange.
func (s *RefreshTokenService) UpdateRefreshToken(ctx context.Context, redeemed *RedeemedRefreshToken, accessToken *Token, client *storage.Client) (string, error) {
	policy := PolicyFor(client)
	now := s.clock.Now()

	rt := *redeemed.Token
	if accessToken != nil && client.UpdateAccessTokenClaimsOnRefresh {
		rt.AccessToken = accessToken
	}
	rt.Lifetime = policy.Expiration.Renew(&rt, now)

	if policy.Rotation.Rotates() {
		rt.Version++
		return s.storeNew(ctx, &rt)
	}

	if err := s.store.Store(ctx, redeemed.Handle, &rt, s.meta(&rt)); err != nil {
		return "", fmt.Errorf("failed to update refresh token: %w", err)
	}
	return redeemed.Handle, nil
}

// FindRefreshToken returns a live, unconsumed refresh token without claiming
// it. It returns storage.ErrNotFound for unknown, consumed and expired handles.
func (s *RefreshTokenService) FindRefreshToken(ctx context.Context, handle string) (*RefreshToken, error) {
	rt, grant, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if grant.IsConsumed() || security.IsExpired(s.clock.Now(), rt.ExpiresAt()) {
		return nil, storage.ErrNotFound
	}
	return rt, nil
}

// RemoveRefreshToken deletes a refresh token owned by clientID. It returns
// the token, or storage.ErrNotFound if it does not exist or belongs to
// another client.
func (s *RefreshTokenService) RemoveRefreshToken(ctx context.Context, handle, clientID string) (*RefreshToken, error) {
	rt, _, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if rt.ClientID != clientID {
		return nil, storage.ErrNotFound
	}
	if err := s.store.Remove(ctx, handle); err != nil {
		return nil, fmt.Errorf("failed to remove refresh token: %w", err)
	}
	return rt, nil
}

// RevokeFamily removes every grant in a token family: the authorization
// code, all refresh token versions and reference tokens issued from them.
func (s *RefreshTokenService) RevokeFamily(ctx context.Context, familyID, reason string) error {
	if familyID == "" {
		return nil
	}
	n, err := s.grants.RemoveAllGrants(ctx, storage.GrantFilter{FamilyID: familyID})
	if err != nil {
		return fmt.Errorf("failed to revoke token family: %w", err)
	}
	s.auditor.LogEvent(security.Event{
		Type:    security.EventTokenFamilyRevoked,
		Reason:  reason,
		Details: map[string]any{"family_id": familyID, "grants_removed": n},
	})
	return nil
}
