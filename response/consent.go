package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// ConsentService remembers which scopes a subject granted to a client.
type ConsentService struct {
	store   *storage.GrantStore[storage.Consent]
	auditor *security.Auditor
	clock   security.Clock
	logger  *slog.Logger
}

// NewConsentService creates a consent service over the persisted grant store.
func NewConsentService(grants storage.PersistedGrantStore, encryptor *security.Encryptor, auditor *security.Auditor, clock security.Clock, logger *slog.Logger) *ConsentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsentService{
		store:   storage.NewConsentStore(grants, encryptor),
		auditor: auditor,
		clock:   security.ClockOrDefault(clock),
		logger:  logger,
	}
}

// RequiresConsent reports whether the user must be shown a consent page for
// scopes. offline_access always needs fresh consent.
func (s *ConsentService) RequiresConsent(ctx context.Context, subject *identity.Principal, client *storage.Client, scopes []string) (bool, error) {
	if !client.RequireConsent || len(scopes) == 0 {
		return false, nil
	}
	if !client.AllowRememberConsent || slices.Contains(scopes, protocol.ScopeOfflineAccess) {
		return true, nil
	}
	if !subject.IsAuthenticated() {
		return true, nil
	}

	consent, err := s.Find(ctx, subject.Subject, client.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !util.ContainsAll(consent.Scopes, scopes), nil
}

// Find returns the live consent of subjectID for clientID.
func (s *ConsentService) Find(ctx context.Context, subjectID, clientID string) (*storage.Consent, error) {
	handle := storage.ConsentHandle(subjectID, clientID)
	consent, _, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if !consent.Expiration.IsZero() && security.IsExpired(s.clock.Now(), consent.Expiration) {
		if err := s.store.Remove(ctx, handle); err != nil {
			s.logger.Warn("Failed to remove expired consent", "client_id", clientID, "error", err)
		}
		return nil, storage.ErrNotFound
	}
	return consent, nil
}

// UpdateConsent remembers scopes for subject and client. An empty scope list
// forgets any earlier consent. Clients that do not allow remembered consent
// are left alone.
func (s *ConsentService) UpdateConsent(ctx context.Context, subject *identity.Principal, client *storage.Client, scopes []string) error {
	if !client.AllowRememberConsent || !subject.IsAuthenticated() {
		return nil
	}
	handle := storage.ConsentHandle(subject.Subject, client.ClientID)

	if len(scopes) == 0 {
		if err := s.store.Remove(ctx, handle); err != nil {
			return fmt.Errorf("failed to remove consent: %w", err)
		}
		return nil
	}

	now := s.clock.Now()
	consent := &storage.Consent{
		SubjectID:    subject.Subject,
		ClientID:     client.ClientID,
		Scopes:       slices.Clone(scopes),
		CreationTime: now,
	}
	if client.ConsentLifetime > 0 {
		consent.Expiration = now.Add(client.ConsentLifetime)
	}
	err := s.store.Store(ctx, handle, consent, storage.GrantMeta{
		ClientID:     client.ClientID,
		SubjectID:    subject.Subject,
		CreationTime: now,
		Expiration:   consent.Expiration,
	})
	if err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventConsentGranted,
		UserID:   subject.Subject,
		ClientID: client.ClientID,
		Details:  map[string]any{"scope": protocol.JoinScopes(scopes)},
	})
	return nil
}
