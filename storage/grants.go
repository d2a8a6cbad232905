package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/security"
)

// GrantMeta is the searchable, unencrypted part of a persisted grant.
type GrantMeta struct {
	ClientID     string
	SubjectID    string
	SessionID    string
	FamilyID     string
	Description  string
	CreationTime time.Time
	Expiration   time.Time
}

// GrantStore is a typed view over a PersistedGrantStore for one grant kind.
// Payloads are JSON encoded and, when an Encryptor is enabled, sealed with the
// grant key as associated data.
type GrantStore[T any] struct {
	kind      GrantKind
	store     PersistedGrantStore
	encryptor *security.Encryptor
}

// NewGrantStore creates a typed grant store. encryptor may be nil.
func NewGrantStore[T any](kind GrantKind, store PersistedGrantStore, encryptor *security.Encryptor) *GrantStore[T] {
	return &GrantStore[T]{kind: kind, store: store, encryptor: encryptor}
}

// Kind returns the grant kind handled by this store.
func (s *GrantStore[T]) Kind() GrantKind {
	return s.kind
}

// Key returns the storage key for a handle.
func (s *GrantStore[T]) Key(handle string) string {
	return security.HashHandle(string(s.kind), handle)
}

// Store persists item under handle.
func (s *GrantStore[T]) Store(ctx context.Context, handle string, item *T, meta GrantMeta) error {
	key := s.Key(handle)
	data, err := s.encode(key, item)
	if err != nil {
		return err
	}
	return s.store.StoreGrant(ctx, &PersistedGrant{
		Key:          key,
		Kind:         s.kind,
		ClientID:     meta.ClientID,
		SubjectID:    meta.SubjectID,
		SessionID:    meta.SessionID,
		FamilyID:     meta.FamilyID,
		Description:  meta.Description,
		CreationTime: meta.CreationTime,
		Expiration:   meta.Expiration,
		Data:         data,
	})
}

// Get returns the decoded payload and its envelope.
func (s *GrantStore[T]) Get(ctx context.Context, handle string) (*T, *PersistedGrant, error) {
	grant, err := s.store.GetGrant(ctx, s.Key(handle))
	if err != nil {
		return nil, nil, err
	}
	return s.decodeGrant(grant)
}

// Consume marks the grant consumed. When it was consumed before, the decoded
// payload and envelope are returned together with ErrAlreadyConsumed.
func (s *GrantStore[T]) Consume(ctx context.Context, handle string, at time.Time) (*T, *PersistedGrant, error) {
	grant, consumeErr := s.store.ConsumeGrant(ctx, s.Key(handle), at)
	if consumeErr != nil && !errors.Is(consumeErr, ErrAlreadyConsumed) {
		return nil, nil, consumeErr
	}
	item, grant, err := s.decodeGrant(grant)
	if err != nil {
		return nil, nil, err
	}
	return item, grant, consumeErr
}

// Remove deletes the grant for handle.
func (s *GrantStore[T]) Remove(ctx context.Context, handle string) error {
	return s.store.RemoveGrant(ctx, s.Key(handle))
}

// RemoveAll deletes every grant of this kind matching filter.
func (s *GrantStore[T]) RemoveAll(ctx context.Context, filter GrantFilter) (int, error) {
	filter.Kind = s.kind
	return s.store.RemoveAllGrants(ctx, filter)
}

func (s *GrantStore[T]) decodeGrant(grant *PersistedGrant) (*T, *PersistedGrant, error) {
	if grant == nil {
		return nil, nil, ErrNotFound
	}
	if grant.Kind != s.kind {
		return nil, nil, ErrNotFound
	}
	item, err := s.decode(grant.Key, grant.Data)
	if err != nil {
		return nil, nil, err
	}
	return item, grant, nil
}

func (s *GrantStore[T]) encode(key string, item *T) (string, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to serialize %s: %w", s.kind, err)
	}
	if !s.encryptor.IsEnabled() {
		return string(raw), nil
	}
	sealed, err := s.encryptor.Seal(raw, key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt %s: %w", s.kind, err)
	}
	return sealed, nil
}

func (s *GrantStore[T]) decode(key, data string) (*T, error) {
	raw := []byte(data)
	if s.encryptor.IsEnabled() {
		var err error
		raw, err = s.encryptor.Open(data, key)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", s.kind, err)
		}
	}
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to deserialize %s: %w", s.kind, err)
	}
	return &item, nil
}

// NewAuthorizationCodeStore returns the typed store for authorization codes.
func NewAuthorizationCodeStore(store PersistedGrantStore, encryptor *security.Encryptor) *GrantStore[AuthorizationCode] {
	return NewGrantStore[AuthorizationCode](GrantKindAuthorizationCode, store, encryptor)
}

// NewConsentStore returns the typed store for remembered consent.
func NewConsentStore(store PersistedGrantStore, encryptor *security.Encryptor) *GrantStore[Consent] {
	return NewGrantStore[Consent](GrantKindUserConsent, store, encryptor)
}

// AuthorizationCode is the payload of an authorization code grant.
type AuthorizationCode struct {
	ClientID            string              `json:"client_id"`
	Subject             *identity.Principal `json:"subject"`
	SessionID           string              `json:"session_id,omitempty"`
	RedirectURI         string              `json:"redirect_uri"`
	RequestedScopes     []string            `json:"requested_scopes"`
	IsOpenID            bool                `json:"is_openid"`
	Nonce               string              `json:"nonce,omitempty"`
	StateHash           string              `json:"state_hash,omitempty"`
	CodeChallenge       string              `json:"code_challenge,omitempty"`
	CodeChallengeMethod string              `json:"code_challenge_method,omitempty"`
	WasConsentShown     bool                `json:"was_consent_shown"`
	Description         string              `json:"description,omitempty"`
	CreationTime        time.Time           `json:"creation_time"`
	Lifetime            time.Duration       `json:"lifetime"`
	FamilyID            string              `json:"family_id"`
}

// ExpiresAt returns the expiry of the code.
func (c *AuthorizationCode) ExpiresAt() time.Time {
	return c.CreationTime.Add(c.Lifetime)
}

// Consent records scopes a subject granted to a client.
type Consent struct {
	SubjectID    string    `json:"subject_id"`
	ClientID     string    `json:"client_id"`
	Scopes       []string  `json:"scopes"`
	CreationTime time.Time `json:"creation_time"`
	Expiration   time.Time `json:"expiration,omitzero"`
}

// ConsentHandle is the handle under which consent for subject/client is stored.
func ConsentHandle(subjectID, clientID string) string {
	return subjectID + "|" + clientID
}
