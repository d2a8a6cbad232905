package storage

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oauth-provider/identity"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound: no live entry under the key (unknown, removed, or a disabled client).
	ErrNotFound = errors.New("not found")

	// ErrAlreadyConsumed: a one-time grant was consumed before. Consume returns
	// the grant together with this error so callers can revoke its family.
	ErrAlreadyConsumed = errors.New("already consumed")

	// ErrDuplicate: an entry with the same key already exists.
	ErrDuplicate = errors.New("duplicate key")
)

// GrantKind distinguishes the persisted grant types sharing one store.
type GrantKind string

const (
	GrantKindAuthorizationCode GrantKind = "authorization_code"
	GrantKindRefreshToken      GrantKind = "refresh_token"
	GrantKindReferenceToken    GrantKind = "reference_token"
	GrantKindUserConsent       GrantKind = "user_consent"
)

// PersistedGrant is the durable envelope shared by authorization codes,
// refresh tokens, reference tokens and consent. Key is a hash of the handle;
// handles themselves are never stored. Data is the serialized (and optionally
// encrypted) grant payload.
type PersistedGrant struct {
	Key          string    `json:"key"`
	Kind         GrantKind `json:"kind"`
	ClientID     string    `json:"client_id"`
	SubjectID    string    `json:"subject_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	FamilyID     string    `json:"family_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreationTime time.Time `json:"creation_time"`
	Expiration   time.Time `json:"expiration,omitzero"`
	ConsumedTime time.Time `json:"consumed_time,omitzero"`
	Data         string    `json:"data"`
}

// IsConsumed reports whether ConsumedTime was set.
func (g *PersistedGrant) IsConsumed() bool {
	return !g.ConsumedTime.IsZero()
}

// GrantFilter selects grants for bulk lookups and removal. Empty fields
// match anything, but at least one of SubjectID, ClientID or FamilyID must be set.
type GrantFilter struct {
	SubjectID string
	SessionID string
	ClientID  string
	FamilyID  string
	Kind      GrantKind
}

// Validate rejects filters that would match every grant.
func (f GrantFilter) Validate() error {
	if f.SubjectID == "" && f.ClientID == "" && f.FamilyID == "" {
		return errors.New("grant filter requires subject, client or family")
	}
	return nil
}

// Matches reports whether g satisfies the filter.
func (f GrantFilter) Matches(g *PersistedGrant) bool {
	return (f.SubjectID == "" || f.SubjectID == g.SubjectID) &&
		(f.SessionID == "" || f.SessionID == g.SessionID) &&
		(f.ClientID == "" || f.ClientID == g.ClientID) &&
		(f.FamilyID == "" || f.FamilyID == g.FamilyID) &&
		(f.Kind == "" || f.Kind == g.Kind)
}

// ClientStore resolves registered clients.
type ClientStore interface {
	// FindEnabledClientByID returns ErrNotFound for unknown and disabled clients alike.
	FindEnabledClientByID(ctx context.Context, clientID string) (*Client, error)
}

// CORSOriginStore answers whether any enabled client registered an origin.
type CORSOriginStore interface {
	IsOriginAllowed(ctx context.Context, origin string) (bool, error)
}

// ResourceStore resolves identity resources, API resources and API scopes.
type ResourceStore interface {
	FindIdentityResourcesByScopeName(ctx context.Context, names []string) ([]IdentityResource, error)
	FindAPIScopesByName(ctx context.Context, names []string) ([]APIScope, error)
	FindAPIResourcesByScopeName(ctx context.Context, names []string) ([]APIResource, error)
	FindAPIResourcesByName(ctx context.Context, names []string) ([]APIResource, error)
	GetAllResources(ctx context.Context) (*Resources, error)
}

// PersistedGrantStore stores grants by hashed key. Expiration and consumption
// are enforced by the callers; stores may garbage-collect expired rows lazily.
//
// Consume is the only cross-request synchronization point of the engine and
// MUST be atomic: of N concurrent calls for the same key exactly one observes
// an unconsumed grant.
type PersistedGrantStore interface {
	// StoreGrant inserts or replaces the grant under grant.Key.
	StoreGrant(ctx context.Context, grant *PersistedGrant) error

	// GetGrant returns ErrNotFound if absent.
	GetGrant(ctx context.Context, key string) (*PersistedGrant, error)

	// ConsumeGrant sets ConsumedTime to at if it is unset and returns the
	// updated grant. If the grant was already consumed it returns the stored
	// grant together with ErrAlreadyConsumed.
	ConsumeGrant(ctx context.Context, key string, at time.Time) (*PersistedGrant, error)

	// RemoveGrant is idempotent.
	RemoveGrant(ctx context.Context, key string) error

	// GetAllGrants returns the grants matching filter.
	GetAllGrants(ctx context.Context, filter GrantFilter) ([]*PersistedGrant, error)

	// RemoveAllGrants removes the grants matching filter and returns how many were removed.
	RemoveAllGrants(ctx context.Context, filter GrantFilter) (int, error)
}

// DeviceStatus is the approval state of a device authorization.
type DeviceStatus string

const (
	DeviceStatusPending    DeviceStatus = "pending"
	DeviceStatusAuthorized DeviceStatus = "authorized"
	DeviceStatusDenied     DeviceStatus = "denied"
)

// DeviceCode is a pending device authorization (RFC 8628). Both codes are
// stored as hashed keys.
type DeviceCode struct {
	DeviceCodeKey   string              `json:"device_code_key"`
	UserCodeKey     string              `json:"user_code_key"`
	ClientID        string              `json:"client_id"`
	Description     string              `json:"description,omitempty"`
	RequestedScopes []string            `json:"requested_scopes"`
	IsOpenID        bool                `json:"is_openid"`
	CreationTime    time.Time           `json:"creation_time"`
	ExpiresAt       time.Time           `json:"expires_at"`
	Interval        time.Duration       `json:"interval"`
	LastPoll        time.Time           `json:"last_poll,omitzero"`
	Status          DeviceStatus        `json:"status"`
	Subject         *identity.Principal `json:"subject,omitempty"`
	SessionID       string              `json:"session_id,omitempty"`
	GrantedScopes   []string            `json:"granted_scopes,omitempty"`
}

// DeviceCodeMutator edits a device code in place. Returning an error aborts
// the update and is passed through to the caller.
type DeviceCodeMutator func(dc *DeviceCode) error

// DeviceFlowStore persists device authorizations. Update and consume methods
// are read-modify-write operations and MUST be atomic per code.
type DeviceFlowStore interface {
	// StoreDeviceAuthorization returns ErrDuplicate if either key is taken.
	StoreDeviceAuthorization(ctx context.Context, dc *DeviceCode) error

	FindByUserCode(ctx context.Context, userCodeKey string) (*DeviceCode, error)
	FindByDeviceCode(ctx context.Context, deviceCodeKey string) (*DeviceCode, error)

	// UpdateByUserCode applies mutate atomically and returns the stored result.
	UpdateByUserCode(ctx context.Context, userCodeKey string, mutate DeviceCodeMutator) (*DeviceCode, error)

	// UpdateByDeviceCode applies mutate atomically and returns the stored result.
	UpdateByDeviceCode(ctx context.Context, deviceCodeKey string, mutate DeviceCodeMutator) (*DeviceCode, error)

	// ConsumeByDeviceCode atomically removes the device code and returns it.
	// Concurrent callers racing for the same code: one wins, the rest get ErrNotFound.
	ConsumeByDeviceCode(ctx context.Context, deviceCodeKey string) (*DeviceCode, error)

	// RemoveByDeviceCode is idempotent.
	RemoveByDeviceCode(ctx context.Context, deviceCodeKey string) error
}

// ReplayCache records one-time identifiers such as client assertion jti values.
type ReplayCache interface {
	// AddIfAbsent records purpose/id until expiration. It returns false if the
	// identifier was already recorded and has not expired.
	AddIfAbsent(ctx context.Context, purpose, id string, expiration time.Time) (bool, error)
}
