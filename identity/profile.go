package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Profile data callers. They tell the ProfileService which artifact the
// claims are for.
const (
	CallerAccessToken   = "ClaimsProviderAccessToken"
	CallerIdentityToken = "ClaimsProviderIdentityToken"
	CallerUserInfo      = "UserInfoEndpoint"
	CallerTokenRequest  = "TokenRequestValidator"
	CallerAuthorize     = "AuthorizeEndpoint"
	CallerDeviceFlow    = "DeviceCodeValidator"
)

// ErrInvalidCredentials is returned by ResourceOwnerPasswordValidator when the
// username or password is wrong. Which one is never disclosed.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ProfileDataRequest describes which claims are needed for a subject.
type ProfileDataRequest struct {
	Subject             *Principal
	ClientID            string
	Caller              string
	RequestedClaimTypes []string
}

// ProfileService supplies claims for a subject and tells whether the subject
// may still obtain tokens.
type ProfileService interface {
	GetProfileData(ctx context.Context, req ProfileDataRequest) ([]Claim, error)
	IsActive(ctx context.Context, subject *Principal, clientID, caller string) (bool, error)
}

// ResourceOwnerPasswordValidator checks username/password credentials for the
// password grant.
type ResourceOwnerPasswordValidator interface {
	Validate(ctx context.Context, username, password string) (*Principal, error)
}

// DefaultProfileService serves the claims already present on the principal.
type DefaultProfileService struct{}

// GetProfileData returns the principal's claims filtered by the requested types.
func (DefaultProfileService) GetProfileData(_ context.Context, req ProfileDataRequest) ([]Claim, error) {
	if req.Subject == nil {
		return nil, nil
	}
	return FilterClaims(req.Subject.Claims, req.RequestedClaimTypes), nil
}

// IsActive always reports true.
func (DefaultProfileService) IsActive(context.Context, *Principal, string, string) (bool, error) {
	return true, nil
}

// User is a locally managed resource owner.
type User struct {
	SubjectID    string  `yaml:"subjectId"`
	Username     string  `yaml:"username"`
	PasswordHash string  `yaml:"passwordHash"` // bcrypt
	Active       bool    `yaml:"active"`
	Claims       []Claim `yaml:"claims"`
}

// UserStore is an in-memory user directory. It implements both
// ProfileService and ResourceOwnerPasswordValidator.
type UserStore struct {
	mu         sync.RWMutex
	byUsername map[string]*User
	bySubject  map[string]*User
	now        func() time.Time

	// dummyHash keeps unknown-user lookups as slow as wrong-password ones.
	dummyHash []byte
}

var (
	_ ProfileService                 = (*UserStore)(nil)
	_ ResourceOwnerPasswordValidator = (*UserStore)(nil)
)

// NewUserStore creates a user store.
func NewUserStore(users ...User) (*UserStore, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare user store: %w", err)
	}
	s := &UserStore{
		byUsername: make(map[string]*User),
		bySubject:  make(map[string]*User),
		now:        time.Now,
		dummyHash:  dummy,
	}
	for i := range users {
		if err := s.Add(users[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a user.
func (s *UserStore) Add(u User) error {
	if u.SubjectID == "" || u.Username == "" {
		return fmt.Errorf("user requires subjectId and username")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUsername[u.Username]; exists {
		return fmt.Errorf("duplicate username %q", u.Username)
	}
	user := u
	s.byUsername[u.Username] = &user
	s.bySubject[u.SubjectID] = &user
	return nil
}

// HashPassword returns the bcrypt hash for a user password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Validate checks the password and returns the authenticated principal.
func (s *UserStore) Validate(_ context.Context, username, password string) (*Principal, error) {
	s.mu.RLock()
	user, ok := s.byUsername[username]
	s.mu.RUnlock()

	hash := s.dummyHash
	if ok {
		hash = []byte(user.PasswordHash)
	}
	// Always compare so that unknown users are not faster to reject.
	cmpErr := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if !ok || cmpErr != nil || !user.Active {
		return nil, ErrInvalidCredentials
	}

	return &Principal{
		Subject:               user.SubjectID,
		AuthTime:              s.now().UTC(),
		IdentityProvider:      LocalIdentityProvider,
		AuthenticationMethods: []string{AuthMethodPassword},
		Claims:                slices.Clone(user.Claims),
	}, nil
}

// GetProfileData returns the stored claims of the subject filtered by the
// requested types. Claims on the principal itself are used for unknown subjects.
func (s *UserStore) GetProfileData(_ context.Context, req ProfileDataRequest) ([]Claim, error) {
	if req.Subject == nil {
		return nil, nil
	}
	s.mu.RLock()
	user, ok := s.bySubject[req.Subject.Subject]
	s.mu.RUnlock()

	claims := req.Subject.Claims
	if ok {
		claims = user.Claims
	}
	return FilterClaims(claims, req.RequestedClaimTypes), nil
}

// IsActive reports whether the subject exists and is active.
func (s *UserStore) IsActive(_ context.Context, subject *Principal, _, _ string) (bool, error) {
	if !subject.IsAuthenticated() {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.bySubject[subject.Subject]
	return ok && user.Active, nil
}
