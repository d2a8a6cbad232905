package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestUsers(t *testing.T) *UserStore {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("alice-pw"), bcrypt.MinCost)
	require.NoError(t, err)
	inactive, err := bcrypt.GenerateFromPassword([]byte("bob-pw"), bcrypt.MinCost)
	require.NoError(t, err)

	store, err := NewUserStore(
		User{
			SubjectID:    "1",
			Username:     "alice",
			PasswordHash: string(hash),
			Active:       true,
			Claims: []Claim{
				{Type: ClaimName, Value: "Alice Smith"},
				{Type: ClaimEmail, Value: "alice@example.com"},
			},
		},
		User{SubjectID: "2", Username: "bob", PasswordHash: string(inactive), Active: false},
	)
	require.NoError(t, err)
	return store
}

func TestUserStore_Validate(t *testing.T) {
	store := newTestUsers(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		wantSub  string
	}{
		{name: "valid credentials", username: "alice", password: "alice-pw", wantSub: "1"},
		{name: "wrong password", username: "alice", password: "nope"},
		{name: "unknown user", username: "mallory", password: "alice-pw"},
		{name: "inactive user", username: "bob", password: "bob-pw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := store.Validate(ctx, tt.username, tt.password)
			if tt.wantSub == "" {
				assert.True(t, errors.Is(err, ErrInvalidCredentials))
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, p.Subject)
			assert.Equal(t, []string{AuthMethodPassword}, p.AuthenticationMethods)
			assert.Equal(t, LocalIdentityProvider, p.IdentityProvider)
			assert.False(t, p.AuthTime.IsZero())
		})
	}
}

func TestUserStore_ProfileData(t *testing.T) {
	store := newTestUsers(t)
	ctx := context.Background()

	claims, err := store.GetProfileData(ctx, ProfileDataRequest{
		Subject:             &Principal{Subject: "1"},
		RequestedClaimTypes: []string{ClaimEmail},
	})
	require.NoError(t, err)
	assert.Equal(t, []Claim{{Type: ClaimEmail, Value: "alice@example.com"}}, claims)

	active, err := store.IsActive(ctx, &Principal{Subject: "1"}, "c1", CallerAccessToken)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = store.IsActive(ctx, &Principal{Subject: "2"}, "c1", CallerAccessToken)
	require.NoError(t, err)
	assert.False(t, active)

	active, err = store.IsActive(ctx, nil, "c1", CallerAccessToken)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestUserStore_DuplicateUsername(t *testing.T) {
	_, err := NewUserStore(
		User{SubjectID: "1", Username: "alice"},
		User{SubjectID: "2", Username: "alice"},
	)
	assert.Error(t, err)
}

func TestDefaultProfileService(t *testing.T) {
	p := &Principal{
		Subject: "42",
		Claims: []Claim{
			{Type: ClaimRole, Value: "admin"},
			{Type: ClaimRole, Value: "dev"},
			{Type: ClaimEmail, Value: "x@example.com"},
		},
	}

	claims, err := DefaultProfileService{}.GetProfileData(context.Background(), ProfileDataRequest{
		Subject:             p,
		RequestedClaimTypes: []string{ClaimRole},
	})
	require.NoError(t, err)
	assert.Len(t, claims, 2)

	claims, err = DefaultProfileService{}.GetProfileData(context.Background(), ProfileDataRequest{Subject: p})
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestPrincipal(t *testing.T) {
	var nilPrincipal *Principal
	assert.False(t, nilPrincipal.IsAuthenticated())
	_, ok := nilPrincipal.FindFirst(ClaimEmail)
	assert.False(t, ok)

	p := &Principal{Subject: "1", Claims: []Claim{{Type: ClaimEmail, Value: "a@b.c"}}}
	assert.True(t, p.IsAuthenticated())
	v, ok := p.FindFirst(ClaimEmail)
	assert.True(t, ok)
	assert.Equal(t, "a@b.c", v)
}
