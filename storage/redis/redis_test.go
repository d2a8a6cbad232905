package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/storage"
)

const testPrefix = "test:"

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewWithClient(client, testPrefix)
	store.SetClock(testutil.NewMockTime(testutil.Epoch))
	return store, mr
}

func testGrant(key string) *storage.PersistedGrant {
	return &storage.PersistedGrant{
		Key:          key,
		Kind:         storage.GrantKindRefreshToken,
		ClientID:     "c1",
		SubjectID:    "alice",
		FamilyID:     "family-1",
		CreationTime: testutil.Epoch,
		Expiration:   testutil.Epoch.Add(time.Hour),
		Data:         `{"scopes":["api1"]}`,
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestStore_StoreGrant_SetsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreGrant(ctx, testGrant("k1")))

	assert.Equal(t, time.Hour, mr.TTL(testPrefix+"grant:k1"))

	got, err := store.GetGrant(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "family-1", got.FamilyID)
	assert.Equal(t, `{"scopes":["api1"]}`, got.Data)
	assert.False(t, got.IsConsumed())

	_, err = store.GetGrant(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_StoreGrant_RejectsOversizedInput(t *testing.T) {
	store, _ := newTestStore(t)

	g := testGrant("k1")
	g.ClientID = string(make([]byte, MaxIDLength+1))
	err := store.StoreGrant(context.Background(), g)
	assert.ErrorIs(t, err, errInputTooLarge)
}

func TestStore_ConsumeGrant(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.StoreGrant(ctx, testGrant("k1")))

	at := testutil.Epoch.Add(time.Minute)
	got, err := store.ConsumeGrant(ctx, "k1", at)
	require.NoError(t, err)
	assert.True(t, got.ConsumedTime.Equal(at))

	again, err := store.ConsumeGrant(ctx, "k1", at.Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
	require.NotNil(t, again)
	assert.True(t, again.ConsumedTime.Equal(at), "first consume time is kept")
	assert.Equal(t, "family-1", again.FamilyID)

	// Consuming keeps the key's remaining lifetime.
	assert.Equal(t, time.Hour, mr.TTL(testPrefix+"grant:k1"))

	_, err = store.ConsumeGrant(ctx, "missing", at)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ConsumeGrant_ConcurrentExactlyOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.StoreGrant(ctx, testGrant("k1")))

	const workers = 20
	var wg sync.WaitGroup
	var winners atomic.Int32

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeGrant(ctx, "k1", testutil.Epoch)
			if err == nil {
				winners.Add(1)
			} else if !errors.Is(err, storage.ErrAlreadyConsumed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestStore_StoreGrant_PreservesConsumedTime(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	g := testGrant("k1")
	g.ConsumedTime = testutil.Epoch
	require.NoError(t, store.StoreGrant(ctx, g))

	_, err := store.ConsumeGrant(ctx, "k1", testutil.Epoch.Add(time.Second))
	assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
}

func TestStore_RemoveAllGrants(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	g2 := testGrant("k2")
	g3 := testGrant("k3")
	g3.FamilyID = "family-2"
	g4 := testGrant("k4")
	g4.Kind = storage.GrantKindUserConsent
	g4.FamilyID = ""
	for _, g := range []*storage.PersistedGrant{testGrant("k1"), g2, g3, g4} {
		require.NoError(t, store.StoreGrant(ctx, g))
	}

	_, err := store.RemoveAllGrants(ctx, storage.GrantFilter{Kind: storage.GrantKindRefreshToken})
	assert.Error(t, err, "a filter without subject, client or family is rejected")

	n, err := store.RemoveAllGrants(ctx, storage.GrantFilter{FamilyID: "family-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bySubject, err := store.GetAllGrants(ctx, storage.GrantFilter{SubjectID: "alice"})
	require.NoError(t, err)
	assert.Len(t, bySubject, 2)

	consents, err := store.GetAllGrants(ctx, storage.GrantFilter{ClientID: "c1", Kind: storage.GrantKindUserConsent})
	require.NoError(t, err)
	require.Len(t, consents, 1)
	assert.Equal(t, "k4", consents[0].Key)
}

func TestStore_GetAllGrants_PrunesStaleIndex(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreGrant(ctx, testGrant("k1")))
	require.NoError(t, store.StoreGrant(ctx, testGrant("k2")))
	require.NoError(t, store.RemoveGrant(ctx, "k1"))

	grants, err := store.GetAllGrants(ctx, storage.GrantFilter{ClientID: "c1"})
	require.NoError(t, err)
	require.Len(t, grants, 1)

	members, err := mr.Members(testPrefix + "grants:client:c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, members)
}

func testDeviceCode(deviceKey, userKey string) *storage.DeviceCode {
	return &storage.DeviceCode{
		DeviceCodeKey:   deviceKey,
		UserCodeKey:     userKey,
		ClientID:        "tv",
		RequestedScopes: []string{"openid"},
		CreationTime:    testutil.Epoch,
		ExpiresAt:       testutil.Epoch.Add(5 * time.Minute),
		Interval:        5 * time.Second,
		Status:          storage.DeviceStatusPending,
	}
}

func TestStore_DeviceFlow(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreDeviceAuthorization(ctx, testDeviceCode("d1", "u1")))
	assert.Equal(t, 5*time.Minute, mr.TTL(testPrefix+"device:d1"))
	assert.Equal(t, 5*time.Minute, mr.TTL(testPrefix+"usercode:u1"))

	assert.ErrorIs(t, store.StoreDeviceAuthorization(ctx, testDeviceCode("d2", "u1")), storage.ErrDuplicate)
	assert.False(t, mr.Exists(testPrefix+"device:d2"), "a rejected authorization claims neither code")

	updated, err := store.UpdateByUserCode(ctx, "u1", func(dc *storage.DeviceCode) error {
		dc.Status = storage.DeviceStatusAuthorized
		dc.Subject = &identity.Principal{Subject: "alice"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceStatusAuthorized, updated.Status)
	assert.Equal(t, 5*time.Minute, mr.TTL(testPrefix+"device:d1"), "updates keep the TTL")

	got, err := store.FindByDeviceCode(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, got.Subject)
	assert.Equal(t, "alice", got.Subject.Subject)

	sentinel := errors.New("abort")
	_, err = store.UpdateByDeviceCode(ctx, "d1", func(dc *storage.DeviceCode) error {
		dc.Status = storage.DeviceStatusDenied
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	got, _ = store.FindByUserCode(ctx, "u1")
	assert.Equal(t, storage.DeviceStatusAuthorized, got.Status)

	consumed, err := store.ConsumeByDeviceCode(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "tv", consumed.ClientID)

	_, err = store.ConsumeByDeviceCode(ctx, "d1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindByUserCode(ctx, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, store.RemoveByDeviceCode(ctx, "d1"))
}

func TestStore_ConsumeByDeviceCode_ConcurrentExactlyOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.StoreDeviceAuthorization(ctx, testDeviceCode("d1", "u1")))

	var wg sync.WaitGroup
	var winners atomic.Int32
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeByDeviceCode(ctx, "d1"); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestStore_AddIfAbsent(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	exp := testutil.Epoch.Add(2 * time.Minute)
	added, err := store.AddIfAbsent(ctx, "client_assertion", "jti-1", exp)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 2*time.Minute, mr.TTL(testPrefix+"replay:client_assertion:jti-1"))

	added, err = store.AddIfAbsent(ctx, "client_assertion", "jti-1", exp)
	require.NoError(t, err)
	assert.False(t, added)

	mr.FastForward(3 * time.Minute)
	added, err = store.AddIfAbsent(ctx, "client_assertion", "jti-1", exp)
	require.NoError(t, err)
	assert.True(t, added, "expired identifiers can be recorded again")
}
