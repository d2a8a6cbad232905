package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// storeDeviceScript claims both the device code and the user code, or neither.
//
// KEYS[1] = device code key
// KEYS[2] = user code key
// ARGV[1] = device code JSON
// ARGV[2] = device code key (value of the user code entry)
// ARGV[3] = TTL in milliseconds
//
// Returns 1 on success, 0 if either key is taken.
var storeDeviceScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

// ============================================================
// DeviceFlowStore Implementation
// ============================================================

// StoreDeviceAuthorization saves a new device authorization until it expires.
func (s *Store) StoreDeviceAuthorization(ctx context.Context, dc *storage.DeviceCode) error {
	if dc == nil {
		return fmt.Errorf("device code cannot be nil")
	}
	if dc.DeviceCodeKey == "" || dc.UserCodeKey == "" {
		return fmt.Errorf("device code and user code keys are required")
	}
	if err := validateStringLength(dc.DeviceCodeKey, MaxIDLength, "device_code_key"); err != nil {
		return err
	}
	if err := validateStringLength(dc.UserCodeKey, MaxIDLength, "user_code_key"); err != nil {
		return err
	}

	data, err := json.Marshal(dc)
	if err != nil {
		return fmt.Errorf("failed to marshal device code: %w", err)
	}

	return s.observe(ctx, "store_device_code", func(ctx context.Context) error {
		ttl := s.ttlUntil(dc.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("device code requires an expiration")
		}

		ok, err := storeDeviceScript.Run(ctx, s.client,
			[]string{s.deviceKey(dc.DeviceCodeKey), s.userCodeKey(dc.UserCodeKey)},
			string(data), dc.DeviceCodeKey, ttl.Milliseconds(),
		).Int()
		if err != nil {
			return fmt.Errorf("failed to store device code: %w", err)
		}
		if ok != 1 {
			return storage.ErrDuplicate
		}

		s.logger.Debug("Stored device authorization",
			"client_id", dc.ClientID,
			"key_prefix", util.SafeTruncate(dc.DeviceCodeKey, keyLogLength))
		return nil
	})
}

// FindByUserCode returns the device authorization for a user code key.
func (s *Store) FindByUserCode(ctx context.Context, userCodeKey string) (*storage.DeviceCode, error) {
	var out *storage.DeviceCode
	err := s.observe(ctx, "find_device_code_by_user_code", func(ctx context.Context) error {
		deviceKey, err := s.resolveUserCode(ctx, userCodeKey)
		if err != nil {
			return err
		}
		dc, err := s.getDeviceCode(ctx, s.client, deviceKey)
		out = dc
		return err
	})
	return out, err
}

// FindByDeviceCode returns the device authorization for a device code key.
func (s *Store) FindByDeviceCode(ctx context.Context, deviceCodeKey string) (*storage.DeviceCode, error) {
	var out *storage.DeviceCode
	err := s.observe(ctx, "find_device_code", func(ctx context.Context) error {
		dc, err := s.getDeviceCode(ctx, s.client, deviceCodeKey)
		out = dc
		return err
	})
	return out, err
}

// UpdateByUserCode resolves the user code and applies mutate atomically.
func (s *Store) UpdateByUserCode(ctx context.Context, userCodeKey string, mutate storage.DeviceCodeMutator) (*storage.DeviceCode, error) {
	var out *storage.DeviceCode
	err := s.observe(ctx, "update_device_code_by_user_code", func(ctx context.Context) error {
		deviceKey, err := s.resolveUserCode(ctx, userCodeKey)
		if err != nil {
			return err
		}
		dc, err := s.update(ctx, deviceKey, mutate)
		out = dc
		return err
	})
	return out, err
}

// UpdateByDeviceCode applies mutate atomically using an optimistic
// WATCH/MULTI transaction, retried under contention.
func (s *Store) UpdateByDeviceCode(ctx context.Context, deviceCodeKey string, mutate storage.DeviceCodeMutator) (*storage.DeviceCode, error) {
	var out *storage.DeviceCode
	err := s.observe(ctx, "update_device_code", func(ctx context.Context) error {
		dc, err := s.update(ctx, deviceCodeKey, mutate)
		out = dc
		return err
	})
	return out, err
}

// ConsumeByDeviceCode removes the device authorization with GETDEL so that
// exactly one concurrent caller receives it.
func (s *Store) ConsumeByDeviceCode(ctx context.Context, deviceCodeKey string) (*storage.DeviceCode, error) {
	var out *storage.DeviceCode
	err := s.observe(ctx, "consume_device_code", func(ctx context.Context) error {
		data, err := s.client.GetDel(ctx, s.deviceKey(deviceCodeKey)).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to consume device code: %w", err)
		}
		var dc storage.DeviceCode
		if err := json.Unmarshal(data, &dc); err != nil {
			return fmt.Errorf("failed to unmarshal device code: %w", err)
		}
		if err := s.client.Del(ctx, s.userCodeKey(dc.UserCodeKey)).Err(); err != nil {
			s.logger.Warn("Failed to release user code", "error", err)
		}
		out = &dc
		return nil
	})
	return out, err
}

// RemoveByDeviceCode deletes a device authorization if present.
func (s *Store) RemoveByDeviceCode(ctx context.Context, deviceCodeKey string) error {
	_, err := s.ConsumeByDeviceCode(ctx, deviceCodeKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) update(ctx context.Context, deviceCodeKey string, mutate storage.DeviceCodeMutator) (*storage.DeviceCode, error) {
	key := s.deviceKey(deviceCodeKey)
	var out *storage.DeviceCode

	txf := func(tx *goredis.Tx) error {
		dc, err := s.getDeviceCode(ctx, tx, deviceCodeKey)
		if err != nil {
			return err
		}
		originalDeviceKey, originalUserKey := dc.DeviceCodeKey, dc.UserCodeKey
		if err := mutate(dc); err != nil {
			return err
		}
		dc.DeviceCodeKey, dc.UserCodeKey = originalDeviceKey, originalUserKey

		data, err := json.Marshal(dc)
		if err != nil {
			return fmt.Errorf("failed to marshal device code: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, key, data, goredis.SetArgs{KeepTTL: true})
			return nil
		})
		if err != nil {
			return err
		}
		out = dc
		return nil
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("failed to update device code: too much contention")
}

func (s *Store) resolveUserCode(ctx context.Context, userCodeKey string) (string, error) {
	deviceKey, err := s.client.Get(ctx, s.userCodeKey(userCodeKey)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve user code: %w", err)
	}
	return deviceKey, nil
}

func (s *Store) getDeviceCode(ctx context.Context, c getter, deviceCodeKey string) (*storage.DeviceCode, error) {
	data, err := c.Get(ctx, s.deviceKey(deviceCodeKey)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get device code: %w", err)
	}
	var dc storage.DeviceCode
	if err := json.Unmarshal(data, &dc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device code: %w", err)
	}
	return &dc, nil
}
