package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// ============================================================
// DeviceFlowStore Implementation
// ============================================================

// StoreDeviceAuthorization saves a new device authorization. Both the device
// code key and the user code key must be unused.
func (s *Store) StoreDeviceAuthorization(ctx context.Context, dc *storage.DeviceCode) error {
	if dc == nil {
		return fmt.Errorf("device code cannot be nil")
	}
	if dc.DeviceCodeKey == "" || dc.UserCodeKey == "" {
		return fmt.Errorf("device code and user code keys are required")
	}

	return s.observe(ctx, "store_device_code", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, exists := s.deviceCodes[dc.DeviceCodeKey]; exists {
			return storage.ErrDuplicate
		}
		if _, exists := s.userCodes[dc.UserCodeKey]; exists {
			return storage.ErrDuplicate
		}

		s.deviceCodes[dc.DeviceCodeKey] = cloneDeviceCode(dc)
		s.userCodes[dc.UserCodeKey] = dc.DeviceCodeKey
		s.deviceCodesCountAtomic.Add(1)

		s.logger.Debug("Stored device authorization",
			"client_id", dc.ClientID,
			"key_prefix", util.SafeTruncate(dc.DeviceCodeKey, keyLogLength))
		return nil
	})
}

// FindByUserCode returns a copy of the device authorization for a user code key.
func (s *Store) FindByUserCode(ctx context.Context, userCodeKey string) (*storage.DeviceCode, error) {
	var out *storage.DeviceCode
	err := s.observe(ctx, "find_device_code_by_user_code", func(context.Context) error {
		s.mu.RLock()
		defer s.mu.RUnlock()

		dc, ok := s.lookupUserCodeLocked(userCodeKey)
		if !ok {
			return storage.ErrNotFound
		}
		out = cloneDeviceCode(dc)
		return nil
	})
	return out, err
}

// FindByDeviceCode returns a copy of the device authorization for a device code key.
func (s *Store) FindByDeviceCode(ctx context.Context, deviceCodeKey string) (*storage.DeviceCode, error) {
	var out *storage.DeviceCode
	err := s.observe(ctx, "find_device_code", func(context.Context) error {
		s.mu.RLock()
		defer s.mu.RUnlock()

		dc, ok := s.deviceCodes[deviceCodeKey]
		if !ok {
			return storage.ErrNotFound
		}
		out = cloneDeviceCode(dc)
		return nil
	})
	return out, err
}

// UpdateByUserCode applies mutate to a copy under the write lock and stores
// the copy only when mutate succeeds.
func (s *Store) UpdateByUserCode(ctx context.Context, userCodeKey string, mutate storage.DeviceCodeMutator) (*storage.DeviceCode, error) {
	var out *storage.DeviceCode
	err := s.observe(ctx, "update_device_code_by_user_code", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		dc, ok := s.lookupUserCodeLocked(userCodeKey)
		if !ok {
			return storage.ErrNotFound
		}
		updated, err := s.mutateLocked(dc, mutate)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

// UpdateByDeviceCode applies mutate to a copy under the write lock and stores
// the copy only when mutate succeeds.
func (s *Store) UpdateByDeviceCode(ctx context.Context, deviceCodeKey string, mutate storage.DeviceCodeMutator) (*storage.DeviceCode, error) {
	var out *storage.DeviceCode
	err := s.observe(ctx, "update_device_code", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		dc, ok := s.deviceCodes[deviceCodeKey]
		if !ok {
			return storage.ErrNotFound
		}
		updated, err := s.mutateLocked(dc, mutate)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

// ConsumeByDeviceCode removes the device authorization and returns it. Only
// one of several concurrent callers gets the code; the others see ErrNotFound.
func (s *Store) ConsumeByDeviceCode(ctx context.Context, deviceCodeKey string) (*storage.DeviceCode, error) {
	var out *storage.DeviceCode
	err := s.observe(ctx, "consume_device_code", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		dc, ok := s.deviceCodes[deviceCodeKey]
		if !ok {
			return storage.ErrNotFound
		}
		s.deleteDeviceCodeLocked(dc)
		out = dc
		return nil
	})
	return out, err
}

// RemoveByDeviceCode deletes a device authorization if present.
func (s *Store) RemoveByDeviceCode(ctx context.Context, deviceCodeKey string) error {
	return s.observe(ctx, "remove_device_code", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if dc, ok := s.deviceCodes[deviceCodeKey]; ok {
			s.deleteDeviceCodeLocked(dc)
		}
		return nil
	})
}

func (s *Store) lookupUserCodeLocked(userCodeKey string) (*storage.DeviceCode, bool) {
	deviceKey, ok := s.userCodes[userCodeKey]
	if !ok {
		return nil, false
	}
	dc, ok := s.deviceCodes[deviceKey]
	return dc, ok
}

func (s *Store) mutateLocked(dc *storage.DeviceCode, mutate storage.DeviceCodeMutator) (*storage.DeviceCode, error) {
	cp := cloneDeviceCode(dc)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	// Keys are identity; a mutator must not move the entry.
	cp.DeviceCodeKey = dc.DeviceCodeKey
	cp.UserCodeKey = dc.UserCodeKey
	s.deviceCodes[dc.DeviceCodeKey] = cp
	return cloneDeviceCode(cp), nil
}

func (s *Store) deleteDeviceCodeLocked(dc *storage.DeviceCode) {
	delete(s.deviceCodes, dc.DeviceCodeKey)
	delete(s.userCodes, dc.UserCodeKey)
	s.deviceCodesCountAtomic.Add(-1)
}

func cloneDeviceCode(dc *storage.DeviceCode) *storage.DeviceCode {
	cp := *dc
	cp.RequestedScopes = slices.Clone(dc.RequestedScopes)
	cp.GrantedScopes = slices.Clone(dc.GrantedScopes)
	if dc.Subject != nil {
		sub := *dc.Subject
		sub.AuthenticationMethods = slices.Clone(dc.Subject.AuthenticationMethods)
		sub.Claims = slices.Clone(dc.Subject.Claims)
		cp.Subject = &sub
	}
	return &cp
}
