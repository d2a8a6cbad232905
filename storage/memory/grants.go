package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// ============================================================
// PersistedGrantStore Implementation
// ============================================================

// StoreGrant saves or replaces a grant.
func (s *Store) StoreGrant(ctx context.Context, grant *storage.PersistedGrant) error {
	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if grant.Key == "" {
		return fmt.Errorf("grant key cannot be empty")
	}

	return s.observe(ctx, "store_grant", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, exists := s.grants[grant.Key]; !exists {
			s.grantsCountAtomic.Add(1)
		}
		cp := *grant
		s.grants[grant.Key] = &cp

		s.logger.Debug("Stored grant",
			"kind", grant.Kind,
			"key_prefix", util.SafeTruncate(grant.Key, keyLogLength),
			"client_id", grant.ClientID)
		return nil
	})
}

// GetGrant returns a copy of the grant stored under key, consumed or not.
// Expiry is left to the caller.
func (s *Store) GetGrant(ctx context.Context, key string) (*storage.PersistedGrant, error) {
	var out *storage.PersistedGrant
	err := s.observe(ctx, "get_grant", func(context.Context) error {
		s.mu.RLock()
		defer s.mu.RUnlock()

		g, ok := s.grants[key]
		if !ok {
			return storage.ErrNotFound
		}
		cp := *g
		out = &cp
		return nil
	})
	return out, err
}

// ConsumeGrant atomically marks the grant consumed at the given time. The
// first caller gets the grant and a nil error; later callers get the grant
// together with storage.ErrAlreadyConsumed.
func (s *Store) ConsumeGrant(ctx context.Context, key string, at time.Time) (*storage.PersistedGrant, error) {
	var out *storage.PersistedGrant
	err := s.observe(ctx, "consume_grant", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		g, ok := s.grants[key]
		if !ok {
			return storage.ErrNotFound
		}
		if g.IsConsumed() {
			cp := *g
			out = &cp
			return storage.ErrAlreadyConsumed
		}
		g.ConsumedTime = at
		cp := *g
		out = &cp
		return nil
	})
	return out, err
}

// RemoveGrant deletes a grant. Removing an unknown key is not an error.
func (s *Store) RemoveGrant(ctx context.Context, key string) error {
	return s.observe(ctx, "remove_grant", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.grants[key]; ok {
			delete(s.grants, key)
			s.grantsCountAtomic.Add(-1)
		}
		return nil
	})
}

// GetAllGrants returns copies of every grant matching filter.
func (s *Store) GetAllGrants(ctx context.Context, filter storage.GrantFilter) ([]*storage.PersistedGrant, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var out []*storage.PersistedGrant
	err := s.observe(ctx, "get_all_grants", func(context.Context) error {
		s.mu.RLock()
		defer s.mu.RUnlock()

		for _, g := range s.grants {
			if filter.Matches(g) {
				cp := *g
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

// RemoveAllGrants deletes every grant matching filter and returns how many
// were removed.
func (s *Store) RemoveAllGrants(ctx context.Context, filter storage.GrantFilter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	removed := 0
	err := s.observe(ctx, "remove_all_grants", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		for key, g := range s.grants {
			if filter.Matches(g) {
				delete(s.grants, key)
				removed++
			}
		}
		s.grantsCountAtomic.Add(int64(-removed))
		return nil
	})
	if removed > 0 {
		s.logger.Debug("Removed grants", "count", removed,
			"client_id", filter.ClientID, "family_id", filter.FamilyID, "kind", filter.Kind)
	}
	return removed, err
}
