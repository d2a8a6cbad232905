package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client.Clone()
	s.logger.Debug("Saved client", "client_id", client.ClientID, "enabled", client.Enabled)
	return nil
}

// FindEnabledClientByID returns a copy of the client. Disabled clients are
// reported as storage.ErrNotFound.
func (s *Store) FindEnabledClientByID(ctx context.Context, clientID string) (*storage.Client, error) {
	var client *storage.Client
	err := s.observe(ctx, "find_client", func(context.Context) error {
		s.mu.RLock()
		defer s.mu.RUnlock()

		c, ok := s.clients[clientID]
		if !ok || !c.Enabled {
			return storage.ErrNotFound
		}
		client = c.Clone()
		return nil
	})
	return client, err
}

// ListClients lists all registered clients, enabled or not, ordered by ID.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c.Clone())
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// ============================================================
// CORSOriginStore Implementation
// ============================================================

// IsOriginAllowed reports whether any enabled client registered origin.
// Scheme and host compare case-insensitively; anything beyond
// scheme://host[:port] never matches.
func (s *Store) IsOriginAllowed(ctx context.Context, origin string) (bool, error) {
	normalized := util.NormalizeOrigin(origin)
	if normalized == "" {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clients {
		if !c.Enabled {
			continue
		}
		for _, o := range c.AllowedCORSOrigins {
			if util.NormalizeOrigin(o) == normalized {
				return true, nil
			}
		}
	}
	return false, nil
}

// ============================================================
// ResourceStore Implementation
// ============================================================

// SaveIdentityResource registers or replaces an identity resource.
func (s *Store) SaveIdentityResource(r storage.IdentityResource) error {
	if r.Name == "" {
		return fmt.Errorf("identity resource name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityResources = upsertByName(s.identityResources, r, func(x storage.IdentityResource) string { return x.Name })
	return nil
}

// SaveAPIScope registers or replaces an API scope.
func (s *Store) SaveAPIScope(scope storage.APIScope) error {
	if scope.Name == "" {
		return fmt.Errorf("API scope name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiScopes = upsertByName(s.apiScopes, scope, func(x storage.APIScope) string { return x.Name })
	return nil
}

// SaveAPIResource registers or replaces an API resource.
func (s *Store) SaveAPIResource(r storage.APIResource) error {
	if r.Name == "" {
		return fmt.Errorf("API resource name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiResources = upsertByName(s.apiResources, r, func(x storage.APIResource) string { return x.Name })
	return nil
}

// FindIdentityResourcesByScopeName returns the enabled identity resources named in names.
func (s *Store) FindIdentityResourcesByScopeName(ctx context.Context, names []string) ([]storage.IdentityResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.IdentityResource
	for _, r := range s.identityResources {
		if r.Enabled && slices.Contains(names, r.Name) {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindAPIScopesByName returns the enabled API scopes named in names.
func (s *Store) FindAPIScopesByName(ctx context.Context, names []string) ([]storage.APIScope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.APIScope
	for _, sc := range s.apiScopes {
		if sc.Enabled && slices.Contains(names, sc.Name) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// FindAPIResourcesByScopeName returns the enabled API resources exposing any of the scopes.
func (s *Store) FindAPIResourcesByScopeName(ctx context.Context, names []string) ([]storage.APIResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.APIResource
	for _, r := range s.apiResources {
		if !r.Enabled {
			continue
		}
		if slices.ContainsFunc(r.Scopes, func(sc string) bool { return slices.Contains(names, sc) }) {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindAPIResourcesByName returns the enabled API resources named in names.
func (s *Store) FindAPIResourcesByName(ctx context.Context, names []string) ([]storage.APIResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.APIResource
	for _, r := range s.apiResources {
		if r.Enabled && slices.Contains(names, r.Name) {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetAllResources returns every enabled resource.
func (s *Store) GetAllResources(ctx context.Context) (*storage.Resources, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := &storage.Resources{}
	for _, r := range s.identityResources {
		if r.Enabled {
			res.IdentityResources = append(res.IdentityResources, r)
		}
	}
	for _, r := range s.apiResources {
		if r.Enabled {
			res.APIResources = append(res.APIResources, r)
		}
	}
	for _, sc := range s.apiScopes {
		if sc.Enabled {
			res.APIScopes = append(res.APIScopes, sc)
		}
	}
	return res, nil
}

func upsertByName[T any](items []T, item T, name func(T) string) []T {
	for i := range items {
		if name(items[i]) == name(item) {
			items[i] = item
			return items
		}
	}
	return append(items, item)
}
