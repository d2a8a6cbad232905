package validation

import (
	"context"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
)

// ResourceValidator resolves requested scopes into identity resources, API
// scopes and API resources, restricted to what the client may request.
type ResourceValidator struct {
	store storage.ResourceStore
}

// NewResourceValidator creates a resource validator.
func NewResourceValidator(store storage.ResourceStore) *ResourceValidator {
	return &ResourceValidator{store: store}
}

// Validate resolves scopes for client. Every scope must be allowed for the
// client and known to the resource store; otherwise the result is
// invalid_scope. offline_access additionally requires AllowOfflineAccess.
func (v *ResourceValidator) Validate(ctx context.Context, client *storage.Client, scopes []string) (*storage.Resources, error) {
	scopes = dedupe(scopes)
	if len(scopes) == 0 {
		return nil, protocol.ErrInvalidScope("no scopes requested")
	}

	var names []string
	offline := false
	for _, s := range scopes {
		if s == protocol.ScopeOfflineAccess {
			if !client.AllowOfflineAccess {
				return nil, protocol.ErrInvalidScope("offline_access is not allowed for this client")
			}
			offline = true
			continue
		}
		if !client.AllowsScope(s) {
			return nil, protocol.ErrInvalidScope("client is not authorized for one or more requested scopes")
		}
		names = append(names, s)
	}

	res := &storage.Resources{OfflineAccess: offline}
	if len(names) == 0 {
		return res, nil
	}

	identityResources, err := v.store.FindIdentityResourcesByScopeName(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity resources: %w", err)
	}
	apiScopes, err := v.store.FindAPIScopesByName(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to load API scopes: %w", err)
	}

	for _, ir := range identityResources {
		if ir.Enabled {
			res.IdentityResources = append(res.IdentityResources, ir)
		}
	}
	for _, s := range apiScopes {
		if s.Enabled {
			res.APIScopes = append(res.APIScopes, s)
		}
	}

	for _, name := range names {
		_, isIdentity := res.FindIdentityResource(name)
		_, isAPI := res.FindAPIScope(name)
		if !isIdentity && !isAPI {
			return nil, protocol.ErrInvalidScope("unknown scope")
		}
		if isIdentity && isAPI {
			return nil, fmt.Errorf("scope %q is both an identity resource and an API scope", name)
		}
	}

	if len(res.APIScopes) > 0 {
		apiNames := make([]string, 0, len(res.APIScopes))
		for _, s := range res.APIScopes {
			apiNames = append(apiNames, s.Name)
		}
		apis, err := v.store.FindAPIResourcesByScopeName(ctx, apiNames)
		if err != nil {
			return nil, fmt.Errorf("failed to load API resources: %w", err)
		}
		for _, api := range apis {
			if api.Enabled {
				res.APIResources = append(res.APIResources, api)
			}
		}
	}
	return res, nil
}

// HasIdentityScopes reports whether any identity resource was resolved.
func HasIdentityScopes(res *storage.Resources) bool {
	return len(res.IdentityResources) > 0
}

// IsOpenID reports whether the openid scope was resolved.
func IsOpenID(res *storage.Resources) bool {
	if res == nil {
		return false
	}
	_, ok := res.FindIdentityResource(protocol.ScopeOpenID)
	return ok
}

// AllowedAPIScopes returns the client's allowed scopes that are not identity
// scopes, used when a client_credentials or device request omits scope.
func AllowedAPIScopes(ctx context.Context, store storage.ResourceStore, client *storage.Client) ([]string, error) {
	identity, err := store.FindIdentityResourcesByScopeName(ctx, client.AllowedScopes)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity resources: %w", err)
	}
	var out []string
	for _, s := range client.AllowedScopes {
		if s == protocol.ScopeOfflineAccess {
			continue
		}
		if !slices.ContainsFunc(identity, func(ir storage.IdentityResource) bool { return ir.Name == s }) {
			out = append(out, s)
		}
	}
	return out, nil
}

func dedupe(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
