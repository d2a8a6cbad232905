package cors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// Policy decides whether origin may call the endpoint at path.
type Policy interface {
	IsOriginAllowed(ctx context.Context, origin, path string) (bool, error)
}

// Default protocol endpoint paths that accept cross-origin requests.
const (
	PathDiscovery             = protocol.PathDiscovery
	PathAuthorizationServerMD = protocol.PathAuthorizationServerMD
	PathJWKS                  = protocol.PathJWKS
	PathToken                 = protocol.PathToken
	PathUserInfo              = protocol.PathUserInfo
	PathRevocation            = protocol.PathRevocation
	PathIntrospection         = protocol.PathIntrospection
	PathDeviceAuthorization   = protocol.PathDeviceAuthorization
)

// DefaultAllowedPaths returns the protocol paths open to CORS.
func DefaultAllowedPaths() []string {
	return []string{
		PathDiscovery,
		PathAuthorizationServerMD,
		PathJWKS,
		PathToken,
		PathUserInfo,
		PathRevocation,
		PathIntrospection,
		PathDeviceAuthorization,
	}
}

// DefaultPolicy checks the path against a fixed allow-list and the origin
// against the origins registered on enabled clients.
type DefaultPolicy struct {
	origins storage.CORSOriginStore
	paths   map[string]struct{}
	auditor *security.Auditor
	logger  *slog.Logger
}

var _ Policy = (*DefaultPolicy)(nil)

// NewDefaultPolicy creates a policy. An empty paths list uses DefaultAllowedPaths.
func NewDefaultPolicy(origins storage.CORSOriginStore, paths []string, auditor *security.Auditor, logger *slog.Logger) *DefaultPolicy {
	if len(paths) == 0 {
		paths = DefaultAllowedPaths()
	}
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[normalizePath(p)] = struct{}{}
	}
	return &DefaultPolicy{origins: origins, paths: set, auditor: auditor, logger: logger}
}

// IsPathAllowed reports whether path is one of the CORS-enabled endpoints.
func (p *DefaultPolicy) IsPathAllowed(path string) bool {
	_, ok := p.paths[normalizePath(path)]
	return ok
}

// IsOriginAllowed implements Policy.
func (p *DefaultPolicy) IsOriginAllowed(ctx context.Context, origin, path string) (bool, error) {
	if !p.IsPathAllowed(path) {
		p.logger.Debug("CORS request to a non-protocol path", "path", util.SafeTruncate(path, 128))
		return false, nil
	}
	if util.NormalizeOrigin(origin) == "" {
		p.reject(origin, path, "malformed origin")
		return false, nil
	}

	allowed, err := p.origins.IsOriginAllowed(ctx, origin)
	if err != nil {
		return false, fmt.Errorf("failed to check CORS origin: %w", err)
	}
	if !allowed {
		p.reject(origin, path, "origin not registered")
	}
	return allowed, nil
}

func (p *DefaultPolicy) reject(origin, path, reason string) {
	p.auditor.LogEvent(security.Event{
		Type:    security.EventCORSOriginRejected,
		Reason:  reason,
		Details: map[string]any{"origin": util.SafeTruncate(origin, 256), "path": path},
	})
}

func normalizePath(path string) string {
	if path == "/" {
		return path
	}
	return strings.ToLower(strings.TrimSuffix(path, "/"))
}
