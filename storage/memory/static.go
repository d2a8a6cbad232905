package memory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-provider/storage"
)

// StaticConfig is the YAML document describing clients and resources served
// from memory.
//
//	includeStandardIdentityResources: true
//	clients:
//	  - clientId: m2m
//	    allowedGrantTypes: [client_credentials]
//	    allowedScopes: [api1]
//	    secrets:
//	      - type: SharedSecret
//	        value: <base64 sha256 or bcrypt hash>
//	apiScopes:
//	  - name: api1
//	apiResources:
//	  - name: orders
//	    scopes: [api1]
type StaticConfig struct {
	IncludeStandardIdentityResources bool                     `yaml:"includeStandardIdentityResources"`
	Clients                          []ClientConfig           `yaml:"clients"`
	IdentityResources                []IdentityResourceConfig `yaml:"identityResources"`
	APIScopes                        []APIScopeConfig         `yaml:"apiScopes"`
	APIResources                     []APIResourceConfig      `yaml:"apiResources"`
}

// ClientConfig is a client as written in YAML. Enabled, RequireClientSecret,
// RequirePKCE, AllowRememberConsent and IncludeJwtID default to true when
// omitted.
type ClientConfig storage.Client

// UnmarshalYAML applies the defaults before decoding.
func (c *ClientConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ClientConfig
	*c = ClientConfig{
		Enabled:              true,
		RequireClientSecret:  true,
		RequirePKCE:          true,
		AllowRememberConsent: true,
		IncludeJwtID:         true,
	}
	return node.Decode((*plain)(c))
}

// IdentityResourceConfig defaults Enabled and ShowInDiscoveryDocument to true.
type IdentityResourceConfig storage.IdentityResource

// UnmarshalYAML applies the defaults before decoding.
func (r *IdentityResourceConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain IdentityResourceConfig
	*r = IdentityResourceConfig{Enabled: true, ShowInDiscoveryDocument: true}
	return node.Decode((*plain)(r))
}

// APIScopeConfig defaults Enabled and ShowInDiscoveryDocument to true.
type APIScopeConfig storage.APIScope

// UnmarshalYAML applies the defaults before decoding.
func (s *APIScopeConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain APIScopeConfig
	*s = APIScopeConfig{Enabled: true, ShowInDiscoveryDocument: true}
	return node.Decode((*plain)(s))
}

// APIResourceConfig defaults Enabled to true.
type APIResourceConfig storage.APIResource

// UnmarshalYAML applies the defaults before decoding.
func (r *APIResourceConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain APIResourceConfig
	*r = APIResourceConfig{Enabled: true}
	return node.Decode((*plain)(r))
}

// ParseStaticConfig decodes a StaticConfig document.
func ParseStaticConfig(data []byte) (*StaticConfig, error) {
	var cfg StaticConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse static configuration: %w", err)
	}
	return &cfg, nil
}

// LoadStaticConfigFile reads and decodes a StaticConfig file.
func LoadStaticConfigFile(path string) (*StaticConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read static configuration: %w", err)
	}
	return ParseStaticConfig(data)
}

// LoadStatic registers every client and resource of cfg. Client defaults
// (lifetimes, rotation policy) are applied on the way in.
func (s *Store) LoadStatic(ctx context.Context, cfg *StaticConfig) error {
	if cfg == nil {
		return nil
	}

	if cfg.IncludeStandardIdentityResources {
		for _, r := range storage.StandardIdentityResources() {
			if err := s.SaveIdentityResource(r); err != nil {
				return err
			}
		}
	}
	for _, r := range cfg.IdentityResources {
		if err := s.SaveIdentityResource(storage.IdentityResource(r)); err != nil {
			return err
		}
	}
	for _, sc := range cfg.APIScopes {
		if err := s.SaveAPIScope(storage.APIScope(sc)); err != nil {
			return err
		}
	}
	for _, r := range cfg.APIResources {
		if err := s.SaveAPIResource(storage.APIResource(r)); err != nil {
			return err
		}
	}
	for i := range cfg.Clients {
		client := storage.Client(cfg.Clients[i])
		client.ApplyDefaults()
		if err := s.SaveClient(ctx, &client); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
	}

	s.logger.Info("Loaded static configuration",
		"clients", len(cfg.Clients),
		"api_scopes", len(cfg.APIScopes),
		"api_resources", len(cfg.APIResources))
	return nil
}
