package response

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oauth-provider/keys"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
)

// DiscoveryDocument is the OpenID Provider metadata document.
type DiscoveryDocument struct {
	Issuer                             string   `json:"issuer"`
	JWKSURI                            string   `json:"jwks_uri,omitempty"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	UserInfoEndpoint                   string   `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint                 string   `json:"end_session_endpoint"`
	CheckSessionIframe                 string   `json:"check_session_iframe,omitempty"`
	RevocationEndpoint                 string   `json:"revocation_endpoint"`
	IntrospectionEndpoint              string   `json:"introspection_endpoint"`
	DeviceAuthorizationEndpoint        string   `json:"device_authorization_endpoint,omitempty"`
	FrontChannelLogoutSupported        bool     `json:"frontchannel_logout_supported"`
	FrontChannelLogoutSessionSupported bool     `json:"frontchannel_logout_session_supported"`
	BackChannelLogoutSupported         bool     `json:"backchannel_logout_supported"`
	BackChannelLogoutSessionSupported  bool     `json:"backchannel_logout_session_supported"`
	ScopesSupported                    []string `json:"scopes_supported"`
	ClaimsSupported                    []string `json:"claims_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	ResponseTypesSupported             []string `json:"response_types_supported"`
	ResponseModesSupported             []string `json:"response_modes_supported"`
	TokenEndpointAuthMethodsSupported  []string `json:"token_endpoint_auth_methods_supported"`
	IDTokenSigningAlgValuesSupported   []string `json:"id_token_signing_alg_values_supported"`
	SubjectTypesSupported              []string `json:"subject_types_supported"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported"`
	RequestParameterSupported          bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported       bool     `json:"request_uri_parameter_supported"`
	AuthorizationResponseIssParameter  bool     `json:"authorization_response_iss_parameter_supported"`
}

// DiscoveryConfig configures a DiscoveryResponseGenerator.
type DiscoveryConfig struct {
	Tokens    *tokens.Service
	Keys      *keys.Service
	Resources storage.ResourceStore

	// Optional features advertised in the document.
	DeviceFlowEnabled     bool
	PasswordGrantEnabled  bool
	RequestObjectsEnabled bool
	ExtensionGrantTypes   []string
}

// DiscoveryResponseGenerator builds the discovery document and the JWKS.
type DiscoveryResponseGenerator struct {
	cfg DiscoveryConfig
}

// NewDiscoveryResponseGenerator creates a discovery generator.
func NewDiscoveryResponseGenerator(cfg DiscoveryConfig) *DiscoveryResponseGenerator {
	return &DiscoveryResponseGenerator{cfg: cfg}
}

// CreateDiscoveryDocument lists only enabled resources marked for discovery.
func (g *DiscoveryResponseGenerator) CreateDiscoveryDocument(ctx context.Context) (*DiscoveryDocument, error) {
	issuer := strings.TrimSuffix(g.cfg.Tokens.Issuer(), "/")
	endpoint := func(path string) string { return issuer + path }

	doc := &DiscoveryDocument{
		Issuer:                            issuer,
		JWKSURI:                           endpoint(protocol.PathJWKS),
		AuthorizationEndpoint:             endpoint(protocol.PathAuthorize),
		TokenEndpoint:                     endpoint(protocol.PathToken),
		UserInfoEndpoint:                  endpoint(protocol.PathUserInfo),
		EndSessionEndpoint:                endpoint(protocol.PathEndSession),
		CheckSessionIframe:                endpoint(protocol.PathCheckSession),
		RevocationEndpoint:                endpoint(protocol.PathRevocation),
		IntrospectionEndpoint:             endpoint(protocol.PathIntrospection),
		BackChannelLogoutSupported:        true,
		BackChannelLogoutSessionSupported: true,
		GrantTypesSupported: []string{
			protocol.GrantTypeAuthorizationCode,
			protocol.GrantTypeClientCredentials,
			protocol.GrantTypeRefreshToken,
			protocol.GrantTypeImplicit,
		},
		ResponseTypesSupported: []string{
			protocol.ResponseTypeCode,
			protocol.ResponseTypeToken,
			protocol.ResponseTypeIDToken,
			protocol.ResponseTypeIDTokenToken,
			protocol.ResponseTypeCodeIDToken,
			protocol.ResponseTypeCodeToken,
			protocol.ResponseTypeCodeIDTokenToken,
		},
		ResponseModesSupported: []string{
			protocol.ResponseModeFormPost,
			protocol.ResponseModeQuery,
			protocol.ResponseModeFragment,
		},
		TokenEndpointAuthMethodsSupported: []string{
			protocol.AuthMethodClientSecretBasic,
			protocol.AuthMethodClientSecretPost,
			protocol.AuthMethodPrivateKeyJWT,
			protocol.AuthMethodTLSClientAuth,
		},
		SubjectTypesSupported:             []string{"public"},
		CodeChallengeMethodsSupported:     []string{"plain", "S256"},
		RequestParameterSupported:         g.cfg.RequestObjectsEnabled,
		RequestURIParameterSupported:      g.cfg.RequestObjectsEnabled,
		AuthorizationResponseIssParameter: true,
	}
	if g.cfg.PasswordGrantEnabled {
		doc.GrantTypesSupported = append(doc.GrantTypesSupported, protocol.GrantTypePassword)
	}
	if g.cfg.DeviceFlowEnabled {
		doc.DeviceAuthorizationEndpoint = endpoint(protocol.PathDeviceAuthorization)
		doc.GrantTypesSupported = append(doc.GrantTypesSupported, protocol.GrantTypeDeviceCode)
	}
	doc.GrantTypesSupported = append(doc.GrantTypesSupported, g.cfg.ExtensionGrantTypes...)

	resources, err := g.cfg.Resources.GetAllResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}
	doc.ScopesSupported, doc.ClaimsSupported = discoverable(resources)

	algs, err := g.cfg.Keys.SigningAlgorithms(ctx)
	if err != nil {
		return nil, err
	}
	doc.IDTokenSigningAlgValuesSupported = algs
	return doc, nil
}

// JWKS returns the public keys of the issuer.
func (g *DiscoveryResponseGenerator) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	return g.cfg.Keys.JWKS(ctx)
}

func discoverable(res *storage.Resources) (scopes, claims []string) {
	add := func(list []string, values ...string) []string {
		for _, v := range values {
			if !slices.Contains(list, v) {
				list = append(list, v)
			}
		}
		return list
	}
	for _, ir := range res.IdentityResources {
		if ir.Enabled && ir.ShowInDiscoveryDocument {
			scopes = add(scopes, ir.Name)
			claims = add(claims, ir.UserClaims...)
		}
	}
	for _, s := range res.APIScopes {
		if s.Enabled && s.ShowInDiscoveryDocument {
			scopes = add(scopes, s.Name)
			claims = add(claims, s.UserClaims...)
		}
	}
	scopes = add(scopes, protocol.ScopeOfflineAccess)
	return scopes, claims
}
