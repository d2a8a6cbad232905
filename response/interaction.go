package response

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/validation"
)

// acrIdentityProviderPrefix selects an identity provider through acr_values.
const acrIdentityProviderPrefix = "idp:"

// Interaction is the outcome of ProcessInteraction. At most one of the
// fields is set; a zero Interaction means the request may proceed.
type Interaction struct {
	// IsLogin asks the host to authenticate the user and retry.
	IsLogin bool

	// IsConsent asks the host to show a consent page and retry with the
	// user's ConsentResponse.
	IsConsent bool

	// Error is delivered to the client's redirect URI.
	Error *validation.AuthorizeError
}

// Proceed reports whether the authorize response can be generated.
func (i *Interaction) Proceed() bool {
	return !i.IsLogin && !i.IsConsent && i.Error == nil
}

// ConsentResponse is the user's answer on the consent page.
type ConsentResponse struct {
	Granted         bool
	ScopesConsented []string
	RememberConsent bool
}

// InteractionConfig configures an InteractionResponseGenerator.
type InteractionConfig struct {
	Consent   *ConsentService
	Resources *validation.ResourceValidator
	Profile   identity.ProfileService
	Clock     security.Clock
	Logger    *slog.Logger
}

// InteractionResponseGenerator decides whether an authorize request needs
// the user to log in or consent before a response can be issued.
type InteractionResponseGenerator struct {
	consent   *ConsentService
	resources *validation.ResourceValidator
	profile   identity.ProfileService
	clock     security.Clock
	logger    *slog.Logger
}

// NewInteractionResponseGenerator creates an interaction generator.
func NewInteractionResponseGenerator(cfg InteractionConfig) *InteractionResponseGenerator {
	if cfg.Profile == nil {
		cfg.Profile = identity.DefaultProfileService{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InteractionResponseGenerator{
		consent:   cfg.Consent,
		resources: cfg.Resources,
		profile:   cfg.Profile,
		clock:     security.ClockOrDefault(cfg.Clock),
		logger:    cfg.Logger,
	}
}

// ProcessInteraction checks login first and consent second. consent is the
// user's answer when the request comes back from the consent page, nil
// otherwise. On a granted consent req is narrowed to the consented scopes.
func (g *InteractionResponseGenerator) ProcessInteraction(ctx context.Context, req *validation.ValidatedAuthorizeRequest, consent *ConsentResponse) (*Interaction, error) {
	login, err := g.processLogin(ctx, req)
	if err != nil || !login.Proceed() {
		return login, err
	}
	return g.processConsent(ctx, req, consent)
}

func (g *InteractionResponseGenerator) processLogin(ctx context.Context, req *validation.ValidatedAuthorizeRequest) (*Interaction, error) {
	reason, err := g.loginReason(ctx, req)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		return &Interaction{}, nil
	}

	g.logger.Debug("Login required", "client_id", req.Client.ClientID, "reason", reason)
	if req.HasPrompt(protocol.PromptNone) {
		return &Interaction{Error: &validation.AuthorizeError{
			Err:     protocol.NewRedirectError(protocol.ErrorLoginRequired, ""),
			Request: req,
		}}, nil
	}
	return &Interaction{IsLogin: true}, nil
}

// loginReason returns why the user has to authenticate, or "".
func (g *InteractionResponseGenerator) loginReason(ctx context.Context, req *validation.ValidatedAuthorizeRequest) (string, error) {
	if req.HasPrompt(protocol.PromptLogin) || req.HasPrompt(protocol.PromptSelectAccount) {
		return "prompt", nil
	}
	subject := req.Subject
	if !subject.IsAuthenticated() {
		return "unauthenticated", nil
	}

	active, err := g.profile.IsActive(ctx, subject, req.Client.ClientID, identity.CallerAuthorize)
	if err != nil {
		return "", fmt.Errorf("failed to check subject: %w", err)
	}
	if !active {
		return "inactive", nil
	}

	for _, acr := range req.AcrValues {
		if idp, ok := strings.CutPrefix(acr, acrIdentityProviderPrefix); ok && idp != subject.IdentityProvider {
			return "identity provider", nil
		}
	}

	age := g.clock.Now().Sub(subject.AuthTime)
	if req.MaxAge != nil && age > *req.MaxAge {
		return "max_age", nil
	}
	if req.Client.UserSSOLifetime > 0 && age > req.Client.UserSSOLifetime {
		return "sso lifetime", nil
	}
	return "", nil
}

func (g *InteractionResponseGenerator) processConsent(ctx context.Context, req *validation.ValidatedAuthorizeRequest, consent *ConsentResponse) (*Interaction, error) {
	if consent == nil {
		required := req.HasPrompt(protocol.PromptConsent)
		if !required && g.consent != nil {
			var err error
			required, err = g.consent.RequiresConsent(ctx, req.Subject, req.Client, req.RequestedScopes)
			if err != nil {
				return nil, err
			}
		}
		if !required {
			return &Interaction{}, nil
		}
		if req.HasPrompt(protocol.PromptNone) {
			return &Interaction{Error: &validation.AuthorizeError{
				Err:     protocol.NewRedirectError(protocol.ErrorConsentRequired, ""),
				Request: req,
			}}, nil
		}
		return &Interaction{IsConsent: true}, nil
	}

	req.WasConsentShown = true
	if !consent.Granted {
		return denied(req, "user denied consent"), nil
	}

	scopes := grantedScopes(req, consent.ScopesConsented)
	if len(scopes) == 0 {
		return denied(req, "no scopes consented"), nil
	}
	resources, err := g.resources.Validate(ctx, req.Client, scopes)
	if err != nil {
		if pe, ok := protocol.AsError(err); ok {
			return &Interaction{Error: &validation.AuthorizeError{
				Err:     protocol.NewRedirectError(pe.Code, pe.Description),
				Request: req,
			}}, nil
		}
		return nil, err
	}
	req.RequestedScopes = scopes
	req.Resources = resources

	if g.consent != nil && req.Client.AllowRememberConsent {
		var remembered []string
		if consent.RememberConsent {
			remembered = scopes
		}
		if err := g.consent.UpdateConsent(ctx, req.Subject, req.Client, remembered); err != nil {
			return nil, err
		}
	}
	return &Interaction{}, nil
}

// grantedScopes keeps the requested scopes the user consented to, plus
// every required scope. The order of the request is preserved.
func grantedScopes(req *validation.ValidatedAuthorizeRequest, consented []string) []string {
	var out []string
	for _, s := range req.RequestedScopes {
		if slices.Contains(consented, s) || isRequiredScope(req, s) {
			out = append(out, s)
		}
	}
	return out
}

func isRequiredScope(req *validation.ValidatedAuthorizeRequest, scope string) bool {
	if req.Resources == nil {
		return false
	}
	if ir, ok := req.Resources.FindIdentityResource(scope); ok && ir.Required {
		return true
	}
	if s, ok := req.Resources.FindAPIScope(scope); ok && s.Required {
		return true
	}
	return false
}

func denied(req *validation.ValidatedAuthorizeRequest, desc string) *Interaction {
	return &Interaction{Error: &validation.AuthorizeError{
		Err:     protocol.NewRedirectError(protocol.ErrorAccessDenied, desc),
		Request: req,
	}}
}
