package response

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
	"github.com/giantswarm/oauth-provider/validation"
)

// AuthorizeResponse is the result of an authorize request, ready to be
// delivered to the client's redirect URI in ResponseMode.
type AuthorizeResponse struct {
	RedirectURI  string
	ResponseMode string

	Code                string
	AccessToken         string
	AccessTokenLifetime int // seconds
	IdentityToken       string
	Scope               string
	State               string
	SessionState        string
	Issuer              string

	Error            string
	ErrorDescription string
}

// IsError reports whether the response carries an error.
func (r *AuthorizeResponse) IsError() bool {
	return r.Error != ""
}

// Params returns the response parameters.
func (r *AuthorizeResponse) Params() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	if r.IsError() {
		set(protocol.ParamError, r.Error)
		set(protocol.ParamErrorDescription, r.ErrorDescription)
	} else {
		set(protocol.ParamCode, r.Code)
		set(protocol.ParamIDToken, r.IdentityToken)
		if r.AccessToken != "" {
			v.Set(protocol.ParamAccessToken, r.AccessToken)
			v.Set(protocol.ParamTokenType, protocol.TokenTypeBearer)
			v.Set(protocol.ParamExpiresIn, strconv.Itoa(r.AccessTokenLifetime))
		}
		set(protocol.ParamScope, r.Scope)
		set(protocol.ParamSessionState, r.SessionState)
	}
	set(protocol.ParamState, r.State)
	set(protocol.ParamIssuer, r.Issuer)
	return v
}

// RedirectURL renders the response for the query and fragment modes.
func (r *AuthorizeResponse) RedirectURL() (string, error) {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect uri: %w", err)
	}
	params := r.Params()

	switch r.ResponseMode {
	case protocol.ResponseModeFragment:
		u.Fragment = ""
		return u.String() + "#" + params.Encode(), nil
	case protocol.ResponseModeQuery, "":
		q := u.Query()
		for k, vs := range params {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	default:
		return "", fmt.Errorf("response mode %q is not redirect based", r.ResponseMode)
	}
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html><head><title>Submit this form</title><meta name="viewport" content="width=device-width, initial-scale=1.0" /></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{range $k, $vs := .Params}}{{range $vs}}<input type="hidden" name="{{$k}}" value="{{.}}" />
{{end}}{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>
`))

// FormPostHTML renders the response as an auto-submitting HTML form for
// the form_post mode.
func (r *AuthorizeResponse) FormPostHTML() (string, error) {
	var buf bytes.Buffer
	err := formPostTemplate.Execute(&buf, struct {
		Action string
		Params url.Values
	}{r.RedirectURI, r.Params()})
	if err != nil {
		return "", fmt.Errorf("failed to render form post: %w", err)
	}
	return buf.String(), nil
}

// NewAuthorizeErrorResponse converts a redirectable authorize error into a
// response for the client's redirect URI.
func NewAuthorizeErrorResponse(ae *validation.AuthorizeError, issuer string) (*AuthorizeResponse, error) {
	if !ae.CanRedirect() {
		return nil, fmt.Errorf("authorize error cannot be redirected: %w", ae)
	}
	mode := ae.Request.ResponseMode
	if mode == "" {
		mode = protocol.ResponseModeQuery
	}
	return &AuthorizeResponse{
		RedirectURI:      ae.Request.RedirectURI,
		ResponseMode:     mode,
		State:            ae.Request.State,
		Issuer:           strings.ToLower(issuer),
		Error:            ae.Err.Code,
		ErrorDescription: ae.Err.Description,
	}, nil
}

// AuthorizeConfig configures an AuthorizeResponseGenerator.
type AuthorizeConfig struct {
	Tokens    *tokens.Service
	Grants    storage.PersistedGrantStore
	Encryptor *security.Encryptor
	Handles   tokens.HandleGenerator

	// EmitSessionState adds the session_state parameter to OpenID responses.
	EmitSessionState bool

	Auditor         *security.Auditor
	Clock           security.Clock
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// AuthorizeResponseGenerator issues codes and tokens for validated
// authorize requests.
type AuthorizeResponseGenerator struct {
	tokens           *tokens.Service
	codes            *storage.GrantStore[storage.AuthorizationCode]
	handles          tokens.HandleGenerator
	emitSessionState bool
	auditor          *security.Auditor
	clock            security.Clock
	logger           *slog.Logger
	tracer           trace.Tracer
	metrics          *instrumentation.Metrics
}

// NewAuthorizeResponseGenerator creates an authorize response generator.
func NewAuthorizeResponseGenerator(cfg AuthorizeConfig) *AuthorizeResponseGenerator {
	if cfg.Handles == nil {
		cfg.Handles = tokens.RandomHandleGenerator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AuthorizeResponseGenerator{
		tokens:           cfg.Tokens,
		codes:            storage.NewAuthorizationCodeStore(cfg.Grants, cfg.Encryptor),
		handles:          cfg.Handles,
		emitSessionState: cfg.EmitSessionState,
		auditor:          cfg.Auditor,
		clock:            security.ClockOrDefault(cfg.Clock),
		logger:           cfg.Logger,
		tracer:           cfg.Instrumentation.Tracer("response"),
		metrics:          cfg.Instrumentation.Metrics(),
	}
}

// CreateResponse issues the artifacts named by the response type. The
// request must carry an authenticated subject.
func (g *AuthorizeResponseGenerator) CreateResponse(ctx context.Context, req *validation.ValidatedAuthorizeRequest) (resp *AuthorizeResponse, err error) {
	ctx, span := instrumentation.StartSpan(ctx, g.tracer, "response.authorize")
	defer func() { instrumentation.EndSpan(span, err) }()

	if !req.Subject.IsAuthenticated() {
		return nil, errors.New("authorize response requires an authenticated subject")
	}
	instrumentation.AddOAuthFlowAttributes(span, req.Client.ClientID, req.Subject.Subject, protocol.JoinScopes(req.RequestedScopes))

	resp = &AuthorizeResponse{
		RedirectURI:  req.RedirectURI,
		ResponseMode: req.ResponseMode,
		State:        req.State,
		Issuer:       g.tokens.Issuer(),
	}

	var code string
	if protocol.ResponseTypeIncludesCode(req.ResponseType) {
		if code, err = g.createCode(ctx, req); err != nil {
			return nil, err
		}
		resp.Code = code
	}

	if protocol.ResponseTypeIncludesToken(req.ResponseType) {
		at, err := g.tokens.CreateAccessToken(ctx, tokens.Request{
			Client:      req.Client,
			Subject:     req.Subject,
			Resources:   req.Resources,
			SessionID:   req.SessionID,
			Description: req.Client.ClientName,
		})
		if err != nil {
			return nil, err
		}
		if resp.AccessToken, err = g.tokens.Serialize(ctx, at); err != nil {
			return nil, err
		}
		resp.AccessTokenLifetime = int(at.Lifetime.Seconds())
		resp.Scope = protocol.JoinScopes(at.Scopes)
		g.issued(ctx, req, "access_token", resp.Scope)
	}

	if protocol.ResponseTypeIncludesIDToken(req.ResponseType) {
		idReq := tokens.Request{
			Client:                   req.Client,
			Subject:                  req.Subject,
			Resources:                req.Resources,
			SessionID:                req.SessionID,
			Nonce:                    req.Nonce,
			AccessTokenToHash:        resp.AccessToken,
			AuthorizationCodeToHash:  code,
			IncludeAllIdentityClaims: resp.AccessToken == "",
		}
		if req.GrantType == protocol.GrantTypeHybrid {
			idReq.StateToHash = req.State
		}
		it, err := g.tokens.CreateIdentityToken(ctx, idReq)
		if err != nil {
			return nil, err
		}
		if resp.IdentityToken, err = g.tokens.Serialize(ctx, it); err != nil {
			return nil, err
		}
		g.issued(ctx, req, "id_token", protocol.JoinScopes(req.RequestedScopes))
	}

	if g.emitSessionState && req.IsOpenIDRequest && req.SessionID != "" {
		if resp.SessionState, err = sessionState(req.Client.ClientID, req.RedirectURI, req.SessionID); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (g *AuthorizeResponseGenerator) createCode(ctx context.Context, req *validation.ValidatedAuthorizeRequest) (string, error) {
	handle, err := g.handles.Generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}

	now := g.clock.Now()
	code := &storage.AuthorizationCode{
		ClientID:            req.Client.ClientID,
		Subject:             req.Subject,
		SessionID:           req.SessionID,
		RedirectURI:         req.RedirectURI,
		RequestedScopes:     req.RequestedScopes,
		IsOpenID:            req.IsOpenIDRequest,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		WasConsentShown:     req.WasConsentShown,
		Description:         req.Client.ClientName,
		CreationTime:        now,
		Lifetime:            req.Client.AuthorizationCodeLifetime,
		FamilyID:            uuid.NewString(),
	}
	if req.State != "" && req.IsOpenIDRequest {
		alg, err := g.tokens.Creation().SigningAlgorithm(ctx, req.Client.AllowedIdentityTokenSigningAlgorithms)
		if err != nil {
			return "", err
		}
		code.StateHash = security.LeftHalfHash(alg, req.State)
	}

	err = g.codes.Store(ctx, handle, code, storage.GrantMeta{
		ClientID:     code.ClientID,
		SubjectID:    req.Subject.Subject,
		SessionID:    code.SessionID,
		FamilyID:     code.FamilyID,
		Description:  code.Description,
		CreationTime: now,
		Expiration:   code.ExpiresAt(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	g.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   req.Subject.Subject,
		ClientID: req.Client.ClientID,
		Details:  map[string]any{"family_id": code.FamilyID, "scope": protocol.JoinScopes(req.RequestedScopes)},
	})
	g.logger.Debug("Issued authorization code", "client_id", req.Client.ClientID, "family_id", code.FamilyID)
	return handle, nil
}

func (g *AuthorizeResponseGenerator) issued(ctx context.Context, req *validation.ValidatedAuthorizeRequest, tokenType, scope string) {
	g.auditor.LogTokenIssued(req.Subject.Subject, req.Client.ClientID, req.GrantType, scope)
	g.metrics.RecordTokenIssued(ctx, req.GrantType, tokenType)
}

// sessionState computes the OpenID Connect session management value
// sha256(client_id origin session salt).salt.
func sessionState(clientID, redirectURI, sessionID string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect uri: %w", err)
	}
	origin := u.Scheme + "://" + u.Host

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate session state salt: %w", err)
	}
	s := hex.EncodeToString(salt)
	return security.Sha256Hex(clientID+" "+origin+" "+sessionID+" "+s) + "." + s, nil
}
