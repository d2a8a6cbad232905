package validation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
)

// DefaultRequestURITimeout bounds fetching a request_uri.
const DefaultRequestURITimeout = 5 * time.Second

// remoteRequestObjectClaims are the claims accepted from a request object
// fetched from a request_uri.
var remoteRequestObjectClaims = []string{
	protocol.ParamClientID, protocol.ParamRedirectURI, protocol.ParamResponseType,
	protocol.ParamResponseMode, protocol.ParamScope, protocol.ParamState, protocol.ParamNonce,
	protocol.ParamPrompt, protocol.ParamMaxAge, protocol.ParamLoginHint, protocol.ParamUILocales,
	protocol.ParamAcrValues, protocol.ParamCodeChallenge, protocol.ParamCodeChallengeMethod,
	protocol.ParamResource,
}

// registeredClaims are JWT claims of the request object itself, never merged
// into the authorize parameters.
var registeredClaims = []string{
	protocol.ClaimIssuer, protocol.ClaimAudience, protocol.ClaimExpiration,
	protocol.ClaimNotBefore, protocol.ClaimIssuedAt, protocol.ClaimJWTID,
	protocol.ClaimSubject,
}

// RequestObjectLoader fetches and verifies signed authorization request
// objects (OpenID Connect Core 6).
type RequestObjectLoader struct {
	issuer     string
	httpClient *http.Client
	clock      security.Clock
	clockSkew  time.Duration
	logger     *slog.Logger
}

// RequestObjectLoaderConfig configures a RequestObjectLoader.
type RequestObjectLoaderConfig struct {
	// Issuer is the required audience of request objects.
	Issuer string

	// HTTPClient fetches request_uri values. The default client refuses
	// internal addresses, does not follow redirects and times out after
	// DefaultRequestURITimeout.
	HTTPClient *http.Client

	Clock  security.Clock
	Logger *slog.Logger
}

// NewRequestObjectLoader creates a request object loader.
func NewRequestObjectLoader(cfg RequestObjectLoaderConfig) *RequestObjectLoader {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newRequestURIClient(DefaultRequestURITimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RequestObjectLoader{
		issuer:     strings.ToLower(cfg.Issuer),
		httpClient: cfg.HTTPClient,
		clock:      security.ClockOrDefault(cfg.Clock),
		clockSkew:  security.DefaultClockSkewGracePeriod,
		logger:     cfg.Logger,
	}
}

func newRequestURIClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout, Control: util.DenyInternalDial}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Merge resolves the request object referenced by params, verifies it with
// client's keys, and returns params with its claims merged in. A claim that
// contradicts a query parameter is an invalid_request_object error.
func (l *RequestObjectLoader) Merge(ctx context.Context, client *storage.Client, params url.Values) (url.Values, error) {
	request := params.Get(protocol.ParamRequest)
	requestURI := params.Get(protocol.ParamRequestURI)
	if request != "" && requestURI != "" {
		return nil, protocol.NewFatalError(protocol.ErrorInvalidRequest, "request and request_uri are mutually exclusive")
	}

	remote := false
	if requestURI != "" {
		raw, err := l.fetch(ctx, requestURI)
		if err != nil {
			return nil, err
		}
		request, remote = raw, true
	}
	if len(request) > MaxRequestObjectBytes {
		return nil, protocol.NewFatalError(protocol.ErrorInvalidRequestObject, "request object too large")
	}

	claims, err := l.verify(client, request)
	if err != nil {
		return nil, err
	}

	merged := url.Values{}
	for k, v := range params {
		if k == protocol.ParamRequest || k == protocol.ParamRequestURI {
			continue
		}
		merged[k] = slices.Clone(v)
	}
	for name, value := range claims {
		if slices.Contains(registeredClaims, name) {
			continue
		}
		if remote && !slices.Contains(remoteRequestObjectClaims, name) {
			continue
		}
		s, ok := claimString(value)
		if !ok {
			continue
		}
		if existing := merged.Get(name); existing != "" && existing != s {
			return nil, protocol.NewFatalError(protocol.ErrorInvalidRequestObject,
				fmt.Sprintf("%s in request object does not match the query parameter", name))
		}
		merged.Set(name, s)
	}
	return merged, nil
}

func (l *RequestObjectLoader) verify(client *storage.Client, raw string) (map[string]any, error) {
	keys, err := clientJSONWebKeys(client, l.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to load client keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, protocol.NewFatalError(protocol.ErrorInvalidRequestObject, "client has no keys for request objects")
	}

	tok, err := jwt.ParseSigned(raw, tokens.SupportedSignatureAlgorithms)
	if err != nil {
		return nil, protocol.NewFatalError(protocol.ErrorInvalidRequestObject, "malformed request object")
	}

	var std jwt.Claims
	var all map[string]any
	verified := false
	for _, k := range keys {
		if err := tok.Claims(k.Key, &std, &all); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, protocol.NewFatalError(protocol.ErrorInvalidRequestObject, "request object signature is invalid")
	}

	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer:      client.ClientID,
		AnyAudience: jwt.Audience{l.issuer},
		Time:        l.clock.Now(),
	}, l.clockSkew)
	if err != nil {
		l.logger.Info("Rejected request object", "client_id", client.ClientID, "error", err)
		return nil, protocol.NewFatalError(protocol.ErrorInvalidRequestObject, "request object claims are invalid")
	}
	if cid, ok := all[protocol.ParamClientID].(string); ok && cid != client.ClientID {
		return nil, protocol.NewFatalError(protocol.ErrorInvalidRequestObject, "client_id in request object does not match")
	}
	return all, nil
}

func (l *RequestObjectLoader) fetch(ctx context.Context, requestURI string) (string, error) {
	u, err := url.Parse(requestURI)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", protocol.NewFatalError(protocol.ErrorInvalidRequestURI, "request_uri must be an https URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURI, nil)
	if err != nil {
		return "", protocol.NewFatalError(protocol.ErrorInvalidRequestURI, "invalid request_uri")
	}
	req.Header.Set("Accept", "application/oauth-authz-req+jwt, application/jwt")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		l.logger.Info("Failed to fetch request_uri", "host", u.Host, "error", err)
		return "", protocol.NewFatalError(protocol.ErrorInvalidRequestURI, "failed to fetch request_uri")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", protocol.NewFatalError(protocol.ErrorInvalidRequestURI, "failed to fetch request_uri")
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/oauth-authz-req+jwt" && mediaType != "application/jwt" {
		return "", protocol.NewFatalError(protocol.ErrorInvalidRequestURI, "request_uri did not return a JWT")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxRequestObjectBytes+1))
	if err != nil {
		return "", protocol.NewFatalError(protocol.ErrorInvalidRequestURI, "failed to read request_uri")
	}
	if len(body) > MaxRequestObjectBytes {
		return "", protocol.NewFatalError(protocol.ErrorInvalidRequestObject, "request object too large")
	}
	return strings.TrimSpace(string(body)), nil
}

// claimString renders a request object claim as a query parameter value.
// Only strings and numbers are representable.
func claimString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}
