package response

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
)

const (
	// DefaultBackChannelTimeout bounds one logout notification, retries included.
	DefaultBackChannelTimeout = 10 * time.Second

	// DefaultBackChannelMaxTries is the number of delivery attempts per client.
	DefaultBackChannelMaxTries = 3

	defaultBackChannelRetryInterval = 500 * time.Millisecond

	// Logout tokens only need to outlive delivery.
	logoutTokenLifetime = 5 * time.Minute
)

// BackChannelLogoutConfig configures a BackChannelLogoutService.
type BackChannelLogoutConfig struct {
	Grants  storage.PersistedGrantStore
	Clients storage.ClientStore
	Tokens  *tokens.Service

	HTTPClient    *http.Client
	Timeout       time.Duration
	MaxTries      uint
	RetryInterval time.Duration

	Auditor         *security.Auditor
	Clock           security.Clock
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// LogoutNotification selects whose clients are told about a logout.
type LogoutNotification struct {
	SubjectID string
	SessionID string

	// ClientIDs are notified in addition to the clients found through the
	// subject's grants.
	ClientIDs []string
}

// BackChannelLogoutService sends OpenID Connect back-channel logout tokens.
// Deliveries run in the background; Wait blocks until they finish.
type BackChannelLogoutService struct {
	grants        storage.PersistedGrantStore
	clients       storage.ClientStore
	tokens        *tokens.Service
	httpClient    *http.Client
	timeout       time.Duration
	maxTries      uint
	retryInterval time.Duration
	auditor       *security.Auditor
	clock         security.Clock
	logger        *slog.Logger
	metrics       *instrumentation.Metrics

	wg sync.WaitGroup
}

// NewBackChannelLogoutService creates a back-channel logout service.
func NewBackChannelLogoutService(cfg BackChannelLogoutConfig) *BackChannelLogoutService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBackChannelTimeout
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = DefaultBackChannelMaxTries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultBackChannelRetryInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BackChannelLogoutService{
		grants:        cfg.Grants,
		clients:       cfg.Clients,
		tokens:        cfg.Tokens,
		httpClient:    cfg.HTTPClient,
		timeout:       cfg.Timeout,
		maxTries:      cfg.MaxTries,
		retryInterval: cfg.RetryInterval,
		auditor:       cfg.Auditor,
		clock:         security.ClockOrDefault(cfg.Clock),
		logger:        cfg.Logger,
		metrics:       cfg.Instrumentation.Metrics(),
	}
}

// SendLogoutNotifications dispatches a logout token to every affected client
// with a back-channel logout URI and returns their IDs. Delivery happens in
// the background and outlives ctx.
func (s *BackChannelLogoutService) SendLogoutNotifications(ctx context.Context, n LogoutNotification) ([]string, error) {
	if n.SubjectID == "" && n.SessionID == "" {
		return nil, errors.New("logout notification requires a subject or session")
	}

	clientIDs, err := s.affectedClients(ctx, n)
	if err != nil {
		return nil, err
	}

	var notified []string
	for _, clientID := range clientIDs {
		client, err := s.clients.FindEnabledClientByID(ctx, clientID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return notified, fmt.Errorf("failed to load client: %w", err)
		}
		if client.BackChannelLogoutURI == "" {
			continue
		}
		if client.BackChannelLogoutSessionRequired && n.SessionID == "" {
			s.logger.Debug("Skipping back-channel logout without session", "client_id", clientID)
			continue
		}

		token, err := s.createLogoutToken(ctx, client, n)
		if err != nil {
			return notified, err
		}

		notified = append(notified, clientID)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deliver(context.WithoutCancel(ctx), client, token)
		}()
	}
	return notified, nil
}

// Wait blocks until all dispatched notifications finished.
func (s *BackChannelLogoutService) Wait() {
	s.wg.Wait()
}

func (s *BackChannelLogoutService) affectedClients(ctx context.Context, n LogoutNotification) ([]string, error) {
	ids := slices.Clone(n.ClientIDs)
	if n.SubjectID != "" {
		grants, err := s.grants.GetAllGrants(ctx, storage.GrantFilter{SubjectID: n.SubjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to load grants: %w", err)
		}
		for _, g := range grants {
			if n.SessionID != "" && g.SessionID != "" && g.SessionID != n.SessionID {
				continue
			}
			ids = append(ids, g.ClientID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (s *BackChannelLogoutService) createLogoutToken(ctx context.Context, client *storage.Client, n LogoutNotification) (string, error) {
	now := s.clock.Now()
	claims := map[string]any{
		protocol.ClaimIssuer:     s.tokens.Issuer(),
		protocol.ClaimAudience:   client.ClientID,
		protocol.ClaimIssuedAt:   now.Unix(),
		protocol.ClaimExpiration: now.Add(logoutTokenLifetime).Unix(),
		protocol.ClaimJWTID:      uuid.NewString(),
		protocol.ClaimEvents:     map[string]any{protocol.BackChannelLogoutEvent: map[string]any{}},
	}
	if n.SubjectID != "" {
		claims[protocol.ClaimSubject] = n.SubjectID
	}
	if n.SessionID != "" {
		claims[protocol.ClaimSessionID] = n.SessionID
	}
	token, err := s.tokens.Creation().Sign(ctx, claims, protocol.JWTTypeLogoutToken, client.AllowedIdentityTokenSigningAlgorithms)
	if err != nil {
		return "", fmt.Errorf("failed to sign logout token: %w", err)
	}
	return token, nil
}

func (s *BackChannelLogoutService) deliver(ctx context.Context, client *storage.Client, token string) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.retryInterval
	expBackoff.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.post(ctx, client.BackChannelLogoutURI, token)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Debug("Retrying back-channel logout", "client_id", client.ClientID, "error", err, "delay", d)
		}),
	)

	s.metrics.RecordBackChannelLogout(ctx, err == nil)
	if err != nil {
		s.logger.Warn("Back-channel logout failed", "client_id", client.ClientID, "error", err)
		s.auditor.LogEvent(security.Event{
			Type:     security.EventBackChannelLogoutFailed,
			ClientID: client.ClientID,
			Reason:   err.Error(),
		})
		return
	}
	s.logger.Debug("Back-channel logout delivered", "client_id", client.ClientID)
}

func (s *BackChannelLogoutService) post(ctx context.Context, uri, token string) error {
	form := url.Values{"logout_token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(form.Encode()))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("client rejected logout token: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
