package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/identity"
	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/tokens"
	"github.com/giantswarm/oauth-provider/validation"
)

const (
	// DefaultInterval is the minimum polling interval handed to devices.
	DefaultInterval = 5 * time.Second

	// SlowDownIncrement is added to a device's interval each time it polls too fast.
	SlowDownIncrement = 5 * time.Second

	// userCodeKeyPurpose and the device code grant type keep the two hashed
	// key spaces apart.
	userCodeKeyPurpose = "user_code"

	// maxCodeAttempts bounds retries when a generated code collides.
	maxCodeAttempts = 5

	// Default user-code lookup limit per subject: 1 every 2s, burst 10.
	defaultLookupRate  = 0.5
	defaultLookupBurst = 10
)

// Poll outcomes recorded as metrics.
const (
	pollResultIssued   = "issued"
	pollResultPending  = "authorization_pending"
	pollResultSlowDown = "slow_down"
	pollResultDenied   = "access_denied"
	pollResultExpired  = "expired_token"
	pollResultInvalid  = "invalid_grant"
)

var (
	// ErrUserCodeNotFound is returned when a user code is unknown, expired
	// or already decided. The interaction layer shows one message for all three.
	ErrUserCodeNotFound = errors.New("device: unknown or expired user code")

	// ErrThrottled is returned when a subject enters user codes too quickly.
	ErrThrottled = errors.New("device: too many user code attempts")

	// ErrNoScopesGranted is returned when an approval consents to none of
	// the requested scopes.
	ErrNoScopesGranted = errors.New("device: no requested scope was consented")
)

// sentinel errors used inside store mutators
var (
	errClientMismatch = errors.New("device code issued to another client")
	errExpired        = errors.New("device code expired")
	errDenied         = errors.New("device authorization denied")
	errNotPending     = errors.New("device authorization already decided")
)

var _ validation.DeviceCodeRedeemer = (*Flow)(nil)

// Config configures a Flow.
type Config struct {
	// Store persists device authorizations. Required.
	Store storage.DeviceFlowStore

	// VerificationURI is the page where users enter their code. Required.
	VerificationURI string

	// Interval is the initial polling interval. Default: 5s, never less.
	Interval time.Duration

	// Handles generates device codes. Default: 256-bit random handles.
	Handles tokens.HandleGenerator

	// UserCodes generates user codes. Default: RandomUserCodeGenerator.
	UserCodes UserCodeGenerator

	// LookupLimiter throttles user-code lookups and decisions per subject.
	// Default: 0.5/s with a burst of 10.
	LookupLimiter *security.RateLimiter

	Auditor         *security.Auditor
	Clock           security.Clock
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Flow is the device flow state machine.
type Flow struct {
	store           storage.DeviceFlowStore
	verificationURI string
	interval        time.Duration
	handles         tokens.HandleGenerator
	userCodes       UserCodeGenerator
	limiter         *security.RateLimiter
	auditor         *security.Auditor
	clock           security.Clock
	logger          *slog.Logger
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics
}

// NewFlow creates a device flow.
func NewFlow(cfg Config) (*Flow, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("device flow store is required")
	}
	if cfg.VerificationURI == "" {
		return nil, fmt.Errorf("verification URI is required")
	}
	if _, err := url.Parse(cfg.VerificationURI); err != nil {
		return nil, fmt.Errorf("invalid verification URI: %w", err)
	}
	if cfg.Interval < DefaultInterval {
		cfg.Interval = DefaultInterval
	}
	if cfg.Handles == nil {
		cfg.Handles = tokens.RandomHandleGenerator{}
	}
	if cfg.UserCodes == nil {
		cfg.UserCodes = RandomUserCodeGenerator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clock := security.ClockOrDefault(cfg.Clock)
	if cfg.LookupLimiter == nil {
		cfg.LookupLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			PerSecond: defaultLookupRate,
			Burst:     defaultLookupBurst,
			Clock:     clock,
			Logger:    cfg.Logger,
		})
	}

	return &Flow{
		store:           cfg.Store,
		verificationURI: cfg.VerificationURI,
		interval:        cfg.Interval,
		handles:         cfg.Handles,
		userCodes:       cfg.UserCodes,
		limiter:         cfg.LookupLimiter,
		auditor:         cfg.Auditor,
		clock:           clock,
		logger:          cfg.Logger,
		tracer:          cfg.Instrumentation.Tracer("device"),
		metrics:         cfg.Instrumentation.Metrics(),
	}, nil
}

// Authorization is the result of starting a device authorization. It holds
// the only clear-text copies of both codes.
type Authorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               time.Duration
	Interval                time.Duration
}

// ConsentResult is the user's decision on a device authorization.
type ConsentResult struct {
	// Subject is the signed-in user. Required when Granted.
	Subject *identity.Principal

	// Granted is false when the user denied the request.
	Granted bool

	// ScopesConsented narrows the requested scopes. Empty grants all of them.
	ScopesConsented []string
}

// Begin stores a new pending device authorization for a validated request.
func (f *Flow) Begin(ctx context.Context, req *validation.ValidatedDeviceAuthorizationRequest) (auth *Authorization, err error) {
	ctx, span := instrumentation.StartSpan(ctx, f.tracer, "device.begin")
	defer func() { instrumentation.EndSpan(span, err) }()

	if req == nil || req.Client == nil {
		return nil, protocol.ErrInvalidClient()
	}
	client := req.Client

	lifetime := client.DeviceCodeLifetime
	if lifetime <= 0 {
		lifetime = storage.DefaultDeviceCodeLifetime
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		deviceCode, err := f.handles.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate device code: %w", err)
		}
		userCode, err := f.userCodes.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate user code: %w", err)
		}

		now := f.clock.Now()
		dc := &storage.DeviceCode{
			DeviceCodeKey:   deviceCodeKey(deviceCode),
			UserCodeKey:     userCodeKey(userCode),
			ClientID:        client.ClientID,
			Description:     client.ClientName,
			RequestedScopes: slices.Clone(req.RequestedScopes),
			IsOpenID:        req.IsOpenIDRequest,
			CreationTime:    now,
			ExpiresAt:       now.Add(lifetime),
			Interval:        f.interval,
			Status:          storage.DeviceStatusPending,
		}

		err = f.store.StoreDeviceAuthorization(ctx, dc)
		if errors.Is(err, storage.ErrDuplicate) {
			f.logger.Warn("Generated device code collided, retrying", "client_id", client.ClientID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to store device authorization: %w", err)
		}

		f.auditor.LogEvent(security.Event{
			Type:     security.EventDeviceAuthorizationStarted,
			ClientID: client.ClientID,
			Details:  map[string]any{"scope": protocol.JoinScopes(dc.RequestedScopes)},
		})
		f.logger.Info("Device authorization started",
			"client_id", client.ClientID,
			"expires_at", dc.ExpiresAt)

		return &Authorization{
			DeviceCode:              deviceCode,
			UserCode:                userCode,
			VerificationURI:         f.verificationURI,
			VerificationURIComplete: f.completeURI(userCode),
			ExpiresIn:               lifetime,
			Interval:                f.interval,
		}, nil
	}
	return nil, fmt.Errorf("failed to allocate unique device codes after %d attempts", maxCodeAttempts)
}

func (f *Flow) completeURI(userCode string) string {
	u, err := url.Parse(f.verificationURI)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set(protocol.ParamUserCode, userCode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Lookup resolves a user code for display on the consent page. Only pending,
// unexpired authorizations are returned.
func (f *Flow) Lookup(ctx context.Context, subject *identity.Principal, userCode string) (*storage.DeviceCode, error) {
	if err := f.throttle(ctx, subject); err != nil {
		return nil, err
	}

	dc, err := f.store.FindByUserCode(ctx, userCodeKey(userCode))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUserCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user code: %w", err)
	}
	if dc.Status != storage.DeviceStatusPending || security.IsExpired(f.clock.Now(), dc.ExpiresAt) {
		return nil, ErrUserCodeNotFound
	}
	return dc, nil
}

// HandleRequest records the user's decision for a pending authorization.
func (f *Flow) HandleRequest(ctx context.Context, userCode string, result ConsentResult) (err error) {
	ctx, span := instrumentation.StartSpan(ctx, f.tracer, "device.handle_request")
	defer func() { instrumentation.EndSpan(span, err) }()

	if result.Granted && !result.Subject.IsAuthenticated() {
		return fmt.Errorf("an authenticated subject is required to approve a device")
	}
	if err := f.throttle(ctx, result.Subject); err != nil {
		return err
	}

	now := f.clock.Now()
	dc, err := f.store.UpdateByUserCode(ctx, userCodeKey(userCode), func(dc *storage.DeviceCode) error {
		if dc.Status != storage.DeviceStatusPending {
			return errNotPending
		}
		if security.IsExpired(now, dc.ExpiresAt) {
			return errExpired
		}
		if !result.Granted {
			dc.Status = storage.DeviceStatusDenied
			return nil
		}

		granted := dc.RequestedScopes
		if len(result.ScopesConsented) > 0 {
			granted = intersect(dc.RequestedScopes, result.ScopesConsented)
		}
		if len(granted) == 0 {
			return ErrNoScopesGranted
		}
		dc.Status = storage.DeviceStatusAuthorized
		dc.Subject = result.Subject
		dc.SessionID = result.Subject.SessionID
		dc.GrantedScopes = granted
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, errNotPending), errors.Is(err, errExpired):
		return ErrUserCodeNotFound
	case err != nil:
		return err
	}

	event := security.Event{ClientID: dc.ClientID}
	if dc.Status == storage.DeviceStatusAuthorized {
		event.Type = security.EventDeviceAuthorizationApproved
		event.UserID = dc.Subject.Subject
		event.Details = map[string]any{"scope": protocol.JoinScopes(dc.GrantedScopes)}
	} else {
		event.Type = security.EventDeviceAuthorizationDenied
		if result.Subject != nil {
			event.UserID = result.Subject.Subject
		}
	}
	f.auditor.LogEvent(event)
	f.logger.Info("Device authorization decided", "client_id", dc.ClientID, "status", string(dc.Status))
	return nil
}

// Poll advances the state machine for a token request with the device_code
// grant. It returns the device authorization exactly once, after approval;
// every other outcome is a protocol error.
func (f *Flow) Poll(ctx context.Context, client *storage.Client, deviceCode string) (dc *storage.DeviceCode, err error) {
	ctx, span := instrumentation.StartSpan(ctx, f.tracer, "device.poll")
	defer func() { instrumentation.EndSpan(span, err) }()

	result := pollResultInvalid
	defer func() { f.metrics.RecordDevicePoll(ctx, result) }()

	if client == nil {
		return nil, protocol.ErrInvalidClient()
	}
	key := deviceCodeKey(deviceCode)
	now := f.clock.Now()

	outcome := ""
	dc, err = f.store.UpdateByDeviceCode(ctx, key, func(dc *storage.DeviceCode) error {
		if dc.ClientID != client.ClientID {
			return errClientMismatch
		}
		if security.IsExpired(now, dc.ExpiresAt) {
			return errExpired
		}
		switch dc.Status {
		case storage.DeviceStatusDenied:
			return errDenied
		case storage.DeviceStatusAuthorized:
			outcome = pollResultIssued
			return nil
		}

		if !dc.LastPoll.IsZero() && now.Sub(dc.LastPoll) < dc.Interval {
			dc.Interval += SlowDownIncrement
			outcome = pollResultSlowDown
		} else {
			outcome = pollResultPending
		}
		dc.LastPoll = now
		return nil
	})

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, protocol.ErrInvalidGrant("invalid device code")
	case errors.Is(err, errClientMismatch):
		f.logger.Warn("Device code presented by another client", "client_id", client.ClientID)
		return nil, protocol.ErrInvalidGrant("invalid device code")
	case errors.Is(err, errExpired):
		result = pollResultExpired
		f.remove(ctx, key)
		return nil, protocol.NewError(protocol.ErrorExpiredToken, "the device code has expired")
	case errors.Is(err, errDenied):
		result = pollResultDenied
		f.remove(ctx, key)
		return nil, protocol.NewError(protocol.ErrorAccessDenied, "the user denied the request")
	case err != nil:
		return nil, fmt.Errorf("failed to poll device code: %w", err)
	}

	switch outcome {
	case pollResultSlowDown:
		result = pollResultSlowDown
		return nil, protocol.NewError(protocol.ErrorSlowDown,
			fmt.Sprintf("polling too fast, interval is now %d seconds", int(dc.Interval/time.Second)))
	case pollResultPending:
		result = pollResultPending
		return nil, protocol.NewError(protocol.ErrorAuthorizationPending, "")
	}

	consumed, err := f.store.ConsumeByDeviceCode(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		// another poll won the race
		return nil, protocol.ErrInvalidGrant("invalid device code")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume device code: %w", err)
	}

	result = pollResultIssued
	f.logger.Info("Device code redeemed",
		"client_id", client.ClientID,
		"key_prefix", util.SafeTruncate(key, 8))
	return consumed, nil
}

func (f *Flow) remove(ctx context.Context, key string) {
	if err := f.store.RemoveByDeviceCode(ctx, key); err != nil {
		f.logger.Warn("Failed to remove finished device code", "error", err)
	}
}

func (f *Flow) throttle(ctx context.Context, subject *identity.Principal) error {
	key := "anonymous"
	if subject.IsAuthenticated() {
		key = subject.Subject
	}
	if f.limiter.Allow(key) {
		return nil
	}
	f.metrics.RecordRateLimitExceeded(ctx, "user_code")
	f.auditor.LogEvent(security.Event{
		Type:   security.EventUserCodeLookupThrottled,
		UserID: key,
		Reason: "too many user code attempts",
	})
	return ErrThrottled
}

func deviceCodeKey(deviceCode string) string {
	return security.HashHandle(protocol.GrantTypeDeviceCode, deviceCode)
}

func userCodeKey(userCode string) string {
	return security.HashHandle(userCodeKeyPurpose, NormalizeUserCode(userCode))
}

func intersect(requested, consented []string) []string {
	var out []string
	for _, s := range requested {
		if slices.Contains(consented, s) {
			out = append(out, s)
		}
	}
	return out
}
