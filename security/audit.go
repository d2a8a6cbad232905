package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	clock   Clock

	// throttle suppresses floods of identical events (same type, subject and
	// client). Nil disables throttling.
	throttle *RateLimiter
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		clock:   SystemClock{},
	}
}

// WithThrottle attaches a rate limiter used to suppress repeated events.
func (a *Auditor) WithThrottle(rl *RateLimiter) *Auditor {
	a.throttle = rl
	return a
}

// WithClock overrides the clock used to timestamp events.
func (a *Auditor) WithClock(c Clock) *Auditor {
	a.clock = ClockOrDefault(c)
	return a
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Reason    string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII. It is nil-safe so that
// components can be built without an auditor.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if a.throttle != nil && !a.throttle.Allow(event.Type+"|"+event.UserID+"|"+event.ClientID) {
		a.logger.Debug("security_audit suppressed", "event_type", event.Type, "client_id", event.ClientID)
		return
	}

	event.Timestamp = a.clock.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"reason", event.Reason,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogClientAuthFailure logs a client authentication failure with the internal reason.
func (a *Auditor) LogClientAuthFailure(clientID, method, reason string) {
	a.LogEvent(Event{
		Type:     EventClientAuthFailed,
		ClientID: clientID,
		Reason:   reason,
		Details:  map[string]any{"method": method},
	})
}

// LogTokenIssued logs when tokens are issued
func (a *Auditor) LogTokenIssued(userID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogReplayDetected logs reuse of a one-time grant.
func (a *Auditor) LogReplayDetected(eventType, userID, clientID, familyID string) {
	a.LogEvent(Event{
		Type:     eventType,
		UserID:   userID,
		ClientID: clientID,
		Reason:   "one-time grant presented more than once",
		Details:  map[string]any{"family_id": familyID},
	})
}

// LogRequestRejected logs a validation failure at an endpoint.
func (a *Auditor) LogRequestRejected(eventType, userID, clientID, code, description string) {
	a.LogEvent(Event{
		Type:     eventType,
		UserID:   userID,
		ClientID: clientID,
		Reason:   description,
		Details:  map[string]any{"error": code},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
