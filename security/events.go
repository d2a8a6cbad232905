package security

// Event type constants for security audit logging.
const (
	// Client authentication

	// EventClientAuthSucceeded is logged when a client authenticates at a protocol endpoint
	EventClientAuthSucceeded = "client_auth_succeeded"

	// EventClientAuthFailed is logged when client authentication fails. The
	// reason is only ever recorded here, never returned on the wire.
	EventClientAuthFailed = "client_auth_failed"

	// EventClientAssertionReplay is logged when a client assertion jti is presented twice
	EventClientAssertionReplay = "client_assertion_replay"

	// Authorization endpoint

	// EventInvalidRedirect is logged when an unregistered redirect_uri is presented
	EventInvalidRedirect = "invalid_redirect"

	// EventAuthorizeRequestRejected is logged for any other authorize validation failure
	EventAuthorizeRequestRejected = "authorize_request_rejected"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventConsentGranted is logged when consent is remembered for a subject/client pair
	EventConsentGranted = "consent_granted"

	// Token endpoint

	// EventTokenIssued is logged when tokens are issued at the token endpoint
	EventTokenIssued = "token_issued"

	// EventTokenRequestRejected is logged when a token request fails validation
	EventTokenRequestRejected = "token_request_rejected" //nolint:gosec // G101: event type name, not a credential

	// EventPKCEValidationFailed is logged when a code_verifier does not match the stored challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a consumed refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventTokenFamilyRevoked is logged when all grants of a family are revoked after replay
	EventTokenFamilyRevoked = "token_family_revoked" //nolint:gosec // G101: event type name, not a credential

	// EventTokenRevoked is logged when a token is revoked at the revocation endpoint
	EventTokenRevoked = "token_revoked" //nolint:gosec // G101: event type name, not a credential

	// Device flow

	// EventDeviceAuthorizationStarted is logged when a device code is issued
	EventDeviceAuthorizationStarted = "device_authorization_started"

	// EventDeviceAuthorizationApproved is logged when a user approves a device
	EventDeviceAuthorizationApproved = "device_authorization_approved"

	// EventDeviceAuthorizationDenied is logged when a user denies a device
	EventDeviceAuthorizationDenied = "device_authorization_denied"

	// EventUserCodeLookupThrottled is logged when user-code attempts exceed the limit
	EventUserCodeLookupThrottled = "user_code_lookup_throttled"

	// CORS and session

	// EventCORSOriginRejected is logged when a cross-origin request is refused
	EventCORSOriginRejected = "cors_origin_rejected"

	// EventEndSession is logged when a session is ended
	EventEndSession = "end_session"

	// EventBackChannelLogoutFailed is logged when a logout notification cannot be delivered
	EventBackChannelLogoutFailed = "back_channel_logout_failed"

	// EventRateLimitExceeded is logged when audit events for one key are suppressed
	EventRateLimitExceeded = "rate_limit_exceeded"
)
