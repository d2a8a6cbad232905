// Package tokens builds access and identity tokens from a validated request
// and serializes them as signed JWTs or opaque reference handles. Validator
// checks presented tokens, optionally behind CachingValidator.
// RefreshTokenService owns the refresh token lifecycle.
//
// Refresh token rotation is an explicit strategy chosen per client:
//
//	RotateOnUse   a new handle on every exchange; presenting an old handle
//	              is a replay and revokes the whole token family.
//	ReuseHandle   the same handle for its whole lifetime, updated in place.
//
// Expiration (absolute or sliding) is a second, independent strategy.
// Both are resolved from storage.Client by PolicyFor.
package tokens
