// Package validation implements the request validators of the provider:
// client authentication, scope and resource resolution, PKCE and the
// validators for the authorize, token, introspection, revocation,
// end-session and device authorization endpoints.
//
// Validators take already parsed parameters (url.Values) and return either a
// validated request or an error. Expected protocol violations are
// *protocol.Error values; anything else is a fault the hosting layer maps to
// a server error.
package validation
