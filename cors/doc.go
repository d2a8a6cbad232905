// Package cors decides whether a cross-origin request to a protocol endpoint
// is allowed.
//
// Only the endpoints a browser-based client calls directly (discovery, JWKS,
// token, userinfo, revocation, introspection and device authorization) are
// ever allowed. Pages that rely on the user's cookies, such as authorize,
// login, consent and error pages, are never exposed cross-origin, whatever
// the client configuration says. An origin is allowed when some enabled
// client registered exactly that scheme://host[:port].
package cors
