// Package keys provides the key material service: it selects the signing
// credential for a token and exposes every validation key, including keys
// retired from signing but still valid for verification during rotation.
//
// Key material comes from one or more stores:
//
//   - StaticStore holds keys loaded from PEM files (NewFileStore) or supplied in code.
//   - GeneratingStore creates an ephemeral ES256 key on first use. Suitable for
//     development only; tokens become unverifiable after restart.
//
// Service composes the stores. Signing always uses exactly one credential:
// the first one whose algorithm the caller allows. When no credential
// matches, Service returns a *protocol.ConfigurationError instead of
// falling back to another key.
package keys
