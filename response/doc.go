// Package response turns validated protocol requests into protocol output:
// authorize redirects, token responses, introspection and revocation
// results, device authorization responses, the discovery document and
// end-session redirects with back-channel logout.
//
// Generators never re-validate their input; they trust the validated request
// types of package validation and only consult the token, key and grant
// services to build the result.
package response
