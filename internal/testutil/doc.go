// Package testutil holds fixtures shared by the provider tests: a stopped
// clock, PKCE pairs and signing keys. It imports no provider package.
package testutil
