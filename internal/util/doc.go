// Package util provides small helpers shared across the provider packages.
// The dial guard in ip.go keeps request_uri fetches away from internal
// networks.
package util
