// Package storage defines the data model and the store contracts consumed by
// the provider core.
//
// The core reads clients and resources through ClientStore, CORSOriginStore
// and ResourceStore, and keeps protocol state through:
//   - PersistedGrantStore: authorization codes, refresh tokens, reference
//     tokens and consent, keyed by a hash of the handle
//   - DeviceFlowStore: pending device authorizations
//   - ReplayCache: one-time identifiers such as client assertion jti values
//
// GrantStore adds typed, optionally encrypted payloads on top of a
// PersistedGrantStore.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and static configuration
//   - storage/redis: Redis-backed storage for persisted grants, device codes and replay detection
package storage
