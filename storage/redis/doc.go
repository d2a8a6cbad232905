// Package redis provides a Redis storage backend for protocol state.
//
// Store implements the storage contracts that must be shared between
// provider instances:
//
//   - [storage.PersistedGrantStore]: authorization codes, refresh tokens,
//     reference tokens and consent
//   - [storage.DeviceFlowStore]: pending device authorizations
//   - [storage.ReplayCache]: client assertion jti values
//
// Clients and resources are configuration and usually stay in the
// storage/memory package.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}grant:{key}              -> HASH{grant: JSON(PersistedGrant), consumed: RFC3339 time}
//	{prefix}grants:family:{familyID} -> SET of grant keys
//	{prefix}grants:subject:{subject} -> SET of grant keys
//	{prefix}grants:client:{clientID} -> SET of grant keys
//	{prefix}device:{deviceCodeKey}   -> JSON(DeviceCode)
//	{prefix}usercode:{userCodeKey}   -> deviceCodeKey
//	{prefix}replay:{purpose}:{id}    -> "1"
//
// Grants and device codes expire with their own lifetime. Index sets are
// pruned lazily when a filter lookup finds members that no longer exist.
//
// # Atomic Operations
//
// Consume semantics are enforced by Redis, not by the process:
//
//   - ConsumeGrant: Lua script that sets the consumed field only if unset
//   - StoreDeviceAuthorization: Lua script that claims both codes or neither
//   - UpdateByUserCode / UpdateByDeviceCode: WATCH/MULTI optimistic transactions
//   - ConsumeByDeviceCode: GETDEL, so exactly one poller receives the code
//   - AddIfAbsent: SET NX with the identifier's remaining lifetime
//
// # Configuration
//
//	store, err := redis.New(ctx, redis.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS:
//
//	store, err := redis.New(ctx, redis.Config{
//	    Address:  "redis.example.com:6379",
//	    Password: os.Getenv("REDIS_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Security Considerations
//
//   - Handles never reach Redis: keys are hashes computed by the caller
//   - Grant payloads can be sealed with AES-256-GCM via storage.GrantStore
//   - Input size validation rejects oversized identifiers and payloads
package redis
