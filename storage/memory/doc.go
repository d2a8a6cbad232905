// Package memory provides an in-memory implementation of every storage contract.
//
// A single Store serves as ClientStore, CORSOriginStore, ResourceStore,
// PersistedGrantStore, DeviceFlowStore and ReplayCache. All state lives in
// maps guarded by one sync.RWMutex, so consume operations (authorization
// codes, rotating refresh tokens, device codes) are atomic within the process.
// Use it for development or a single instance.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Automatic cleanup of expired grants, device codes and replay entries
//   - Configurable cleanup intervals
//   - Clients and resources loaded from YAML (StaticConfig)
//   - OpenTelemetry spans and storage metrics via SetInstrumentation
//
// For multi-instance deployments keep clients and resources here and move
// protocol state to the storage/redis package.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	cfg, err := memory.LoadStaticConfigFile("clients.yaml")
//	if err != nil {
//		return err
//	}
//	if err := store.LoadStatic(ctx, cfg); err != nil {
//		return err
//	}
package memory
