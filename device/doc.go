// Package device implements the RFC 8628 device authorization grant as a
// state machine over a storage.DeviceFlowStore.
//
// A device authorization starts Pending. The user approves or denies it on a
// secondary device by entering the user code, which moves it to Authorized or
// Denied. The device polls the token endpoint with the device code:
//
//   - Pending, polled again before the interval elapsed: slow_down, and the
//     interval grows by SlowDownIncrement.
//   - Pending otherwise: authorization_pending.
//   - Denied: access_denied.
//   - Authorized: the code is consumed exactly once and tokens are issued.
//   - Past its lifetime: expired_token.
//   - Unknown or already consumed: invalid_grant.
//
// Every transition is a single atomic store operation, so concurrent polls
// for the same code never issue tokens twice. Codes are only ever stored as
// hashes.
package device
