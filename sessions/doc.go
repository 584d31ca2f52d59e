// Package sessions defines the session record shared by the lifecycle
// coordinator and the registry hosts that persist it. A session represents
// one instance of metered access to a resource by a user, bounded by a
// ledger-confirmed start and stop.
//
// Layers & Roles
//
//	Coordinator    -> owns every status transition; the only writer
//	Host           -> durability & per-user serialization (the registry)
//	SessionRecord  -> persisted state, only mutated inside MutateSession
//
// # Host Interface
//
// Host abstracts the registry the coordinator stores records in. The
// contract every implementation must honor:
//   - CreateSession is a compare-and-set, not a blind overwrite: it fails
//     with ErrSessionExists while the user already holds an occupying
//     record, so at most one non-idle session can exist per user.
//   - MutateSession runs its callback inside the per-user critical
//     section. Different users never contend.
//   - DeleteSession is idempotent.
//
// Implementations
//
//	memoryhost : in-memory registry for tests / single-process deployments
//	redishost  : Redis-backed registry for multi-process deployments
//
// The hosttest package provides a conformance suite that exercises the
// contract; both implementations run it.
package sessions
