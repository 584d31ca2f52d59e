// Package redishost provides a Redis-backed implementation of
// sessions.Host for deployments where multiple coordinator processes share
// one registry. Records are stored as JSON values and every write goes
// through an optimistic WATCH transaction so the one-session-per-user
// invariant holds across processes, not just goroutines.
package redishost
