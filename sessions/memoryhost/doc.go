// Package memoryhost provides an in-memory implementation of
// sessions.Host. State is process-local, so it suits tests and
// single-process deployments; use redishost when multiple coordinator
// processes share one registry.
package memoryhost
