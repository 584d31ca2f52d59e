package sessions

import (
	"context"
	"errors"
)

// Errors returned by registry hosts.
var (
	// ErrSessionExists indicates the user already holds an occupying
	// record. CreateSession returns it instead of overwriting.
	ErrSessionExists = errors.New("session already exists for user")
	// ErrSessionNotFound indicates no record is stored for the user.
	ErrSessionNotFound = errors.New("session not found")
)

// Host is the minimal contract the coordinator needs the registry to
// provide. It combines per-user serialized storage with a snapshot listing
// used by the watchdog, and works across in-memory and distributed
// implementations.
type Host interface {
	// CreateSession persists a new record for rec.User. It MUST fail with
	// ErrSessionExists while an occupying record is stored for that user,
	// atomically with respect to concurrent creates.
	CreateSession(ctx context.Context, rec *SessionRecord) error

	// GetSession returns a copy of the stored record, or
	// ErrSessionNotFound.
	GetSession(ctx context.Context, user string) (*SessionRecord, error)

	// MutateSession loads the user's record, runs fn on it inside the
	// per-user critical section, and persists the result. An error from fn
	// aborts the write and is returned verbatim. Returns
	// ErrSessionNotFound when no record is stored.
	MutateSession(ctx context.Context, user string, fn func(*SessionRecord) error) error

	// DeleteSession removes the user's record. Deleting an absent record
	// is not an error.
	DeleteSession(ctx context.Context, user string) error

	// ListSessions returns a point-in-time snapshot of every stored
	// record. Order is unspecified.
	ListSessions(ctx context.Context) ([]*SessionRecord, error)
}
