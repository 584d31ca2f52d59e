package memoryhost

import (
	"context"
	"sync"

	"github.com/paystream/streamsessions-go/sessions"
)

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu    sync.RWMutex
	users map[string]*userEntry
}

// userEntry carries its own lock so operations for different users never
// contend. Entries are kept after delete; rec == nil means absent.
type userEntry struct {
	mu  sync.Mutex
	rec *sessions.SessionRecord
}

func New() *Host {
	return &Host{users: make(map[string]*userEntry)}
}

func (h *Host) CreateSession(ctx context.Context, rec *sessions.SessionRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e := h.ensureUser(rec.User)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil && e.rec.Status.Occupying() {
		return sessions.ErrSessionExists
	}
	e.rec = rec.Clone()
	return nil
}

func (h *Host) GetSession(ctx context.Context, user string) (*sessions.SessionRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	h.mu.RLock()
	e, ok := h.users[user]
	h.mu.RUnlock()
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return nil, sessions.ErrSessionNotFound
	}
	return e.rec.Clone(), nil
}

func (h *Host) MutateSession(ctx context.Context, user string, fn func(*sessions.SessionRecord) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	h.mu.RLock()
	e, ok := h.users[user]
	h.mu.RUnlock()
	if !ok {
		return sessions.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return sessions.ErrSessionNotFound
	}
	next := e.rec.Clone()
	if err := fn(next); err != nil {
		return err
	}
	e.rec = next
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, user string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	h.mu.RLock()
	e, ok := h.users[user]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.rec = nil
	e.mu.Unlock()
	return nil
}

func (h *Host) ListSessions(ctx context.Context) ([]*sessions.SessionRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	h.mu.RLock()
	entries := make([]*userEntry, 0, len(h.users))
	for _, e := range h.users {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	out := make([]*sessions.SessionRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.rec != nil {
			out = append(out, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (h *Host) ensureUser(user string) *userEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.users[user]
	if !ok {
		e = &userEntry{}
		h.users[user] = e
	}
	return e
}

// Ensure interface compliance
var _ sessions.Host = (*Host)(nil)
