// Package hosttest provides a conformance suite for sessions.Host
// implementations. Both memoryhost and redishost run it; new hosts should
// too.
package hosttest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/paystream/streamsessions-go/sessions"
)

// HostFactory creates a fresh, empty Host for one test.
type HostFactory func(t *testing.T) sessions.Host

// RunHostTests runs the complete Host conformance suite against the
// provided factory.
func RunHostTests(t *testing.T, factory HostFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("CreateRejectsSecondOccupying", func(t *testing.T) { testCreateRejectsSecondOccupying(t, factory) })
	t.Run("CreateConcurrentSingleWinner", func(t *testing.T) { testCreateConcurrentSingleWinner(t, factory) })
	t.Run("MutateRoundTrip", func(t *testing.T) { testMutateRoundTrip(t, factory) })
	t.Run("MutateErrorAbortsWrite", func(t *testing.T) { testMutateErrorAbortsWrite(t, factory) })
	t.Run("MutateMissing", func(t *testing.T) { testMutateMissing(t, factory) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("DeleteThenCreate", func(t *testing.T) { testDeleteThenCreate(t, factory) })
	t.Run("ListSnapshot", func(t *testing.T) { testListSnapshot(t, factory) })
	t.Run("HandedOutRecordsAreCopies", func(t *testing.T) { testHandedOutRecordsAreCopies(t, factory) })
}

func newRecord(user, resource string, status sessions.Status) *sessions.SessionRecord {
	now := time.Now().UTC()
	return &sessions.SessionRecord{
		User:       user,
		ResourceID: resource,
		InstanceID: uuid.NewString(),
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func testCreateAndGet(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := newRecord("user-1", "res-1", sessions.StatusStarting)
	if err := h.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got, err := h.GetSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ResourceID != "res-1" || got.Status != sessions.StatusStarting || got.InstanceID != rec.InstanceID {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := h.GetSession(ctx, "nobody"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testCreateRejectsSecondOccupying(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.CreateSession(ctx, newRecord("user-1", "res-1", sessions.StatusStarting)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// Every occupying status must block, including error.
	for _, st := range []sessions.Status{sessions.StatusStarting, sessions.StatusActive, sessions.StatusStopping, sessions.StatusError} {
		if err := h.MutateSession(ctx, "user-1", func(r *sessions.SessionRecord) error {
			r.Status = st
			return nil
		}); err != nil {
			t.Fatalf("MutateSession(%s): %v", st, err)
		}
		err := h.CreateSession(ctx, newRecord("user-1", "res-2", sessions.StatusStarting))
		if !errors.Is(err, sessions.ErrSessionExists) {
			t.Fatalf("status %s: expected ErrSessionExists, got %v", st, err)
		}
	}
	// A different user is unaffected.
	if err := h.CreateSession(ctx, newRecord("user-2", "res-2", sessions.StatusStarting)); err != nil {
		t.Fatalf("CreateSession(user-2): %v", err)
	}
}

func testCreateConcurrentSingleWinner(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.CreateSession(ctx, newRecord("user-1", "res-1", sessions.StatusStarting))
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, sessions.ErrSessionExists):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning create, got %d", wins)
	}
}

func testMutateRoundTrip(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.CreateSession(ctx, newRecord("user-1", "res-1", sessions.StatusStarting)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	start := time.Now().UTC().Truncate(time.Second)
	if err := h.MutateSession(ctx, "user-1", func(r *sessions.SessionRecord) error {
		r.Status = sessions.StatusActive
		r.StartTime = start
		r.LastBillingTime = start
		return nil
	}); err != nil {
		t.Fatalf("MutateSession: %v", err)
	}
	got, err := h.GetSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != sessions.StatusActive || !got.StartTime.Equal(start) {
		t.Fatalf("mutation not persisted: %+v", got)
	}
}

func testMutateErrorAbortsWrite(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.CreateSession(ctx, newRecord("user-1", "res-1", sessions.StatusStarting)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	boom := errors.New("boom")
	err := h.MutateSession(ctx, "user-1", func(r *sessions.SessionRecord) error {
		r.Status = sessions.StatusActive
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	got, err := h.GetSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != sessions.StatusStarting {
		t.Fatalf("aborted mutation leaked: %+v", got)
	}
}

func testMutateMissing(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.MutateSession(ctx, "nobody", func(r *sessions.SessionRecord) error { return nil })
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testDeleteIdempotent(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.DeleteSession(ctx, "nobody"); err != nil {
		t.Fatalf("DeleteSession(absent): %v", err)
	}
	if err := h.CreateSession(ctx, newRecord("user-1", "res-1", sessions.StatusStarting)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := h.DeleteSession(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := h.DeleteSession(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteSession(again): %v", err)
	}
	if _, err := h.GetSession(ctx, "user-1"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func testDeleteThenCreate(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.CreateSession(ctx, newRecord("user-1", "res-1", sessions.StatusStarting)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := h.DeleteSession(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := h.CreateSession(ctx, newRecord("user-1", "res-2", sessions.StatusStarting)); err != nil {
		t.Fatalf("CreateSession after delete: %v", err)
	}
}

func testListSnapshot(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	users := []string{"user-1", "user-2", "user-3"}
	for _, u := range users {
		if err := h.CreateSession(ctx, newRecord(u, "res-1", sessions.StatusActive)); err != nil {
			t.Fatalf("CreateSession(%s): %v", u, err)
		}
	}
	if err := h.DeleteSession(ctx, "user-2"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	recs, err := h.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	seen := map[string]bool{}
	for _, r := range recs {
		seen[r.User] = true
	}
	if len(recs) != 2 || !seen["user-1"] || !seen["user-3"] || seen["user-2"] {
		t.Fatalf("unexpected snapshot: %+v", recs)
	}
}

func testHandedOutRecordsAreCopies(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.CreateSession(ctx, newRecord("user-1", "res-1", sessions.StatusStarting)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got, err := h.GetSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	got.Status = sessions.StatusActive // must not leak into the registry

	again, err := h.GetSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if again.Status != sessions.StatusStarting {
		t.Fatalf("caller mutation leaked into registry: %+v", again)
	}
}
