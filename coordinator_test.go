package streamsessions

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/paystream/streamsessions-go/catalog"
	"github.com/paystream/streamsessions-go/events"
	"github.com/paystream/streamsessions-go/ledger"
	"github.com/paystream/streamsessions-go/ledger/ledgertest"
	"github.com/paystream/streamsessions-go/sessions"
	"github.com/paystream/streamsessions-go/sessions/memoryhost"
)

const (
	testUser      = "user-a"
	testResource  = "res-1"
	testResource2 = "res-2"
	testRate      = int64(1_000_000) // micro-units per hour
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	c     *Coordinator
	gw    *ledgertest.Gateway
	host  *memoryhost.Host
	clock *fakeClock
	ev    events.Stream
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	clock := newFakeClock()
	gw := ledgertest.New()
	gw.SetClock(clock.Now)
	gw.AddResource(ledger.Resource{ID: testResource, Creator: "creator-1", RatePerHour: testRate, Active: true})
	gw.AddResource(ledger.Resource{ID: testResource2, Creator: "creator-2", RatePerHour: testRate, Active: true})

	dir := catalog.NewStatic(
		catalog.Resource{ID: testResource, Creator: "creator-1", RatePerHour: testRate, Active: true},
		catalog.Resource{ID: testResource2, Creator: "creator-2", RatePerHour: testRate, Active: true},
	)
	host := memoryhost.New()

	opts = append([]Option{
		WithClock(clock.Now),
		WithConfig(Config{MaxSessionDuration: time.Hour, WatchdogInterval: time.Minute, CallTimeout: 5 * time.Second}),
	}, opts...)
	c, err := New(host, gw, dir, opts...)
	if err != nil {
		t.Fatalf("New(): %v", err)
	}

	ev := c.Bus().Subscribe(context.Background())
	t.Cleanup(func() { _ = ev.Close() })

	return &harness{c: c, gw: gw, host: host, clock: clock, ev: ev}
}

// nextEvent pulls the next bus event or fails after a short deadline.
func (h *harness) nextEvent(t *testing.T) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := h.ev.Next(ctx)
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	return ev
}

// expectNoEvent asserts the bus stays quiet for a beat.
func (h *harness) expectNoEvent(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ev, err := h.ev.Next(ctx)
	if err == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, io.EOF) {
		t.Fatalf("Next(): %v", err)
	}
}

func (h *harness) mustStart(t *testing.T) *sessions.SessionRecord {
	t.Helper()
	rec, err := h.c.StartSession(context.Background(), testUser, testResource)
	if err != nil {
		t.Fatalf("StartSession(): %v", err)
	}
	if ev := h.nextEvent(t); ev.Kind != events.KindStarted {
		t.Fatalf("got %q event, want started", ev.Kind)
	}
	return rec
}

func TestStartSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.mustStart(t)
	if rec.Status != sessions.StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
	if rec.StartTime.IsZero() || !rec.StartTime.Equal(rec.LastBillingTime) {
		t.Errorf("start=%v billing=%v, want equal and non-zero", rec.StartTime, rec.LastBillingTime)
	}
	if !h.gw.SessionActive(testUser, testResource) {
		t.Error("ledger session not opened")
	}

	got, err := h.c.Session(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Session(): %v", err)
	}
	if got.InstanceID != rec.InstanceID || got.Status != sessions.StatusActive {
		t.Errorf("registry record %+v does not match returned record", got)
	}
}

func TestStartSessionUnknownResource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	if _, err := h.c.StartSession(context.Background(), testUser, "no-such"); !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("err = %v, want ErrUnknownResource", err)
	}
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry mutated on rejected start: %v", err)
	}
	if n := h.gw.Calls(ledgertest.OpStart); n != 0 {
		t.Errorf("ledger start called %d times, want 0", n)
	}
	h.expectNoEvent(t)
}

func TestStartSessionInactiveResource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gw.SetResourceActive(testResource, false)

	if _, err := h.c.StartSession(context.Background(), testUser, testResource); !errors.Is(err, ledger.ErrResourceInactive) {
		t.Fatalf("err = %v, want ErrResourceInactive", err)
	}
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry mutated on rejected start: %v", err)
	}
	h.expectNoEvent(t)
}

func TestStartSessionSecondStartRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustStart(t)

	if _, err := h.c.StartSession(context.Background(), testUser, testResource); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("err = %v, want ErrAlreadyActive", err)
	}
	if n := h.gw.Calls(ledgertest.OpStart); n != 1 {
		t.Errorf("ledger start called %d times, want 1", n)
	}
	h.expectNoEvent(t)
}

func TestStartSessionBlockedWhileStartInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seedRecord(t, h, sessions.StatusStarting)

	// The single-session rule is per user, not per (user, resource): a
	// start on a different resource is rejected too.
	if _, err := h.c.StartSession(context.Background(), testUser, testResource2); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("err = %v, want ErrAlreadyActive", err)
	}
}

func TestStartSessionLedgerDeclines(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gw.FailNext(ledgertest.OpStart, ledger.ErrInsufficientFunds)

	_, err := h.c.StartSession(context.Background(), testUser, testResource)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	// Definite failure rolls the registration back so the user can retry
	// immediately.
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry still holds rejected session: %v", err)
	}
	if ev := h.nextEvent(t); ev.Kind != events.KindFaulted {
		t.Errorf("got %q event, want faulted", ev.Kind)
	}

	h.mustStart(t)
}

func TestStartSessionAmbiguousOutcome(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gw.FailNext(ledgertest.OpStart, &ledger.AmbiguousError{Op: "start", Err: context.DeadlineExceeded})

	_, err := h.c.StartSession(context.Background(), testUser, testResource)
	if !ledger.IsAmbiguous(err) {
		t.Fatalf("err = %v, want ambiguous", err)
	}

	rec, gerr := h.c.Session(context.Background(), testUser)
	if gerr != nil {
		t.Fatalf("Session(): %v", gerr)
	}
	if rec.Status != sessions.StatusError {
		t.Errorf("status = %q, want error", rec.Status)
	}
	if rec.FaultReason == "" {
		t.Error("fault reason not recorded")
	}
	if ev := h.nextEvent(t); ev.Kind != events.KindFaulted {
		t.Errorf("got %q event, want faulted", ev.Kind)
	}

	// The error record keeps occupying the user's slot until
	// reconciliation clears it.
	if _, err := h.c.StartSession(context.Background(), testUser, testResource); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second start err = %v, want ErrAlreadyActive", err)
	}
}

func TestStopSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustStart(t)
	h.clock.Advance(30 * time.Minute)

	if err := h.c.StopSession(context.Background(), testUser, testResource); err != nil {
		t.Fatalf("StopSession(): %v", err)
	}

	ev := h.nextEvent(t)
	if ev.Kind != events.KindStopped {
		t.Fatalf("got %q event, want stopped", ev.Kind)
	}
	if ev.Reason != events.ReasonCallerRequested {
		t.Errorf("reason = %q, want caller_requested", ev.Reason)
	}
	if want := testRate / 2; ev.Amount != want {
		t.Errorf("amount = %d, want %d", ev.Amount, want)
	}

	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry still holds stopped session: %v", err)
	}
	if h.gw.SessionActive(testUser, testResource) {
		t.Error("ledger session still open")
	}
}

func TestStopSessionIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	if err := h.c.StopSession(context.Background(), testUser, testResource); err != nil {
		t.Fatalf("stop without session: %v", err)
	}
	h.expectNoEvent(t)

	h.mustStart(t)
	if err := h.c.StopSession(context.Background(), testUser, "other-res"); err != nil {
		t.Fatalf("stop with mismatched resource: %v", err)
	}
	h.expectNoEvent(t)
	if rec, err := h.c.Session(context.Background(), testUser); err != nil || rec.Status != sessions.StatusActive {
		t.Errorf("mismatched stop touched the session: %v %v", rec, err)
	}
}

func TestStopSessionWhileStartInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seedRecord(t, h, sessions.StatusStarting)

	if err := h.c.StopSession(context.Background(), testUser, testResource); !errors.Is(err, ErrStartInFlight) {
		t.Fatalf("err = %v, want ErrStartInFlight", err)
	}
}

func TestStopSessionAlreadySettledRemotely(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustStart(t)
	h.gw.ForceSettle(testUser, testResource)

	if err := h.c.StopSession(context.Background(), testUser, testResource); err != nil {
		t.Fatalf("StopSession(): %v", err)
	}
	ev := h.nextEvent(t)
	if ev.Kind != events.KindStopped || ev.Reason != events.ReasonRemoteReconciliation {
		t.Fatalf("got %q/%q, want stopped/remote_reconciliation", ev.Kind, ev.Reason)
	}
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry still holds settled session: %v", err)
	}
}

func TestStopSessionLedgerFailureFaults(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustStart(t)
	h.gw.FailNext(ledgertest.OpStop, ledger.ErrUnavailable)

	err := h.c.StopSession(context.Background(), testUser, testResource)
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}

	rec, gerr := h.c.Session(context.Background(), testUser)
	if gerr != nil {
		t.Fatalf("Session(): %v", gerr)
	}
	if rec.Status != sessions.StatusError {
		t.Errorf("status = %q, want error", rec.Status)
	}
	if ev := h.nextEvent(t); ev.Kind != events.KindFaulted {
		t.Errorf("got %q event, want faulted", ev.Kind)
	}

	// A retry against a healthy ledger resolves the error record.
	if err := h.c.StopSession(context.Background(), testUser, testResource); err != nil {
		t.Fatalf("retry stop: %v", err)
	}
	if ev := h.nextEvent(t); ev.Kind != events.KindStopped {
		t.Errorf("got %q event, want stopped", ev.Kind)
	}
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry still holds session after retried stop: %v", err)
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustStart(t)
	if _, err := h.c.StartSession(context.Background(), "user-b", testResource); err != nil {
		t.Fatalf("second user start: %v", err)
	}
	if ev := h.nextEvent(t); ev.Kind != events.KindStarted {
		t.Fatalf("got %q event, want started", ev.Kind)
	}

	if err := h.c.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll(): %v", err)
	}
	for i := 0; i < 2; i++ {
		if ev := h.nextEvent(t); ev.Kind != events.KindStopped {
			t.Errorf("got %q event, want stopped", ev.Kind)
		}
	}
	recs, err := h.host.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions(): %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("%d sessions remain after StopAll", len(recs))
	}
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	got, err := h.c.EstimateCost(context.Background(), testResource, 90*time.Minute)
	if err != nil {
		t.Fatalf("EstimateCost(): %v", err)
	}
	if want := testRate * 3 / 2; got != want {
		t.Errorf("estimate = %d, want %d", got, want)
	}

	if _, err := h.c.EstimateCost(context.Background(), "no-such", time.Hour); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("err = %v, want ErrUnknownResource", err)
	}
}

// seedRecord plants a registry record directly, bypassing the
// coordinator, to stage intermediate states.
func seedRecord(t *testing.T, h *harness, status sessions.Status) *sessions.SessionRecord {
	t.Helper()
	now := h.clock.Now()
	rec := &sessions.SessionRecord{
		User:       testUser,
		ResourceID: testResource,
		InstanceID: "seeded-instance",
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if status == sessions.StatusActive {
		rec.StartTime = now
		rec.LastBillingTime = now
	}
	if err := h.host.CreateSession(context.Background(), rec); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return rec
}
