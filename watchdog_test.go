package streamsessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paystream/streamsessions-go/events"
	"github.com/paystream/streamsessions-go/ledger"
	"github.com/paystream/streamsessions-go/ledger/ledgertest"
	"github.com/paystream/streamsessions-go/sessions"
)

func TestSweepEnforcesMaxDuration(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustStart(t)

	// Just under the ceiling: nothing happens.
	h.clock.Advance(time.Hour - time.Second)
	h.c.sweep(context.Background())
	if rec, err := h.c.Session(context.Background(), testUser); err != nil || rec.Status != sessions.StatusActive {
		t.Fatalf("session touched below the ceiling: %v %v", rec, err)
	}
	h.expectNoEvent(t)

	// Just over: force-stopped and settled for the full metered time.
	h.clock.Advance(2 * time.Second)
	h.c.sweep(context.Background())

	ev := h.nextEvent(t)
	if ev.Kind != events.KindStopped || ev.Reason != events.ReasonMaxDurationExceeded {
		t.Fatalf("got %q/%q, want stopped/max_duration_exceeded", ev.Kind, ev.Reason)
	}
	if ev.Amount <= testRate {
		t.Errorf("amount = %d, want more than one full hour (%d)", ev.Amount, testRate)
	}
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry still holds force-stopped session: %v", err)
	}
	if h.gw.SessionActive(testUser, testResource) {
		t.Error("ledger session still open")
	}
}

func TestSweepReconcilesRemoteSettlement(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustStart(t)
	h.gw.ForceSettle(testUser, testResource)

	h.c.sweep(context.Background())

	ev := h.nextEvent(t)
	if ev.Kind != events.KindStopped || ev.Reason != events.ReasonRemoteReconciliation {
		t.Fatalf("got %q/%q, want stopped/remote_reconciliation", ev.Kind, ev.Reason)
	}
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry still holds settled session: %v", err)
	}

	// Sweeping again reports nothing: the reconciliation fired exactly
	// once.
	h.c.sweep(context.Background())
	h.expectNoEvent(t)
}

func TestSweepReadoptsCommittedAmbiguousStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// FailNextAfterApply commits the remote session, then reports a
	// timeout: the classic committed-but-unconfirmed start.
	h.gw.FailNextAfterApply(ledgertest.OpStart, &ledger.AmbiguousError{Op: "start", Err: context.DeadlineExceeded})

	if _, err := h.c.StartSession(context.Background(), testUser, testResource); !ledger.IsAmbiguous(err) {
		t.Fatalf("err = %v, want ambiguous", err)
	}
	if ev := h.nextEvent(t); ev.Kind != events.KindFaulted {
		t.Fatalf("got %q event, want faulted", ev.Kind)
	}

	h.c.sweep(context.Background())

	rec, err := h.c.Session(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Session(): %v", err)
	}
	if rec.Status != sessions.StatusActive {
		t.Fatalf("status = %q, want active after re-adoption", rec.Status)
	}
	if rec.StartTime.IsZero() {
		t.Error("re-adopted session has no start time")
	}
	if rec.FaultReason != "" {
		t.Errorf("fault reason not cleared: %q", rec.FaultReason)
	}

	// The re-adopted session stops like any other.
	h.clock.Advance(15 * time.Minute)
	if err := h.c.StopSession(context.Background(), testUser, testResource); err != nil {
		t.Fatalf("StopSession(): %v", err)
	}
	ev := h.nextEvent(t)
	if ev.Kind != events.KindStopped {
		t.Fatalf("got %q event, want stopped", ev.Kind)
	}
	if want := testRate / 4; ev.Amount != want {
		t.Errorf("amount = %d, want %d", ev.Amount, want)
	}
}

func TestSweepClearsUncommittedAmbiguousStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// FailNext reports the timeout without committing anything remotely.
	h.gw.FailNext(ledgertest.OpStart, &ledger.AmbiguousError{Op: "start", Err: context.DeadlineExceeded})

	if _, err := h.c.StartSession(context.Background(), testUser, testResource); !ledger.IsAmbiguous(err) {
		t.Fatalf("err = %v, want ambiguous", err)
	}
	if ev := h.nextEvent(t); ev.Kind != events.KindFaulted {
		t.Fatalf("got %q event, want faulted", ev.Kind)
	}

	h.c.sweep(context.Background())

	ev := h.nextEvent(t)
	if ev.Kind != events.KindStopped || ev.Reason != events.ReasonRemoteReconciliation {
		t.Fatalf("got %q/%q, want stopped/remote_reconciliation", ev.Kind, ev.Reason)
	}
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry still holds cleared session: %v", err)
	}

	// The slot is free again.
	h.mustStart(t)
}

func TestSweepLeavesRecordWhenLedgerUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gw.FailNext(ledgertest.OpStart, &ledger.AmbiguousError{Op: "start", Err: context.DeadlineExceeded})
	_, _ = h.c.StartSession(context.Background(), testUser, testResource)
	if ev := h.nextEvent(t); ev.Kind != events.KindFaulted {
		t.Fatalf("got %q event, want faulted", ev.Kind)
	}

	h.gw.FailNext(ledgertest.OpGetSession, ledger.ErrUnavailable)
	h.c.sweep(context.Background())

	rec, err := h.c.Session(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Session(): %v", err)
	}
	if rec.Status != sessions.StatusError {
		t.Errorf("status = %q, want error kept pending a reachable ledger", rec.Status)
	}
	h.expectNoEvent(t)
}

func TestSweepFaultsAbandonedTransition(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seedRecord(t, h, sessions.StatusStarting)

	// Within the grace window the in-flight record is left alone.
	h.c.sweep(context.Background())
	if rec, _ := h.c.Session(context.Background(), testUser); rec.Status != sessions.StatusStarting {
		t.Fatalf("status = %q, want starting", rec.Status)
	}

	h.clock.Advance(time.Minute)
	h.c.sweep(context.Background())

	rec, err := h.c.Session(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Session(): %v", err)
	}
	if rec.Status != sessions.StatusError {
		t.Fatalf("status = %q, want error for abandoned transition", rec.Status)
	}

	// There is no matching remote session, so the next sweep clears it.
	h.c.sweep(context.Background())
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("abandoned session survived reconciliation: %v", err)
	}
}

func TestRunForwardsLedgerFeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(runCtx) }()

	h.mustStart(t)
	h.clock.Advance(10 * time.Minute)
	h.gw.ForceSettle(testUser, testResource)

	// The settlement arrives on the feed as a payment notification and a
	// remote stop; the stop triggers an immediate reconcile.
	sawPayment, sawStopped := false, false
	for !sawPayment || !sawStopped {
		ev := h.nextEvent(t)
		switch ev.Kind {
		case events.KindPayment:
			sawPayment = true
			if want := testRate / 6; ev.Amount != want {
				t.Errorf("payment amount = %d, want %d", ev.Amount, want)
			}
		case events.KindStopped:
			sawStopped = true
			if ev.Reason != events.ReasonRemoteReconciliation {
				t.Errorf("reason = %q, want remote_reconciliation", ev.Reason)
			}
		default:
			t.Fatalf("unexpected %q event", ev.Kind)
		}
	}
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry still holds remotely settled session: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStopsSessionsOnShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustStart(t)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(runCtx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if ev := h.nextEvent(t); ev.Kind != events.KindStopped {
		t.Fatalf("got %q event, want stopped on shutdown", ev.Kind)
	}
	if _, err := h.c.Session(context.Background(), testUser); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("registry still holds session after shutdown: %v", err)
	}
}
