package streamsessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/paystream/streamsessions-go/events"
	"github.com/paystream/streamsessions-go/internal/logctx"
	"github.com/paystream/streamsessions-go/ledger"
	"github.com/paystream/streamsessions-go/sessions"
)

// runWatchdog periodically sweeps the registry. It is the backstop behind
// the per-session timers: timers handle the common force-stop path with
// no polling latency, the sweep catches sessions whose timer was lost to
// a process restart and resolves error-state records against the ledger.
func (c *Coordinator) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep runs one watchdog pass over every registered session.
func (c *Coordinator) sweep(ctx context.Context) {
	recs, err := c.host.ListSessions(ctx)
	if err != nil {
		c.log.Warn("watchdog list failed", slog.String("err", err.Error()))
		return
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		c.inspect(ctx, rec)
	}
}

func (c *Coordinator) inspect(ctx context.Context, rec *sessions.SessionRecord) {
	ctx = logctx.WithOperation(ctx, &logctx.Operation{Name: "sweep", Initiator: "watchdog"})
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		User: rec.User, ResourceID: rec.ResourceID, InstanceID: rec.InstanceID, Status: string(rec.Status),
	})

	switch rec.Status {
	case sessions.StatusActive:
		if rec.Elapsed(c.now()) >= c.cfg.MaxSessionDuration {
			c.log.InfoContext(ctx, "session exceeded max duration",
				slog.Duration("elapsed", rec.Elapsed(c.now())))
			if err := c.stop(ctx, rec.User, rec.ResourceID, events.ReasonMaxDurationExceeded, "watchdog"); err != nil {
				c.log.WarnContext(ctx, "force stop failed", slog.String("err", err.Error()))
			}
			return
		}
		c.reconcileSession(ctx, rec)

	case sessions.StatusError:
		c.reconcileSession(ctx, rec)

	case sessions.StatusStarting, sessions.StatusStopping:
		// A transition is in flight (or its owner died mid-call). If the
		// record has sat in an intermediate state for longer than any
		// call can run, the owning goroutine is gone; treat as faulted so
		// the next sweep reconciles it.
		if c.now().Sub(rec.UpdatedAt) > 2*c.cfg.CallTimeout {
			c.log.WarnContext(ctx, "intermediate session state stuck")
			c.faultSession(ctx, rec.User, rec.InstanceID, "abandoned "+string(rec.Status)+" transition")
		}
	}
}

// reconcileSession aligns one local record with ledger truth.
//
// Active local + inactive remote: the ledger settled the session without
// us (remote stop, settlement sweep); the record is removed and a stopped
// event with the reconciliation reason published. Error local + active
// remote: the earlier ambiguous call actually committed; the session is
// re-adopted as active with the ledger's start time. Error local +
// inactive remote: the ambiguous call never committed or was settled
// since; the record is cleared. Gateway unavailability leaves the record
// untouched for the next sweep.
func (c *Coordinator) reconcileSession(ctx context.Context, rec *sessions.SessionRecord) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	view, err := c.gw.GetSession(callCtx, rec.User, rec.ResourceID)
	cancel()
	if err != nil {
		if !errors.Is(err, ledger.ErrUnavailable) && !ledger.IsAmbiguous(err) {
			c.log.WarnContext(ctx, "reconcile lookup failed", slog.String("err", err.Error()))
		}
		return
	}

	switch {
	case view.Active && rec.Status == sessions.StatusError:
		// The ambiguous mutating call committed remotely. Re-adopt.
		now := c.now().UTC()
		err := c.host.MutateSession(ctx, rec.User, func(r *sessions.SessionRecord) error {
			if r.InstanceID != rec.InstanceID || r.Status != sessions.StatusError {
				return errRaced
			}
			r.Status = sessions.StatusActive
			r.StartTime = view.StartTime
			r.LastBillingTime = view.LastBillingTime
			r.FaultReason = ""
			r.UpdatedAt = now
			return nil
		})
		if err != nil {
			if !errors.Is(err, errRaced) && !errors.Is(err, sessions.ErrSessionNotFound) {
				c.log.ErrorContext(ctx, "re-adopt failed", slog.String("err", err.Error()))
			}
			return
		}
		c.armAutoStop(rec.User, rec.ResourceID, rec.InstanceID)
		c.log.InfoContext(ctx, "session re-adopted from ledger",
			slog.Time("start_time", view.StartTime))

	case !view.Active:
		// Remote truth says no session. Claim the record before removing
		// it so we never race a concurrent stop into a double event.
		err := c.host.MutateSession(ctx, rec.User, func(r *sessions.SessionRecord) error {
			if r.InstanceID != rec.InstanceID || (r.Status != sessions.StatusActive && r.Status != sessions.StatusError) {
				return errRaced
			}
			r.Status = sessions.StatusStopping
			r.UpdatedAt = c.now().UTC()
			return nil
		})
		if err != nil {
			return
		}
		c.disarmAutoStop(rec.InstanceID)
		if derr := c.host.DeleteSession(ctx, rec.User); derr != nil {
			c.log.ErrorContext(ctx, "remove reconciled session", slog.String("err", derr.Error()))
		}
		c.bus.Publish(events.Event{
			Kind: events.KindStopped, User: rec.User, ResourceID: rec.ResourceID,
			Timestamp: c.now().UTC(), Reason: events.ReasonRemoteReconciliation,
		})
		c.log.InfoContext(ctx, "session reconciled away", slog.String("prev_status", string(rec.Status)))
	}
}
