// Package streamsessions coordinates metered, pay-per-time sessions whose
// entitlement and billing are authoritative on an external settlement
// ledger. The coordinator is the only component that transitions a
// session's state: it validates preconditions against the local registry,
// drives the ledger gateway, and publishes lifecycle events. A watchdog
// runs alongside it, enforcing the maximum session duration and
// reconciling local state against ledger truth.
//
// Layers & Roles
//
//	Coordinator    -> precondition checks, state machine, event publication
//	Watchdog       -> duration ceiling + reconciliation (see Run)
//	sessions.Host  -> the registry: per-user serialized session records
//	ledger.Gateway -> the settlement ledger boundary (consumed only)
//	events.Bus     -> in-process fan-out of lifecycle events
//
// # State machine
//
// A session record moves starting -> active -> stopping and is removed
// once idle. Ambiguous ledger outcomes (timeouts) park the record in an
// error state that keeps blocking new starts for that user until the
// watchdog re-queries the ledger and either re-adopts the session or
// clears it. A failed start never leaves an active-looking session; a
// failed stop never silently keeps billing past the point of doubt.
//
// # Concurrency
//
// Registry writes for one user are serialized by the host; the starting
// and stopping intermediate states exist so no lock is held across a
// ledger round-trip. A caller stop racing a watchdog force-stop both
// target the same transition: whichever claims the record first proceeds
// and the other treats its stop as a no-op success.
package streamsessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paystream/streamsessions-go/catalog"
	"github.com/paystream/streamsessions-go/events"
	"github.com/paystream/streamsessions-go/internal/logctx"
	"github.com/paystream/streamsessions-go/ledger"
	"github.com/paystream/streamsessions-go/sessions"
)

// Errors surfaced by the coordinator in addition to the ledger taxonomy.
var (
	// ErrAlreadyActive: the user already holds a session in a
	// non-terminal state. Error-state sessions count too, until
	// reconciliation resolves them.
	ErrAlreadyActive = errors.New("user already has an active session")
	// ErrUnknownResource: the resource is not in the directory.
	ErrUnknownResource = errors.New("resource not in directory")
	// ErrStartInFlight: a stop arrived while the start was still
	// awaiting ledger confirmation.
	ErrStartInFlight = errors.New("session start still in flight")
)

// errRaced is an internal mark for losing a stop race; the loser treats
// its stop as a no-op success.
var errRaced = errors.New("transition raced")

type Coordinator struct {
	host     sessions.Host
	gw       ledger.Gateway
	dir      *catalog.Directory
	bus      events.Bus
	verifier *ledger.Verifier
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	timersMu sync.Mutex
	timers   map[string]*time.Timer // instanceID -> pending auto-stop
}

// New builds a Coordinator over the given registry host, ledger gateway,
// and resource directory.
func New(host sessions.Host, gw ledger.Gateway, dir *catalog.Directory, opts ...Option) (*Coordinator, error) {
	if host == nil || gw == nil || dir == nil {
		return nil, errors.New("streamsessions: host, gateway, and directory are required")
	}
	c := &Coordinator{
		host:   host,
		gw:     gw,
		dir:    dir,
		log:    slog.Default(),
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.applyDefaults()
	if c.bus == nil {
		c.bus = events.NewBus(c.cfg.EventBuffer)
	}
	return c, nil
}

// Bus returns the lifecycle event bus for subscribers.
func (c *Coordinator) Bus() events.Bus { return c.bus }

// Session returns the user's current session record, if any.
func (c *Coordinator) Session(ctx context.Context, user string) (*sessions.SessionRecord, error) {
	return c.host.GetSession(ctx, user)
}

// EstimateCost quotes what d of access to the resource would settle at,
// in the ledger's micro-units, using the fresh ledger rate.
func (c *Coordinator) EstimateCost(ctx context.Context, resourceID string, d time.Duration) (int64, error) {
	if _, ok := c.dir.Get(resourceID); !ok {
		return 0, ErrUnknownResource
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	rate, err := c.gw.GetRate(callCtx, resourceID)
	if err != nil {
		return 0, err
	}
	return int64(float64(rate) * d.Hours()), nil
}

// StartSession opens a metered session for user on resourceID.
//
// The record is registered in the starting state before the ledger call
// goes out, which is what closes the race against a second concurrent
// start for the same user. Exactly one started or faulted event is
// published per invocation that reaches the ledger; locally rejected
// preconditions publish nothing and mutate nothing.
func (c *Coordinator) StartSession(ctx context.Context, user, resourceID string) (*sessions.SessionRecord, error) {
	ctx = logctx.WithOperation(ctx, &logctx.Operation{Name: "start", Initiator: "caller"})

	if _, ok := c.dir.Get(resourceID); !ok {
		return nil, ErrUnknownResource
	}

	// Resource state is fetched fresh, never cached: a stale active flag
	// here would let a start through that the ledger will only reject
	// after the user has authorized it.
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	res, err := c.gw.GetResource(callCtx, resourceID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("resource lookup: %w", err)
	}
	if !res.Active {
		return nil, ledger.ErrResourceInactive
	}

	now := c.now().UTC()
	rec := &sessions.SessionRecord{
		User:       user,
		ResourceID: resourceID,
		InstanceID: uuid.NewString(),
		Status:     sessions.StatusStarting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.host.CreateSession(ctx, rec); err != nil {
		if errors.Is(err, sessions.ErrSessionExists) {
			return nil, ErrAlreadyActive
		}
		return nil, fmt.Errorf("register session: %w", err)
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		User: user, ResourceID: resourceID, InstanceID: rec.InstanceID, Status: string(rec.Status),
	})
	c.log.InfoContext(ctx, "session start requested")

	callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
	rcpt, err := c.gw.StartSession(callCtx, user, resourceID)
	cancel()
	if err == nil {
		if verr := c.verifier.Verify(rcpt); verr != nil {
			// The remote start may well have committed; only the proof
			// is bad. Treat like an ambiguous outcome and let
			// reconciliation settle it against ledger truth.
			err = &ledger.AmbiguousError{Op: "start", Err: verr}
		}
	}

	switch {
	case err == nil:
		start := c.now().UTC()
		if merr := c.host.MutateSession(ctx, user, func(r *sessions.SessionRecord) error {
			if r.InstanceID != rec.InstanceID {
				return errRaced
			}
			r.Status = sessions.StatusActive
			r.StartTime = start
			r.LastBillingTime = start
			r.UpdatedAt = start
			*rec = *r
			return nil
		}); merr != nil {
			// The registry lost a record we just created: a registry
			// bug, not a ledger condition. Surface loudly and fault the
			// session rather than pretend it is active.
			c.log.ErrorContext(ctx, "registry lost starting session", slog.String("err", merr.Error()))
			c.publishFaulted(rec, "registry inconsistency: "+merr.Error())
			return nil, fmt.Errorf("activate session: %w", merr)
		}
		c.armAutoStop(user, resourceID, rec.InstanceID)
		c.bus.Publish(events.Event{
			Kind: events.KindStarted, User: user, ResourceID: resourceID, Timestamp: start,
		})
		c.log.InfoContext(ctx, "session active", slog.Time("start_time", start))
		return rec.Clone(), nil

	case ledger.IsAmbiguous(err):
		// Unknown remote outcome: never resolved optimistically. Park in
		// error state; the watchdog re-queries the ledger and either
		// re-adopts or clears.
		c.faultSession(ctx, user, rec.InstanceID, err.Error())
		c.publishFaulted(rec, err.Error())
		c.log.WarnContext(ctx, "session start ambiguous", slog.String("err", err.Error()))
		return nil, err

	default:
		// Definite failure: the ledger did not open a session. Roll the
		// optimistic registration back.
		if derr := c.host.DeleteSession(ctx, user); derr != nil {
			c.log.ErrorContext(ctx, "rollback failed", slog.String("err", derr.Error()))
		}
		c.publishFaulted(rec, err.Error())
		c.log.InfoContext(ctx, "session start rejected", slog.String("err", err.Error()))
		return nil, fmt.Errorf("start session: %w", err)
	}
}

// StopSession ends the user's session on resourceID on the caller's
// behalf. Stopping a session that does not exist (or was already settled)
// is a no-op success: the ledger may have closed it first.
func (c *Coordinator) StopSession(ctx context.Context, user, resourceID string) error {
	return c.stop(ctx, user, resourceID, events.ReasonCallerRequested, "caller")
}

// StopAll ends every session in the registry that can be stopped. Used on
// shutdown, mirroring the upstream behavior of closing all streams when
// the account disconnects. The first error is returned after attempting
// every session.
func (c *Coordinator) StopAll(ctx context.Context) error {
	recs, err := c.host.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	var firstErr error
	for _, rec := range recs {
		if rec.Status != sessions.StatusActive && rec.Status != sessions.StatusError {
			continue
		}
		if err := c.stop(ctx, rec.User, rec.ResourceID, events.ReasonCallerRequested, "shutdown"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Coordinator) stop(ctx context.Context, user, resourceID string, reason events.StopReason, initiator string) error {
	ctx = logctx.WithOperation(ctx, &logctx.Operation{Name: "stop", Initiator: initiator})

	rec, err := c.host.GetSession(ctx, user)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec.ResourceID != resourceID {
		return nil
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		User: user, ResourceID: resourceID, InstanceID: rec.InstanceID, Status: string(rec.Status),
	})

	switch rec.Status {
	case sessions.StatusStarting:
		return ErrStartInFlight
	case sessions.StatusActive, sessions.StatusError:
		// proceed
	default:
		// Stopping (someone else is on it) or a terminal leftover:
		// idempotent no-op.
		return nil
	}

	now := c.now().UTC()
	claimErr := c.host.MutateSession(ctx, user, func(r *sessions.SessionRecord) error {
		if r.InstanceID != rec.InstanceID || (r.Status != sessions.StatusActive && r.Status != sessions.StatusError) {
			return errRaced
		}
		r.Status = sessions.StatusStopping
		r.UpdatedAt = now
		*rec = *r
		return nil
	})
	if errors.Is(claimErr, errRaced) || errors.Is(claimErr, sessions.ErrSessionNotFound) {
		// Lost the race to another stop; its outcome stands for ours.
		return nil
	}
	if claimErr != nil {
		return fmt.Errorf("claim session: %w", claimErr)
	}
	c.disarmAutoStop(rec.InstanceID)
	c.log.InfoContext(ctx, "session stop requested", slog.String("reason", string(reason)))

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	rcpt, err := c.gw.StopSession(callCtx, user, resourceID)
	cancel()
	if err == nil {
		if verr := c.verifier.Verify(rcpt); verr != nil {
			err = &ledger.AmbiguousError{Op: "stop", Err: verr}
		}
	}

	switch {
	case err == nil:
		if derr := c.host.DeleteSession(ctx, user); derr != nil {
			c.log.ErrorContext(ctx, "remove stopped session", slog.String("err", derr.Error()))
		}
		c.bus.Publish(events.Event{
			Kind: events.KindStopped, User: user, ResourceID: resourceID,
			Timestamp: c.now().UTC(), Amount: rcpt.Amount, Reason: reason,
		})
		c.log.InfoContext(ctx, "session stopped", slog.Int64("amount", rcpt.Amount), slog.String("reason", string(reason)))
		return nil

	case errors.Is(err, ledger.ErrNoActiveSession):
		// The ledger already settled this session externally; adopt its
		// truth and report the reconciliation.
		if derr := c.host.DeleteSession(ctx, user); derr != nil {
			c.log.ErrorContext(ctx, "remove settled session", slog.String("err", derr.Error()))
		}
		c.bus.Publish(events.Event{
			Kind: events.KindStopped, User: user, ResourceID: resourceID,
			Timestamp: c.now().UTC(), Reason: events.ReasonRemoteReconciliation,
		})
		return nil

	default:
		// Definite failure or ambiguous timeout: either way the session
		// must not silently keep billing, and must not be assumed
		// settled. Park in error state pending reconciliation.
		c.faultSession(ctx, user, rec.InstanceID, err.Error())
		c.publishFaulted(rec, err.Error())
		c.log.WarnContext(ctx, "session stop failed", slog.String("err", err.Error()))
		return fmt.Errorf("stop session: %w", err)
	}
}

// faultSession parks the record in error state. Best-effort: a raced or
// missing record means someone else already resolved it.
func (c *Coordinator) faultSession(ctx context.Context, user, instanceID, reason string) {
	now := c.now().UTC()
	err := c.host.MutateSession(ctx, user, func(r *sessions.SessionRecord) error {
		if r.InstanceID != instanceID {
			return errRaced
		}
		r.Status = sessions.StatusError
		r.FaultReason = reason
		r.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, errRaced) && !errors.Is(err, sessions.ErrSessionNotFound) {
		c.log.ErrorContext(ctx, "fault transition failed", slog.String("err", err.Error()))
	}
}

func (c *Coordinator) publishFaulted(rec *sessions.SessionRecord, detail string) {
	c.bus.Publish(events.Event{
		Kind: events.KindFaulted, User: rec.User, ResourceID: rec.ResourceID,
		Timestamp: c.now().UTC(), Message: detail,
	})
}

// armAutoStop schedules the hard-duration force stop for one session
// instance. The timer is tied to the instance, so a manual stop disarms
// it instead of racing it, and a stale timer can never fire into a later
// session.
func (c *Coordinator) armAutoStop(user, resourceID, instanceID string) {
	t := time.AfterFunc(c.cfg.MaxSessionDuration, func() {
		c.timersMu.Lock()
		delete(c.timers, instanceID)
		c.timersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		if err := c.stop(ctx, user, resourceID, events.ReasonMaxDurationExceeded, "watchdog"); err != nil {
			c.log.Warn("auto-stop failed",
				slog.String("user", user),
				slog.String("resource", resourceID),
				slog.String("err", err.Error()))
		}
	})
	c.timersMu.Lock()
	c.timers[instanceID] = t
	c.timersMu.Unlock()
}

func (c *Coordinator) disarmAutoStop(instanceID string) {
	c.timersMu.Lock()
	t, ok := c.timers[instanceID]
	if ok {
		delete(c.timers, instanceID)
	}
	c.timersMu.Unlock()
	if ok {
		t.Stop()
	}
}

// Run drives the background work: the watchdog loop and, when the
// gateway supports it, the ledger event feed. It blocks until ctx ends,
// then stops all remaining sessions on a short grace context before
// returning ctx's error.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runWatchdog(ctx)
	}()

	feed, err := c.gw.Events(ctx)
	switch {
	case errors.Is(err, ledger.ErrEventsUnsupported):
		c.log.Debug("ledger event feed unsupported; relying on watchdog only")
	case err != nil:
		c.log.Warn("ledger event feed unavailable", slog.String("err", err.Error()))
	default:
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { _ = feed.Close() }()
			c.consumeFeed(ctx, feed)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	graceCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	if err := c.StopAll(graceCtx); err != nil {
		c.log.Warn("shutdown stop-all incomplete", slog.String("err", err.Error()))
	}
	return ctx.Err()
}

// consumeFeed treats ledger events as a secondary confirmation channel:
// settlements are forwarded to subscribers, remote stops trigger an
// immediate reconcile. Absence of feed events is never treated as
// failure.
func (c *Coordinator) consumeFeed(ctx context.Context, feed ledger.EventStream) {
	for {
		ev, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("ledger event feed ended", slog.String("err", err.Error()))
			}
			return
		}
		switch ev.Kind {
		case ledger.EventPaymentProcessed:
			c.bus.Publish(events.Event{
				Kind: events.KindPayment, User: ev.User, ResourceID: ev.ResourceID,
				Timestamp: c.now().UTC(), Amount: ev.Amount,
			})
		case ledger.EventSessionStopped:
			rec, err := c.host.GetSession(ctx, ev.User)
			if err != nil || rec.ResourceID != ev.ResourceID {
				continue
			}
			c.reconcileSession(ctx, rec)
		}
	}
}
