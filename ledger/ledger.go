package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for definite call outcomes.
var (
	// ErrResourceNotFound: the ledger has no record of the resource.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrResourceInactive: the resource exists but is not open for
	// sessions.
	ErrResourceInactive = errors.New("resource inactive")
	// ErrUserDeclined: the remote counterparty declined to authorize the
	// mutating call. Never retried automatically.
	ErrUserDeclined = errors.New("user declined authorization")
	// ErrInsufficientFunds: settlement balance cannot cover the session.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAlreadyStreaming: the ledger already holds an active session for
	// this user and resource.
	ErrAlreadyStreaming = errors.New("session already active on ledger")
	// ErrNoActiveSession: a stop targeted a session the ledger has
	// already settled or never opened.
	ErrNoActiveSession = errors.New("no active session on ledger")
	// ErrUnavailable: the ledger could not be reached. Recoverable;
	// retrying is safe because the request never took effect.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrEventsUnsupported is returned by gateways without an event feed.
	ErrEventsUnsupported = errors.New("event feed unsupported by gateway")
)

// AmbiguousError wraps a timeout whose remote outcome is unknown. The
// session in flight must be reconciled against ledger truth before any
// further transition.
type AmbiguousError struct {
	Op  string // "start" or "stop"
	Err error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ledger %s outcome unknown: %v", e.Op, e.Err)
}

func (e *AmbiguousError) Unwrap() error { return e.Err }

// IsAmbiguous reports whether err carries an unknown remote outcome.
func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}

// Resource is the ledger's view of a billable resource. Read-only from
// this module's perspective; only the ledger mutates Active.
type Resource struct {
	ID      string `json:"id"`
	Creator string `json:"creator"`
	// RatePerHour is in the ledger's micro-units (the reference ledger
	// settles a 6-decimal stablecoin).
	RatePerHour int64 `json:"rate_per_hour"`
	Active      bool  `json:"active"`
}

// SessionView is a read-only snapshot of remote session state, used for
// reconciliation.
type SessionView struct {
	StartTime       time.Time `json:"start_time,omitzero"`
	LastBillingTime time.Time `json:"last_billing_time,omitzero"`
	Active          bool      `json:"active"`
}

// Receipt confirms a settled mutating call. Amount is zero for start
// receipts and the settled total, in micro-units, for stop receipts.
// Token optionally carries a compact JWS over the receipt fields.
type Receipt struct {
	TxID       string    `json:"tx_id"`
	User       string    `json:"user"`
	ResourceID string    `json:"resource_id"`
	Amount     int64     `json:"amount"`
	IssuedAt   time.Time `json:"issued_at"`
	Token      string    `json:"token,omitempty"`
}

// EventKind identifies a ledger feed notification.
type EventKind string

const (
	EventSessionStarted   EventKind = "session_started"
	EventSessionStopped   EventKind = "session_stopped"
	EventPaymentProcessed EventKind = "payment_processed"
)

// Event is a best-effort notification from the ledger's feed. Absence of
// an event is never authoritative; only queries are.
type Event struct {
	Kind       EventKind `json:"kind"`
	User       string    `json:"user"`
	ResourceID string    `json:"resource_id"`
	StartTime  time.Time `json:"start_time,omitzero"`
	// Amount is the total settled (session_stopped) or transferred
	// (payment_processed) value in micro-units.
	Amount      int64  `json:"amount,omitempty"`
	Creator     string `json:"creator,omitempty"`
	PlatformFee int64  `json:"platform_fee,omitempty"`
}

// EventStream provides ordered consumption of the ledger feed.
type EventStream interface {
	// Next blocks until the next event arrives or ctx is done.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Gateway is the contract surface the coordinator consumes. Method sets
// are deliberately small: read-only lookups, the two mutating calls, and
// the optional feed.
//
// Implementations MUST map remote failures onto the sentinel errors above
// and wrap unknown-outcome timeouts in *AmbiguousError. Calls must be
// bounded; honoring ctx deadlines is the implementation's job.
type Gateway interface {
	// GetResource returns the resource's current ledger state, fetched
	// fresh. No session side effect.
	GetResource(ctx context.Context, resourceID string) (*Resource, error)

	// GetRate returns the per-hour rate in micro-units.
	GetRate(ctx context.Context, resourceID string) (int64, error)

	// GetSession returns the remote session snapshot for reconciliation.
	GetSession(ctx context.Context, user, resourceID string) (*SessionView, error)

	// StartSession opens a metered session on the ledger.
	StartSession(ctx context.Context, user, resourceID string) (*Receipt, error)

	// StopSession closes the session and settles the elapsed amount.
	StopSession(ctx context.Context, user, resourceID string) (*Receipt, error)

	// Events opens the ledger's notification feed, or returns
	// ErrEventsUnsupported.
	Events(ctx context.Context) (EventStream, error)
}
