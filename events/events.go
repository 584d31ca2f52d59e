// Package events carries lifecycle events from the coordinator and
// watchdog to in-process observers (UI, billing displays, audit logs).
//
// The bus is single-writer-many-reader: the coordinator and watchdog are
// the only publishers, and each subscriber consumes an ordered stream over
// its own bounded channel. Delivery is at-most-once per subscriber with no
// replay; a subscriber that attaches after an event fires will not see it,
// and a subscriber whose buffer is full misses events without slowing the
// publisher or other subscribers.
package events

import "time"

// Kind identifies the lifecycle transition an event reports.
type Kind string

const (
	// KindStarted fires once per successful, ledger-confirmed start.
	KindStarted Kind = "started"
	// KindStopped fires once per session leaving the registry, whether
	// the caller, the watchdog, or remote reconciliation ended it.
	KindStopped Kind = "stopped"
	// KindPayment relays a settlement notification from the ledger's
	// event feed. Best-effort; absence means nothing.
	KindPayment Kind = "payment"
	// KindFaulted fires when a start or stop attempt fails or times out.
	KindFaulted Kind = "faulted"
)

// StopReason says on whose behalf a session was stopped.
type StopReason string

const (
	ReasonCallerRequested     StopReason = "caller_requested"
	ReasonMaxDurationExceeded StopReason = "max_duration_exceeded"
	ReasonRemoteReconciliation StopReason = "remote_reconciliation"
)

// Event is an immutable lifecycle notification. Amount is in the ledger's
// micro-units and only meaningful for stopped and payment events.
type Event struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	User       string     `json:"user"`
	ResourceID string     `json:"resource_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Amount     int64      `json:"amount,omitempty"`
	Reason     StopReason `json:"reason,omitempty"`
	// Message carries human-readable fault detail for faulted events.
	Message string `json:"message,omitempty"`
}
