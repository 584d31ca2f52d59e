package sessions

import "time"

// Status is the lifecycle state of a session record. Transitions are owned
// exclusively by the coordinator; hosts store statuses without interpreting
// them beyond the Occupying check in CreateSession.
type Status string

const (
	// StatusIdle is the terminal state. Idle sessions are removed from the
	// registry rather than stored; the constant exists for event payloads
	// and reconciliation reporting.
	StatusIdle Status = "idle"
	// StatusStarting is set before the ledger start call is issued. It
	// closes the race window against a second concurrent start for the
	// same user while the remote call is in flight.
	StatusStarting Status = "starting"
	// StatusActive means the ledger confirmed the start. StartTime is set
	// exactly once, when this status is entered.
	StatusActive Status = "active"
	// StatusStopping is set before the ledger stop call is issued.
	StatusStopping Status = "stopping"
	// StatusError marks an ambiguous or failed transition. Error records
	// stay in the registry and keep blocking new starts until
	// reconciliation resolves them against ledger truth.
	StatusError Status = "error"
)

// Occupying reports whether a record in this status counts toward the
// one-session-per-user limit.
func (s Status) Occupying() bool {
	switch s {
	case StatusStarting, StatusActive, StatusStopping, StatusError:
		return true
	}
	return false
}

// SessionRecord is the authoritative persisted representation of a metered
// session. Timestamps are wall-clock times in UTC.
//
// User, ResourceID and InstanceID are immutable after creation. InstanceID
// is minted per start attempt; auto-stop timers and stale-update guards key
// off it so a timer armed for one attempt can never fire into a later one.
type SessionRecord struct {
	User       string `json:"user"`
	ResourceID string `json:"resource_id"`
	InstanceID string `json:"instance_id"`

	Status Status `json:"status"`

	// StartTime is zero until the ledger confirms the start. It is set
	// exactly once per instance and never reset while the record stays
	// active.
	StartTime       time.Time `json:"start_time,omitzero"`
	LastBillingTime time.Time `json:"last_billing_time,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// FaultReason records why the session entered StatusError, for
	// operators and reconciliation logging. Empty otherwise.
	FaultReason string `json:"fault_reason,omitempty"`
}

// Clone returns a deep copy. Hosts hand out clones so callers can never
// mutate registry state outside MutateSession.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Elapsed returns the metered duration as of now, or zero if the session
// never reached active.
func (r *SessionRecord) Elapsed(now time.Time) time.Duration {
	if r.StartTime.IsZero() {
		return 0
	}
	return now.Sub(r.StartTime)
}
