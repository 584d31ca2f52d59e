// Package ledger defines the boundary to the external settlement ledger:
// the authoritative system recording session state and settling payment.
// The ledger is consumed, never implemented, by this module; the Gateway
// interface covers exactly the surface the lifecycle coordinator needs.
//
// # Outcome taxonomy
//
// Every mutating call has three possible outcomes, and conflating them is
// the classic failure mode this package exists to prevent:
//
//   - success: a Receipt was returned.
//   - definite failure: one of the sentinel errors below. The remote state
//     did not change (or changed in a known way, as with
//     ErrNoActiveSession).
//   - ambiguous: the call timed out with the remote outcome unknown.
//     Surfaced as *AmbiguousError; callers must reconcile against ledger
//     truth before assuming either way.
//
// ErrUnavailable is definite but recoverable: the request never reached
// the ledger, so retrying is safe.
//
// # Receipts
//
// Ledgers that sign receipts attach a compact JWS to Receipt.Token. A
// Verifier checks the signature and that the claims match the receipt
// body; keys are resolved from the ledger's published JWKS.
package ledger
