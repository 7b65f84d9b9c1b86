// Package fanout delivers semantically related messages to many independent
// recipients from one triggering event.
//
// Delivery semantics
//
// The dispatcher is best-effort and never retries within one call. Each
// recipient is attempted exactly once under a per-attempt timeout; outcomes
// are classified as delivered, unreachable (recipient blocked the sender or
// deactivated their account — terminal), or failed (anything else). A
// partially completed batch is a valid terminal state.
package fanout
