// Package broadcast runs mass sends to the full user population.
//
// A broadcast is represented as a job with an in-memory status record. Jobs
// run one at a time; the per-recipient work (rate limiting, timeouts, outcome
// classification) is delegated to the fanout dispatcher. Delivery is
// best-effort and never retried: a partially delivered broadcast is a valid
// terminal state.
package broadcast
