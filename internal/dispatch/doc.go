// Package dispatch drains delivery tasks through a Sender.
//
// Loop owns every task status transition (pending -> sending -> delivered|failed). It picks the
// oldest eligible task, never runs more than Config.Concurrency sends at once and never retries.
// It is driven by Enqueue kicks, completions, a periodic tick and wake-ups for scheduled tasks,
// or synchronously through Step and Drain.
package dispatch
