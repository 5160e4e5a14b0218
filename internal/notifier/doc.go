// Package notifier tells the operator chat when a broadcast finishes.
//
// It subscribes to the event bus, waits for broadcast.updated events carrying a
// terminal status and sends one summary per broadcast id. Sends are rate limited
// and retried with backoff; a failed summary is logged and dropped.
package notifier
