// Package commandqueue serializes agent runs per session lane.
//
// Invariants:
// - Runs in the same lane execute in FIFO order, one at a time.
// - Runs in different lanes may execute concurrently.
// - Queue activity is observable through enqueued/completed events and metrics.
package commandqueue
