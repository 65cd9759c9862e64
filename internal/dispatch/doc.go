// Package dispatch runs the batch-dispatch loop.
//
// Dispatcher.Run loads the input, partitions it, and visits batch indices
// in ascending order from the start index (the checkpoint if one exists,
// otherwise the configured start). In retry mode with a non-empty failure
// log only logged indices are sent; the rest are skipped without a request
// or a pause.
//
// Each delivery failure is logged and appended to the failure log, and the
// loop moves on. After every delivered batch except the last one the loop
// waits for the configured delay; SetDelay can change it mid-run.
//
// Cancelling the context stops the loop between batches or during a pause.
// A request already in flight is allowed to finish (bounded by the request
// timeout) so its outcome is always recorded.
package dispatch
