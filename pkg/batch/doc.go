// Package batch holds pending records between the tailer and Loki.
//
// Queue is a mutex-guarded FIFO with a coalescing wake-up channel. The
// Dispatcher waits on that channel or its flush interval, whichever comes
// first, drains at most BatchSize records and hands them to a Sender. A
// failed batch is counted once in errors_total and discarded. On Stop the
// dispatcher sends everything still queued before exiting.
package batch
