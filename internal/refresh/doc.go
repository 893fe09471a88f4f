// Package refresh keeps the user cache filled from the remote member lookup.
//
// A Coordinator owns one in-flight job per guild. Concurrent callers asking for the same
// guild share that job instead of issuing duplicate fetches. Jobs fetch in fixed-size
// batches behind a process-wide gate with randomized spacing between calls.
//
// Transient lookup failures are dropped so the user stays missing for the next round;
// any other error fails the job and is returned to every waiter.
package refresh
