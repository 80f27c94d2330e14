// Package dispatch runs background work decoupled from request handling.
//
// The send path acknowledges receipt as soon as a task is buffered; the task
// then resolves the conversation, persists and fans out on a worker with a
// detached, time-limited context. Failures never reach the original caller.
// They are logged, counted in Stats and passed to an optional FailureFunc.
// Config.MaxAttempts and Config.RetryBackoff turn on retries without changing
// the caller's contract.
package dispatch
