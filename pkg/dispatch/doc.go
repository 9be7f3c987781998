// Package dispatch executes bound jobs on their workers.
//
// The scheduler's output is an assignment row: one job, one instance, both
// already committed to each other. The dispatcher turns that row into a
// running container. It dials the worker's control endpoint over websocket,
// authenticating with the instance's bootstrap token, sends the start frame
// with the job spec and the result upload location, and then follows the
// run through progress, heartbeat, and terminal frames.
//
// Ownership is the concurrency model: exactly one handler goroutine drives
// an assignment from adoption to a terminal state, so nothing else writes
// the row while it is live. Handlers spawn from assignment.created events
// and from a periodic sweep over live assignment rows. The sweep is also
// the crash story: assignments survive a process restart, the sweep finds
// them, and the handler re-dials. Workers accept a replacement control
// connection, so a job that kept running through the restart reports its
// result to the new process as if nothing happened.
//
// Time bounds every wait. Dialing retries with backoff until the dispatch
// window closes, then the job fails with dispatch_timeout. A connected
// worker must produce a frame within the heartbeat timeout or the job fails
// with lost_worker and the box is drained. Cancels and running-deadline
// stops send the cancel frame and give the worker a grace period to
// acknowledge; an unacknowledged stop closes the channel and drains the
// instance, since the worker may still be executing.
//
// Failures with a retryable class spawn a successor job linked through
// retry_of, up to the job's retry budget. After every terminal outcome the
// dispatcher publishes instance.idle so the scheduler can reuse the box
// without waiting for its next tick.
package dispatch
