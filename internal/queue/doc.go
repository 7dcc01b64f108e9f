// Package queue implements the pull-based work queue for REMOTE
// accounts.
//
// # Claiming
//
// Workers poll with Pull, identified by a stable fingerprint. Within one
// serializable transaction the scheduler groups queue slots by
// (account, task), selects only the earliest-queued head of each group,
// claims every selected head (fresh random token, caller's fingerprint,
// execution to INPROGRESS) and commits. No external observer can see a
// partially claimed queue.
//
// # Stale claims
//
// A claim whose execution has been INPROGRESS beyond the dead-task
// timeout with no recent log activity is eligible for takeover by a
// worker with a different fingerprint. Takeover is a reset-in-place:
// the queue slot keeps its identity but is repointed at a brand-new
// INQUEUE execution; the old execution and its results stay behind for
// audit. Detection is lazy: a dead task is reclaimed when some worker
// next polls, not by a timer.
//
// # Reporting
//
// Workers stream logs, results, saved session data and login markers
// back by claim token. Unknown tokens (finished, reset, expired) fail
// fast with store.ErrNotFound. Work leaves the queue only on an
// explicit finishing report.
package queue
