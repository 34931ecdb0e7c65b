// Package scheduler runs named, cron-timed actions inside the process.
//
// A Service owns its task registry (there is no package-level state) and a
// single timing loop. The loop moves through the states
//
//	Idle -> Waiting(next) -> Dispatching -> Waiting(next') -> ... -> Stopped
//
// sleeping until the earliest next-fire-time, or until AddTask, RemoveTask,
// a finished run or Stop wakes it early. No single sleep exceeds a minute,
// so a wall clock that jumps ahead (host suspend) is noticed promptly.
//
// Rules:
//   - actions run on their own goroutines; the registry lock is never held
//     while an action runs
//   - one name never has two overlapping runs; a tick that finds the task
//     still running is skipped and the task is retried at its following tick
//   - after a run the next fire time is computed from the completion time
//   - action errors and panics are logged and recorded, never propagated
//   - RemoveTask lets an in-flight run finish but never reschedules it; the
//     name cannot be added again until that run returns
//   - overdue tasks fire once, however many ticks were missed
//   - Stop is terminal; no dispatch happens after it returns
package scheduler
